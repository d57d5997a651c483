package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/millwright/internal/delivery"
	wstransport "github.com/MrWong99/millwright/internal/delivery/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBridge runs a websocket server that passes every accepted connection
// to handler.
func startBridge(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(r.Context(), conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Validation(t *testing.T) {
	if _, err := wstransport.New("", "t"); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := wstransport.New("ws://x", ""); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestSend_WritesFrame(t *testing.T) {
	frames := make(chan wstransport.Frame, 2)
	auth := make(chan string, 1)
	srv := startBridge(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		for range 2 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f wstransport.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Errorf("decode frame: %v", err)
				return
			}
			frames <- f
		}
	})

	tr, err := wstransport.New(wsURL(srv), "windmill/spin",
		wstransport.WithHeader(http.Header{"Authorization": []string{"Bearer k"}}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	if got := <-auth; got != "Bearer k" {
		t.Errorf("Authorization = %q", got)
	}

	if err := tr.Send(t.Context(), []byte(`{"speed_para":3}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.Send(t.Context(), []byte(`not json`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	f := <-frames
	if f.Topic != "windmill/spin" || string(f.Payload) != `{"speed_para":3}` {
		t.Errorf("frame = %s %s", f.Topic, f.Payload)
	}
	f = <-frames
	if string(f.Payload) != `"not json"` {
		t.Errorf("non-JSON payload = %s, want a quoted string", f.Payload)
	}
}

func TestSend_NotConnected(t *testing.T) {
	tr, _ := wstransport.New("ws://127.0.0.1:1", "t")
	if err := tr.Send(t.Context(), []byte(`{}`)); !errors.Is(err, delivery.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Errorf("Disconnect without connection: %v", err)
	}
}

func TestLost_ReportsPeerClose(t *testing.T) {
	srv := startBridge(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		conn.Close(websocket.StatusGoingAway, "restarting")
	})

	tr, _ := wstransport.New(wsURL(srv), "t")
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case err := <-tr.Lost():
		if err == nil {
			t.Error("expected a loss error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer close was not reported")
	}
	if err := tr.Send(t.Context(), []byte(`{}`)); !errors.Is(err, delivery.ErrNotConnected) {
		t.Errorf("send after loss = %v", err)
	}
}

func TestDisconnect_IsNotReportedAsLoss(t *testing.T) {
	srv := startBridge(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		<-conn.CloseRead(ctx).Done()
	})

	tr, _ := wstransport.New(wsURL(srv), "t")
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-tr.Lost():
		t.Errorf("unexpected loss notification: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelOverWebsocket(t *testing.T) {
	got := make(chan string, 1)
	srv := startBridge(t, func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.Read(ctx)
		if err == nil {
			got <- string(data)
		}
		<-conn.CloseRead(ctx).Done()
	})

	tr, _ := wstransport.New(wsURL(srv), "windmill")
	ch := delivery.New(tr)
	defer ch.Close()
	if err := ch.ConnectWithRetry(t.Context(), 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Publish(t.Context(), []byte(`{"dir_para":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := <-got; msg != `{"topic":"windmill","payload":{"dir_para":1}}` {
		t.Errorf("message = %s", msg)
	}
}
