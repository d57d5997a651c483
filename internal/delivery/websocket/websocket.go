// Package websocket implements delivery.Transport over a websocket bridge.
// Every publish is one text frame of the form
//
//	{"topic": "<topic>", "payload": <values object>}
//
// which lets browser simulators and HTTP-only gateways receive the same
// values an MQTT broker would.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/millwright/internal/delivery"
)

// Frame is the message written for every publish.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Transport is a coder/websocket-backed delivery.Transport.
type Transport struct {
	url        string
	topic      string
	header     http.Header
	httpClient *http.Client

	mu   sync.Mutex
	conn *websocket.Conn

	lost chan error
}

// Option configures a Transport.
type Option func(*Transport)

// WithHeader adds headers to the handshake request, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(t *Transport) { t.header = h }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transport) { t.httpClient = hc }
}

// New returns a Transport for the bridge at url (ws:// or wss://).
func New(url, topic string, opts ...Option) (*Transport, error) {
	if url == "" {
		return nil, errors.New("websocket: url must not be empty")
	}
	if topic == "" {
		return nil, errors.New("websocket: topic must not be empty")
	}
	t := &Transport{url: url, topic: topic, lost: make(chan error, 1)}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Connect implements delivery.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: t.header,
	})
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}

	// The bridge never sends data frames; CloseRead keeps control frames
	// flowing and reports when the peer goes away.
	closed := conn.CloseRead(context.Background())
	go t.watch(conn, closed)
	return nil
}

func (t *Transport) watch(conn *websocket.Conn, closed context.Context) {
	<-closed.Done()
	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	t.mu.Unlock()
	if !current {
		return
	}
	select {
	case t.lost <- fmt.Errorf("websocket: connection to %s closed", t.url):
	default:
	}
}

// Send implements delivery.Transport.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return delivery.ErrNotConnected
	}

	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("websocket: encode payload: %w", err)
		}
		raw = quoted
	}
	data, err := json.Marshal(Frame{Topic: t.topic, Payload: raw})
	if err != nil {
		return fmt.Errorf("websocket: encode frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Disconnect implements delivery.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil
		}
		return fmt.Errorf("websocket: close: %w", err)
	}
	return nil
}

// Lost implements delivery.Transport.
func (t *Transport) Lost() <-chan error { return t.lost }

var _ delivery.Transport = (*Transport)(nil)
