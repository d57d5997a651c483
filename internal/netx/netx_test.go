package netx_test

import (
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/millwright/internal/netx"
)

// socksServer is a minimal no-auth SOCKS5 CONNECT proxy that records the
// destination address types it was asked for.
type socksServer struct {
	ln net.Listener

	mu    sync.Mutex
	atyps []byte
}

func startSOCKS(t *testing.T) *socksServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &socksServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(c)
		}
	}()
	return s
}

func (s *socksServer) url(scheme string) string { return scheme + "://" + s.ln.Addr().String() }

func (s *socksServer) lastAtyp() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.atyps) == 0 {
		return 0
	}
	return s.atyps[len(s.atyps)-1]
}

func (s *socksServer) serve(c net.Conn) {
	defer c.Close()
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return
	}
	if _, err := io.ReadFull(c, make([]byte, hdr[1])); err != nil {
		return
	}
	c.Write([]byte{5, 0})

	req := make([]byte, 4)
	if _, err := io.ReadFull(c, req); err != nil {
		return
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		io.ReadFull(c, ip)
		host = net.IP(ip).String()
	case 4:
		ip := make([]byte, 16)
		io.ReadFull(c, ip)
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		io.ReadFull(c, n)
		name := make([]byte, n[0])
		io.ReadFull(c, name)
		host = string(name)
	}
	pb := make([]byte, 2)
	io.ReadFull(c, pb)
	port := binary.BigEndian.Uint16(pb)

	s.mu.Lock()
	s.atyps = append(s.atyps, req[3])
	s.mu.Unlock()

	up, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	go io.Copy(up, c)
	io.Copy(c, up)
}

func TestNewClient_NoProxy(t *testing.T) {
	t.Parallel()
	c, err := netx.NewClient("")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Timeout != netx.DefaultTimeout {
		t.Errorf("Timeout = %s, want %s", c.Timeout, netx.DefaultTimeout)
	}
}

func TestNewClient_InvalidProxy(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"http://proxy:3128", "socks5://", "::bad"} {
		if _, err := netx.NewClient(u); err == nil {
			t.Errorf("NewClient(%q): expected error", u)
		}
	}
}

func TestNewClient_ThroughProxy(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "spun")
	}))
	t.Cleanup(backend.Close)
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(backend.URL, "http://"))

	tests := []struct {
		scheme   string
		wantAtyp byte
	}{
		{"socks5h", 3},
		{"socks5", 1},
	}
	for _, tc := range tests {
		t.Run(tc.scheme, func(t *testing.T) {
			proxy := startSOCKS(t)
			c, err := netx.NewClient(proxy.url(tc.scheme))
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://localhost:"+port+"/", nil)
			resp, err := c.Do(req)
			if err != nil {
				t.Fatalf("request through proxy: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "spun" {
				t.Errorf("body = %q, want spun", body)
			}
			if got := proxy.lastAtyp(); got != tc.wantAtyp && !(tc.wantAtyp == 1 && got == 4) {
				t.Errorf("address type = %d, want %d", got, tc.wantAtyp)
			}
		})
	}
}
