package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/ratelimit"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com", "example.com:443", false},
		{"example.com:8443", "example.com:8443", false},
		{" api.x.io ", "api.x.io:443", false},
		{"[::1]:9000", "[::1]:9000", false},
		{"[::1]", "[::1]:443", false},
		{"::1", "[::1]:443", false},
		{"", "", true},
		{":443", "", true},
		{"example.com:0", "", true},
		{"example.com:http", "", true},
		{"example.com/path", "", true},
		{"[::1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrInvalidTarget) {
					t.Fatalf("expected ErrInvalidTarget, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

// echoTCP starts a TCP server that runs fn on every connection.
func echoTCP(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go fn(c)
		}
	}()
	return ln.Addr().String()
}

func startProxy(t *testing.T, h *Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietHandler() *Handler {
	h := NewHandler(2*time.Second, nil)
	h.Log = obs.Nop
	return h
}

func TestBridgeRelaysBothWays(t *testing.T) {
	addr := echoTCP(t, func(c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
	base := startProxy(t, quietHandler())

	ws, _, err := websocket.DefaultDialer.Dial(base+"/?token="+addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	payloads := [][]byte{[]byte("\x16\x03\x01hello"), bytes.Repeat([]byte{0xAB}, 4096), []byte("tail")}
	var want []byte
	for _, p := range payloads {
		if err := ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
			t.Fatalf("write: %v", err)
		}
		want = append(want, p...)
	}
	var got []byte
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < len(want) {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, msg...)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("relayed bytes differ from sent bytes")
	}
}

func TestTCPEndClosesWebSocket(t *testing.T) {
	addr := echoTCP(t, func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
		_ = c.Close()
	})
	base := startProxy(t, quietHandler())

	ws, _, err := websocket.DefaultDialer.Dial(base+"/?host="+addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "bye" {
		t.Fatalf("got %q, %v", msg, err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestWebSocketCloseClosesTCP(t *testing.T) {
	closed := make(chan struct{})
	addr := echoTCP(t, func(c net.Conn) {
		defer close(closed)
		_, _ = io.Copy(io.Discard, c)
	})
	base := startProxy(t, quietHandler())

	ws, _, err := websocket.DefaultDialer.Dial(base+"/?token="+addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = ws.WriteMessage(websocket.BinaryMessage, []byte("x"))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("tcp side was not closed")
	}
}

func TestBadTargetIsRejectedBeforeUpgrade(t *testing.T) {
	srv := httptest.NewServer(quietHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?token=")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRateLimitedProxy(t *testing.T) {
	h := quietHandler()
	h.Limiter = ratelimit.NewRateLimiter(0, 1, 0, 0, 1)
	h.Dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}
	srv := httptest.NewServer(h)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	if ws, _, err := websocket.DefaultDialer.Dial(base+"/?token=example.com", nil); err == nil {
		ws.Close()
	} else {
		t.Fatalf("first link should upgrade: %v", err)
	}
	_, resp, err := websocket.DefaultDialer.Dial(base+"/?token=example.com", nil)
	if err == nil {
		t.Fatal("second link should be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", resp)
	}
}

func TestDialFailureClosesWebSocket(t *testing.T) {
	h := quietHandler()
	h.Dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	base := startProxy(t, h)

	ws, _, err := websocket.DefaultDialer.Dial(base+"/?token=example.com:1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected 1011 close, got %v", err)
	}
}

func TestRateLimitKeysOnForwardedClient(t *testing.T) {
	h := quietHandler()
	h.Limiter = ratelimit.NewRateLimiter(0, 1, 0, 0, 1)
	h.TrustForwarded = true
	h.Dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, errors.New("unreachable")
	}
	base := startProxy(t, h)

	dial := func(ip string) *http.Response {
		ws, resp, err := websocket.DefaultDialer.Dial(base+"/?token=example.com", http.Header{"X-Forwarded-For": {ip + ", 192.0.2.1"}})
		if err == nil {
			ws.Close()
		}
		return resp
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		if resp := dial(ip); resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("%s should get its own budget, got %v", ip, resp)
		}
	}
	if resp := dial("10.0.0.1"); resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a repeated forwarded client, got %v", resp)
	}
}
