package iochannel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errNotOpen = errors.New("websocket not open")

// WebSocketTransport dials lazily: the connection exists only after Open.
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (t *WebSocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.mu.Unlock()

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return net.ErrClosed
	}
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) get() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *WebSocketTransport) ReadMessage() (int, []byte, error) {
	c := t.get()
	if c == nil {
		return 0, nil, errNotOpen
	}
	return c.ReadMessage()
}

func (t *WebSocketTransport) WriteMessage(messageType int, data []byte) error {
	c := t.get()
	if c == nil {
		return errNotOpen
	}
	return c.WriteMessage(messageType, data)
}

func (t *WebSocketTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c := t.get()
	if c == nil {
		return errNotOpen
	}
	return c.WriteControl(messageType, data, deadline)
}

func (t *WebSocketTransport) SetWriteDeadline(d time.Time) error {
	c := t.get()
	if c == nil {
		return errNotOpen
	}
	return c.SetWriteDeadline(d)
}

func (t *WebSocketTransport) LocalAddr() net.Addr {
	if c := t.get(); c != nil {
		return c.LocalAddr()
	}
	return addr(t.url)
}

func (t *WebSocketTransport) RemoteAddr() net.Addr {
	if c := t.get(); c != nil {
		return c.RemoteAddr()
	}
	return addr(t.url)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

type addr string

func (a addr) Network() string { return "websocket" }
func (a addr) String() string  { return string(a) }
