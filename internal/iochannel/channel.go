// Package iochannel turns a message-oriented duplex connection (a WebSocket)
// into a byte channel with a bounded receive queue.
//
// Incoming messages are handed to the single pending reader or queued. When the
// queued total passes the cap the peer is disconnected with close code 1009 and
// every later Read fails with the overflow error.
package iochannel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/obs"
)

// DefaultMaxReadQueue is the cap on buffered but unread bytes.
const DefaultMaxReadQueue = 10 * 1024 * 1024

// OverflowReason is the close reason sent to the peer on queue overflow.
const OverflowReason = "Read queue overflow"

var ErrTransport = apperr.New(apperr.KindTransport, "NT-CHAN-5000", "transport error")

// Conn is a message-oriented duplex connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Transport is a Conn that has not completed its opening handshake yet.
type Transport interface {
	Conn
	Open(ctx context.Context) error
}

type Option func(*Channel)

// WithMaxReadQueue overrides DefaultMaxReadQueue.
func WithMaxReadQueue(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.max = n
		}
	}
}

func WithLogger(l obs.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

type result struct {
	data []byte
	err  error
}

// Channel is a byte channel over a Conn. Read and Write are safe to call from
// different goroutines; only one Read may be outstanding at a time.
type Channel struct {
	conn Conn
	max  int
	log  obs.Logger

	mu     sync.Mutex
	queue  [][]byte
	queued int
	waiter chan result
	err    error
	closed bool

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Connect waits for t to finish its handshake and wraps it. If the handshake
// fails the transport is closed once and no channel is returned.
func Connect(ctx context.Context, t Transport, opts ...Option) (*Channel, error) {
	if err := t.Open(ctx); err != nil {
		_ = t.Close()
		return nil, apperr.ErrConnectionFailed.Wrap(err)
	}
	return FromConn(t, opts...), nil
}

// Dial opens a WebSocket to url and wraps it.
func Dial(ctx context.Context, url string, opts ...Option) (*Channel, error) {
	return Connect(ctx, NewWebSocketTransport(url, nil), opts...)
}

// FromConn wraps an already open connection and starts receiving.
func FromConn(conn Conn, opts ...Option) *Channel {
	c := &Channel{
		conn: conn,
		max:  DefaultMaxReadQueue,
		log:  obs.Default(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.pump()
	return c
}

func (c *Channel) pump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if len(data) == 0 {
			continue
		}
		if !c.deliver(data) {
			return
		}
	}
}

func (c *Channel) deliver(data []byte) bool {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return false
	}
	obs.ChannelBytesTotal.WithLabelValues("in").Add(float64(len(data)))
	if w := c.waiter; w != nil {
		c.waiter = nil
		c.mu.Unlock()
		w <- result{data: data}
		return true
	}
	ok := c.enqueue(data, false)
	c.mu.Unlock()
	if !ok {
		c.overflow()
	}
	return ok
}

// enqueue adds data to the queue, at the head when front is set. It reports
// false once the cap is exceeded; the caller then runs overflow without c.mu.
func (c *Channel) enqueue(data []byte, front bool) bool {
	if front {
		c.queue = append([][]byte{data}, c.queue...)
	} else {
		c.queue = append(c.queue, data)
	}
	c.queued += len(data)
	if c.queued <= c.max {
		return true
	}
	c.err = apperr.ErrReadQueueExceeded.WithDetails("%d bytes, closing socket", c.max)
	c.closed = true
	c.queue, c.queued = nil, 0
	return false
}

func (c *Channel) overflow() {
	obs.ChannelOverflowTotal.Inc()
	c.log.Warn("iochannel.overflow", obs.Fields{"max": c.max})
	c.closeTransport(websocket.CloseMessageTooBig, OverflowReason)
}

// requeue returns data that was handed to a cancelled reader. A reader that
// arrived since gets it directly.
func (c *Channel) requeue(data []byte) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if w := c.waiter; w != nil {
		c.waiter = nil
		c.mu.Unlock()
		w <- result{data: data}
		return
	}
	ok := c.enqueue(data, true)
	c.mu.Unlock()
	if !ok {
		c.overflow()
	}
}

// fail records a transport read error. A close frame with a normal code is an
// orderly end of stream; anything else is surfaced to readers.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !orderly(err) {
		c.err = ErrTransport.Wrap(err)
	}
	w := c.waiter
	c.waiter = nil
	rerr := c.err
	c.mu.Unlock()

	if w != nil {
		if rerr == nil {
			rerr = io.EOF
		}
		w <- result{err: rerr}
	}
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func orderly(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// Read returns the next chunk of bytes, waiting until one arrives. It returns
// io.EOF after an orderly close once queued data is drained.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if len(c.queue) > 0 {
		d := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queued -= len(d)
		c.mu.Unlock()
		return d, nil
	}
	if c.closed {
		c.mu.Unlock()
		return nil, io.EOF
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return nil, apperr.ErrReadPending
	}
	w := make(chan result, 1)
	c.waiter = w
	c.mu.Unlock()

	select {
	case r := <-w:
		return r.data, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		c.mu.Unlock()
		// A result was handed over concurrently; keep its data for the next read.
		r := <-w
		if r.err == nil && len(r.data) > 0 {
			c.requeue(r.data)
		}
		return nil, ctx.Err()
	}
}

// Write sends p as one binary message.
func (c *Channel) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	err, closed := c.err, c.closed
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if closed {
		return apperr.ErrChannelClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		if d, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(dl)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return ErrTransport.Wrap(err)
	}
	obs.ChannelBytesTotal.WithLabelValues("out").Add(float64(len(p)))
	return nil
}

// Close closes the channel and its transport. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if w != nil {
		w <- result{err: io.EOF}
	}
	c.closeTransport(websocket.CloseNormalClosure, "")
	return nil
}

func (c *Channel) closeTransport(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// Err returns the error that terminated the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the receive loop exits.
func (c *Channel) Done() <-chan struct{} { return c.done }
