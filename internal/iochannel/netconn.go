package iochannel

import (
	"context"
	"net"
	"os"
	"sync"
	"time"
)

// NetConn exposes ch as a net.Conn stream so a TLS client or a decoder can run
// on top of it. Message boundaries are not preserved on reads.
func NetConn(ch *Channel) net.Conn {
	return &netConn{ch: ch}
}

type netConn struct {
	ch *Channel

	rmu  sync.Mutex
	rbuf []byte

	dmu sync.Mutex
	rdl time.Time
	wdl time.Time
}

func (n *netConn) deadlineCtx(dl time.Time) (context.Context, context.CancelFunc) {
	if dl.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), dl)
}

func (n *netConn) Read(p []byte) (int, error) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	if len(n.rbuf) == 0 {
		n.dmu.Lock()
		dl := n.rdl
		n.dmu.Unlock()
		ctx, cancel := n.deadlineCtx(dl)
		data, err := n.ch.Read(ctx)
		cancel()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return 0, os.ErrDeadlineExceeded
			}
			return 0, err
		}
		n.rbuf = data
	}
	c := copy(p, n.rbuf)
	n.rbuf = n.rbuf[c:]
	return c, nil
}

func (n *netConn) Write(p []byte) (int, error) {
	n.dmu.Lock()
	dl := n.wdl
	n.dmu.Unlock()
	ctx, cancel := n.deadlineCtx(dl)
	defer cancel()
	if err := n.ch.Write(ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (n *netConn) Close() error { return n.ch.Close() }

func (n *netConn) LocalAddr() net.Addr {
	if a, ok := n.ch.conn.(interface{ LocalAddr() net.Addr }); ok {
		return a.LocalAddr()
	}
	return addr("iochannel")
}

func (n *netConn) RemoteAddr() net.Addr {
	if a, ok := n.ch.conn.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return addr("iochannel")
}

func (n *netConn) SetDeadline(t time.Time) error {
	n.dmu.Lock()
	n.rdl, n.wdl = t, t
	n.dmu.Unlock()
	return nil
}

func (n *netConn) SetReadDeadline(t time.Time) error {
	n.dmu.Lock()
	n.rdl = t
	n.dmu.Unlock()
	return nil
}

func (n *netConn) SetWriteDeadline(t time.Time) error {
	n.dmu.Lock()
	n.wdl = t
	n.dmu.Unlock()
	return nil
}
