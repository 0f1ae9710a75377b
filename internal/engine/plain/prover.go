package plain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"sync"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/httpx"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/reveal"
)

var errNotReady = errors.New("prover has no transcript yet")

// Factory creates plain provers. TLSConfig, when set, is cloned for every
// prover; tests use it to trust a local server.
type Factory struct {
	TLSConfig *tls.Config
}

func (f *Factory) NewProver(cfg engine.ProverConfig) (engine.Prover, error) {
	if cfg.MaxSentData <= 0 || cfg.MaxRecvData <= 0 {
		return nil, apperr.ErrLimitExceeded.WithDetails("limits must be positive")
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if f != nil && f.TLSConfig != nil {
		conf = f.TLSConfig.Clone()
	}
	return &Prover{cfg: cfg, tls: conf}, nil
}

// Prover is the plain engine's prover.
type Prover struct {
	cfg engine.ProverConfig
	tls *tls.Config

	mu         sync.Mutex
	verifier   *iochannel.Channel
	transcript *reveal.Transcript
	freed      bool
}

func (p *Prover) Setup(ctx context.Context, verifier *iochannel.Channel) error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return apperr.ErrInvalidState.WithDetails("prover freed")
	}
	p.verifier = verifier
	p.mu.Unlock()

	limits := p.cfg.Limits
	if err := send(ctx, verifier, frame{Type: frameHello, ServerName: p.cfg.ServerName, Limits: &limits}); err != nil {
		return err
	}
	return awaitAck(ctx, verifier)
}

func (p *Prover) SendRequest(ctx context.Context, proxy *iochannel.Channel, r engine.Request) (*engine.Response, error) {
	req, err := httpx.NewRequest(r.Method, r.URL, r.Headers, []byte(r.Body))
	if err != nil {
		return nil, err
	}
	wire := req.Bytes()
	if len(wire) > p.cfg.MaxSentData {
		return nil, apperr.ErrLimitExceeded.WithDetails("request is %d bytes, limit %d", len(wire), p.cfg.MaxSentData)
	}
	conf := p.tls.Clone()
	if conf.ServerName == "" {
		conf.ServerName = p.cfg.ServerName
	}
	if conf.ServerName == "" {
		u, _ := url.Parse(r.URL)
		conf.ServerName = u.Hostname()
	}

	conn := tls.Client(iochannel.NetConn(proxy), conf)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = proxy.Close() })
	defer stop()
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, apperr.ErrProxyDial.WithDetails("tls handshake with %s", conf.ServerName).Wrap(err)
	}

	rec := &recorder{Conn: conn, limits: p.cfg.Limits}
	if _, err := rec.Write(wire); err != nil {
		return nil, err
	}
	resp, err := httpx.ReadResponse(bufio.NewReader(rec), req.Method, int64(p.cfg.MaxRecvData))
	if rec.err != nil {
		return nil, rec.err
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.transcript = &reveal.Transcript{Sent: rec.sent.Bytes(), Recv: rec.recv.Bytes()}
	p.mu.Unlock()
	return &engine.Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}

func (p *Prover) Transcript() (reveal.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transcript == nil {
		return reveal.Transcript{}, errNotReady
	}
	return *p.transcript, nil
}

func (p *Prover) Reveal(ctx context.Context, cfg reveal.Config) error {
	p.mu.Lock()
	t, v := p.transcript, p.verifier
	p.mu.Unlock()
	if t == nil {
		return errNotReady
	}
	if v == nil {
		return apperr.ErrInvalidState.WithDetails("prover not set up")
	}
	f := frame{Type: frameReveal, SentLen: len(t.Sent), RecvLen: len(t.Recv)}
	for _, r := range cfg.SentRanges() {
		if r.End > len(t.Sent) {
			return apperr.ErrInvalidReveal.WithDetails("sent range %s past %d bytes", r, len(t.Sent))
		}
		f.Sent = append(f.Sent, slice{Start: r.Start, Data: t.Sent[r.Start:r.End]})
	}
	for _, r := range cfg.RecvRanges() {
		if r.End > len(t.Recv) {
			return apperr.ErrInvalidReveal.WithDetails("recv range %s past %d bytes", r, len(t.Recv))
		}
		f.Recv = append(f.Recv, slice{Start: r.Start, Data: t.Recv[r.Start:r.End]})
	}
	if err := send(ctx, v, f); err != nil {
		return err
	}
	return awaitAck(ctx, v)
}

func (p *Prover) Free() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return nil
	}
	p.freed = true
	p.transcript = nil
	p.verifier = nil
	return nil
}

// recorder keeps the plaintext crossing a TLS connection and enforces limits.
type recorder struct {
	net.Conn
	limits     engine.Limits
	sent, recv bytes.Buffer
	err        error
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.sent.Len()+len(b) > r.limits.MaxSentData {
		r.err = apperr.ErrLimitExceeded.WithDetails("sent data over %d bytes", r.limits.MaxSentData)
		return 0, r.err
	}
	n, err := r.Conn.Write(b)
	r.sent.Write(b[:n])
	return n, err
}

func (r *recorder) Read(b []byte) (int, error) {
	n, err := r.Conn.Read(b)
	r.recv.Write(b[:n])
	if r.recv.Len() > r.limits.MaxRecvData {
		r.err = apperr.ErrLimitExceeded.WithDetails("received data over %d bytes", r.limits.MaxRecvData)
		return n, r.err
	}
	return n, err
}
