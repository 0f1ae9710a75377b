// Package worker runs engine calls away from the caller. Callers post requests
// and receive replies through listeners; nothing is shared but messages.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matst80/notary/internal/obs"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("worker port closed")

// Op names an engine operation.
type Op string

const (
	OpCreate      Op = "create"
	OpSetup       Op = "setup"
	OpSendRequest Op = "send_request"
	OpTranscript  Op = "transcript"
	OpReveal      Op = "reveal"
	OpFree        Op = "free"
)

// Request is one call into the worker. ID correlates it with its Reply.
type Request struct {
	ID       uint64
	ProverID string
	Op       Op
	Payload  any
	Deadline time.Time // zero means none
}

// Reply answers the request with the same ID.
type Reply struct {
	ID    uint64
	Value any
	Err   error
}

// Handler executes one request. It may block.
type Handler func(ctx context.Context, req Request) (any, error)

type listener struct {
	id uint64
	fn func(Reply)
}

// Port is a fixed pool of goroutines fed by a queue.
type Port struct {
	handler Handler
	size    int

	in     chan Request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	listeners []listener
	nextID    uint64
	started   bool
	closed    bool
}

// NewPort creates a port with size workers and a queue of the same depth.
func NewPort(h Handler, size int) *Port {
	if size <= 0 {
		size = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Port{handler: h, size: size, in: make(chan Request, size), ctx: ctx, cancel: cancel}
}

// Start launches the workers. Later calls do nothing.
func (p *Port) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Port) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.in:
			v, err := p.call(req)
			p.emit(Reply{ID: req.ID, Value: v, Err: err})
		}
	}
}

func (p *Port) call(req Request) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("worker.panic", obs.Fields{"op": req.Op, "prover": req.ProverID, "panic": r})
			err = errors.New("worker panic")
		}
	}()
	ctx := p.ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	return p.handler(ctx, req)
}

func (p *Port) emit(r Reply) {
	p.mu.RLock()
	ls := make([]func(Reply), len(p.listeners))
	for i, l := range p.listeners {
		ls[i] = l.fn
	}
	p.mu.RUnlock()
	for _, fn := range ls {
		fn(r)
	}
}

// Post queues req. It blocks while the queue is full unless ctx ends first.
func (p *Port) Post(ctx context.Context, req Request) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case p.in <- req:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers fn for every reply and returns a func that removes it.
func (p *Port) AddListener(fn func(Reply)) (remove func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, listener{id: id, fn: fn})
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Listeners reports how many listeners are registered.
func (p *Port) Listeners() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.listeners)
}

// Close stops the workers after their current request. Queued requests are dropped.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
