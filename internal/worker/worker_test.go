package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/reveal"
)

func collect(p *Port) (<-chan Reply, func()) {
	ch := make(chan Reply, 16)
	remove := p.AddListener(func(r Reply) { ch <- r })
	return ch, remove
}

func next(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return Reply{}
	}
}

func TestPortRepliesWithRequestID(t *testing.T) {
	p := NewPort(func(_ context.Context, req Request) (any, error) {
		return req.Payload.(int) * 2, nil
	}, 2)
	p.Start()
	defer p.Close()
	replies, _ := collect(p)

	for i := 1; i <= 3; i++ {
		if err := p.Post(context.Background(), Request{ID: uint64(i), Payload: i}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	seen := map[uint64]int{}
	for i := 0; i < 3; i++ {
		r := next(t, replies)
		seen[r.ID] = r.Value.(int)
	}
	for id, v := range seen {
		if v != int(id)*2 {
			t.Errorf("reply %d = %d", id, v)
		}
	}
}

func TestPortDeadlineAndPanic(t *testing.T) {
	p := NewPort(func(ctx context.Context, req Request) (any, error) {
		if req.Op == "panic" {
			panic("boom")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}, 1)
	p.Start()
	defer p.Close()
	replies, _ := collect(p)

	_ = p.Post(context.Background(), Request{ID: 1, Deadline: time.Now().Add(20 * time.Millisecond)})
	if r := next(t, replies); !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Errorf("deadline reply = %v", r.Err)
	}
	_ = p.Post(context.Background(), Request{ID: 2, Op: "panic"})
	if r := next(t, replies); r.Err == nil {
		t.Error("panic should turn into an error reply")
	}
}

func TestListenersAddRemove(t *testing.T) {
	p := NewPort(func(context.Context, Request) (any, error) { return nil, nil }, 1)
	r1 := p.AddListener(func(Reply) {})
	r2 := p.AddListener(func(Reply) {})
	if p.Listeners() != 2 {
		t.Fatalf("listeners = %d", p.Listeners())
	}
	r1()
	r1()
	if p.Listeners() != 1 {
		t.Errorf("listeners after remove = %d", p.Listeners())
	}
	r2()
	p.Close()
	if err := p.Post(context.Background(), Request{}); !errors.Is(err, ErrClosed) {
		t.Errorf("post after close = %v", err)
	}
}

type fakeProver struct {
	mu      sync.Mutex
	freed   int
	freeErr error
}

func (f *fakeProver) Setup(context.Context, *iochannel.Channel) error { return nil }
func (f *fakeProver) SendRequest(context.Context, *iochannel.Channel, engine.Request) (*engine.Response, error) {
	return &engine.Response{Status: 204}, nil
}
func (f *fakeProver) Transcript() (reveal.Transcript, error) {
	return reveal.Transcript{Sent: []byte("GET / HTTP/1.1\r\n\r\n")}, nil
}
func (f *fakeProver) Reveal(context.Context, reveal.Config) error { return nil }
func (f *fakeProver) Free() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed++
	return f.freeErr
}

type fakeFactory struct{ p *fakeProver }

func (f fakeFactory) NewProver(engine.ProverConfig) (engine.Prover, error) { return f.p, nil }

func TestEngineLifecycle(t *testing.T) {
	fp := &fakeProver{freeErr: errors.New("already released")}
	e := NewEngine(fakeFactory{fp}, obs.Nop)
	ctx := context.Background()

	if _, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpCreate, Payload: CreatePayload{}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpCreate, Payload: CreatePayload{}}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("duplicate create = %v", err)
	}
	if e.Active() != 1 {
		t.Fatalf("active = %d", e.Active())
	}
	v, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpTranscript})
	if err != nil || len(v.(reveal.Transcript).Sent) == 0 {
		t.Fatalf("transcript = %v, %v", v, err)
	}
	if _, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpReveal, Payload: "wrong"}); !errors.Is(err, apperr.ErrInvalidMessage) {
		t.Errorf("bad payload = %v", err)
	}
	if _, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpFree}); !errors.Is(err, apperr.ErrEngineRelease) {
		t.Errorf("free = %v", err)
	}
	if e.Active() != 0 {
		t.Error("free must drop the prover even when release fails")
	}
	if _, err := e.Handle(ctx, Request{ProverID: "p1", Op: OpTranscript}); !errors.Is(err, apperr.ErrProverNotFound) {
		t.Errorf("after free = %v", err)
	}
}
