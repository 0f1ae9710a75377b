package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/reveal"
)

// idleConn is a Conn whose peer never sends anything.
type idleConn struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleConn() *idleConn { return &idleConn{closed: make(chan struct{})} }

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
}
func (c *idleConn) WriteMessage(int, []byte) error            { return nil }
func (c *idleConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubVerifier returns v, or blocks until ctx ends when v is nil.
type stubVerifier struct {
	v      *engine.Verification
	limits chan engine.Limits
}

func (s stubVerifier) Verify(ctx context.Context, _ *iochannel.Channel, limits engine.Limits) (*engine.Verification, error) {
	if s.limits != nil {
		s.limits <- limits
	}
	if s.v == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.v, nil
}

const (
	sentLine = "GET /balance HTTP/1.1"
	sentText = sentLine + "\r\nHost: bank.test\r\n\r\n"
)

// verification discloses only the start line of the sent transcript.
func verification() *engine.Verification {
	sent := make([]byte, len(sentText))
	copy(sent, sentLine)
	return &engine.Verification{
		ServerName: "bank.test",
		Transcript: reveal.Transcript{Sent: sent, Recv: make([]byte, 64)},
		SentAuthed: []reveal.Range{{Start: 0, End: len(sentLine)}},
	}
}

func startLineConfig(end int) reveal.Config {
	return reveal.Config{Sent: []reveal.RangeWithHandler{{
		Start: 0, End: end,
		Handler: reveal.Handler{Type: reveal.Sent, Part: reveal.PartStartLine, Action: reveal.ActionReveal},
	}}}
}

func newTestRegistry(t *testing.T, v engine.Verifier, mut func(*Options)) *Registry {
	t.Helper()
	opts := Options{Verifier: v, Log: obs.Nop, MaxSentData: 4096, MaxRecvData: 16384}
	if mut != nil {
		mut(&opts)
	}
	r := New(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func register(t *testing.T, r *Registry) string {
	t.Helper()
	id, err := r.Register(context.Background(), Metadata{MaxSentData: 2000, MaxRecvData: 4000})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return id
}

func TestRegisterValidatesLimits(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{}, nil)
	ctx := context.Background()

	if _, err := r.Register(ctx, Metadata{MaxSentData: 0, MaxRecvData: 10}); !errors.Is(err, apperr.ErrInvalidMessage) {
		t.Errorf("zero limit = %v", err)
	}
	if _, err := r.Register(ctx, Metadata{MaxSentData: 10, MaxRecvData: 1 << 20}); !errors.Is(err, apperr.ErrLimitExceeded) {
		t.Errorf("over limit = %v", err)
	}

	id := register(t, r)
	if !strings.HasPrefix(id, SessionIDPrefix) || len(id) != len(SessionIDPrefix)+26 || strings.ToLower(id) != id {
		t.Errorf("unexpected session id %q", id)
	}
	s, err := r.Session(id)
	if err != nil || s.State != StateRegistered || s.MaxSentData != 2000 || s.MaxRecvData != 4000 {
		t.Fatalf("session = %+v, %v", s, err)
	}
	if _, err := r.store.Load(ctx, id); err != nil {
		t.Errorf("store: %v", err)
	}
	if st := r.Stats(); st.Sessions != 1 || st.Pending != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{}, nil)
	err := r.Attach(context.Background(), "nts-missing", newIdleConn())
	if !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

// sharedStore is a MemoryStore that also reports which instance owns a session.
type sharedStore struct {
	*MemoryStore
	owners map[string]string
}

func (s sharedStore) Owner(_ context.Context, id string) (string, error) {
	o, ok := s.owners[id]
	if !ok {
		return "", apperr.ErrSessionNotFound.WithDetails("%s", id)
	}
	return o, nil
}

func TestSessionFallsBackToStore(t *testing.T) {
	store := NewMemoryStore()
	remote := Session{ID: "nts-remote", State: StateProving, Metadata: Metadata{MaxSentData: 10, MaxRecvData: 20}}
	if err := store.Save(context.Background(), remote); err != nil {
		t.Fatal(err)
	}
	r := newTestRegistry(t, stubVerifier{}, func(o *Options) { o.Store = store })

	got, err := r.Session("nts-remote")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.State != StateProving || got.MaxRecvData != 20 {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := r.Session("nts-nowhere"); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestAttachNamesOwningInstance(t *testing.T) {
	store := sharedStore{MemoryStore: NewMemoryStore(), owners: map[string]string{"nts-remote": "node-b"}}
	r := newTestRegistry(t, stubVerifier{}, func(o *Options) { o.Store = store })

	err := r.Attach(context.Background(), "nts-remote", newIdleConn())
	if !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if !strings.Contains(err.Error(), "node-b") {
		t.Fatalf("expected owner in error, got %v", err)
	}

	err = r.Attach(context.Background(), "nts-unowned", newIdleConn())
	if !errors.Is(err, apperr.ErrSessionNotFound) || strings.Contains(err.Error(), "owned by") {
		t.Fatalf("unexpected error for unowned session: %v", err)
	}
}

func TestCompleteRevealReturnsResults(t *testing.T) {
	limits := make(chan engine.Limits, 1)
	r := newTestRegistry(t, stubVerifier{v: verification(), limits: limits}, nil)
	id := register(t, r)
	if err := r.Attach(context.Background(), id, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := <-limits; got.MaxSentData != 2000 || got.MaxRecvData != 4000 {
		t.Errorf("verifier limits = %+v", got)
	}
	if err := r.Attach(context.Background(), id, newIdleConn()); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second attach = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := r.CompleteReveal(ctx, id, startLineConfig(len(sentLine)))
	if err != nil {
		t.Fatalf("complete reveal: %v", err)
	}
	if len(results) != 1 || results[0].Value != sentLine || results[0].Part != reveal.PartStartLine || results[0].Type != reveal.Sent {
		t.Errorf("results = %+v", results)
	}
	if s, _ := r.Session(id); s.State != StateCompleted {
		t.Errorf("state = %s", s.State)
	}
	if _, err := r.CompleteReveal(ctx, id, startLineConfig(len(sentLine))); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second reveal = %v", err)
	}
	if st := r.Stats(); st.Completed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRevealOutsideAuthenticatedRanges(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{v: verification()}, nil)
	id := register(t, r)
	if err := r.Attach(context.Background(), id, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, err := r.CompleteReveal(context.Background(), id, startLineConfig(len(sentText)))
	if !errors.Is(err, apperr.ErrInvalidReveal) {
		t.Fatalf("expected invalid reveal, got %v", err)
	}
	if s, _ := r.Session(id); s.State != StateFailed || s.Error == "" {
		t.Errorf("session = %+v", s)
	}
}

func TestRevealBeforeAttachIsRejected(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{}, nil)
	id := register(t, r)
	_, err := r.CompleteReveal(context.Background(), id, reveal.Config{})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestVerifyTimeout(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{}, func(o *Options) { o.VerifyTimeout = 50 * time.Millisecond })
	id := register(t, r)
	if err := r.Attach(context.Background(), id, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.CompleteReveal(ctx, id, reveal.Config{})
	if !errors.Is(err, apperr.ErrVerifyTimeout) || !apperr.IsTimeout(err) {
		t.Fatalf("expected verify timeout, got %v", err)
	}
}

func TestRevealWaitTimeout(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{v: verification()}, func(o *Options) { o.RevealWait = 30 * time.Millisecond })
	id := register(t, r)
	if err := r.Attach(context.Background(), id, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := r.Session(id)
		if s.State == StateFailed {
			if !strings.Contains(s.Error, "reveal config") {
				t.Errorf("error = %q", s.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never failed, state %s", s.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := r.CompleteReveal(context.Background(), id, reveal.Config{}); !errors.Is(err, apperr.ErrRevealWait) {
		t.Errorf("late reveal = %v", err)
	}
}

func TestEvictExpired(t *testing.T) {
	r := newTestRegistry(t, stubVerifier{v: verification()}, nil)
	stale := register(t, r)
	if n := r.EvictExpired(time.Hour); n != 0 {
		t.Fatalf("evicted %d fresh sessions", n)
	}

	done := register(t, r)
	if err := r.Attach(context.Background(), done, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := r.CompleteReveal(context.Background(), done, startLineConfig(len(sentLine))); err != nil {
		t.Fatalf("complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if n := r.EvictExpired(time.Millisecond); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	for _, id := range []string{stale, done} {
		if _, err := r.Session(id); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Errorf("%s still present: %v", id, err)
		}
		if _, err := r.store.Load(context.Background(), id); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Errorf("%s still stored: %v", id, err)
		}
	}
	if st := r.Stats(); st.Evicted != 1 || st.Sessions != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCloseFailsOpenSessions(t *testing.T) {
	r := New(Options{Verifier: stubVerifier{}, Log: obs.Nop})
	id := register(t, r)
	if err := r.Attach(context.Background(), id, newIdleConn()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	res := make(chan error, 1)
	go func() {
		_, err := r.CompleteReveal(context.Background(), id, reveal.Config{})
		res <- err
	}()
	waitState(t, r, id, StateRevealing)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-res:
		if !errors.Is(err, apperr.ErrSessionFailed) {
			t.Errorf("pending reveal = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reveal still pending after close")
	}
	if _, err := r.Register(context.Background(), Metadata{MaxSentData: 1, MaxRecvData: 1}); err == nil {
		t.Error("register after close should fail")
	}
}

func waitState(t *testing.T, r *Registry, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := r.Session(id)
		if err == nil && s.State == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state %s never reached, last %s", want, s.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
