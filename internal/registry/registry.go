// Package registry is the verifier side of the session layer. It matches a
// client that registered a session with the prover connection that later
// attaches to it, runs the engine verifier for the pair and turns the
// client's reveal config into results.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/reveal"
)

const (
	DefaultProverWait    = 30 * time.Second
	DefaultVerifyTimeout = 120 * time.Second
	DefaultRevealWait    = 30 * time.Second
)

type Options struct {
	Store    Store
	Verifier engine.Verifier
	Log      obs.Logger
	// MaxSentData and MaxRecvData cap what a client may register. Zero means no cap.
	MaxSentData   int
	MaxRecvData   int
	VerifyTimeout time.Duration
	RevealWait    time.Duration
	Channel       []iochannel.Option
}

// Stats represents current registry stats for dashboards and the API.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Pending   int    `json:"pending"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Evicted   int64  `json:"evicted"`
	Now       string `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Sessions":  s.Sessions,
		"Pending":   s.Pending,
		"Completed": s.Completed,
		"Failed":    s.Failed,
		"Evicted":   s.Evicted,
	}
}

type Registry struct {
	opts   Options
	store  Store
	log    obs.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*live
	closing   bool
	ready     bool
	completed int64
	failed    int64
	evicted   int64
}

func New(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Log == nil {
		opts.Log = obs.Default()
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.RevealWait <= 0 {
		opts.RevealWait = DefaultRevealWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		store:    opts.Store,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*live),
	}
}

func (r *Registry) SetReady(ready bool) { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Registry) SetClosing(c bool)   { r.mu.Lock(); r.closing = c; r.mu.Unlock() }
func (r *Registry) IsReady() bool       { r.mu.Lock(); defer r.mu.Unlock(); return r.ready && !r.closing }

func (r *Registry) get(id string) (*live, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.sessions[id]
	if !ok {
		return nil, apperr.ErrSessionNotFound.WithDetails("%s", id)
	}
	return l, nil
}

// gauges must be called with r.mu held.
func (r *Registry) gauges() {
	pending := 0
	for _, l := range r.sessions {
		if l.state() == StateRegistered {
			pending++
		}
	}
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	obs.PendingSessions.Set(float64(pending))
}

func (r *Registry) persist(l *live) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := l.snapshot()
	if err := r.store.Save(ctx, s); err != nil {
		r.log.Error("registry.store.save", obs.Fields{"err": err.Error(), "session": s.ID})
	}
}

// Register creates a session in the Registered state and returns its id.
func (r *Registry) Register(ctx context.Context, md Metadata) (string, error) {
	if md.MaxSentData <= 0 || md.MaxRecvData <= 0 {
		return "", apperr.ErrInvalidMessage.WithDetails("limits must be positive")
	}
	if (r.opts.MaxSentData > 0 && md.MaxSentData > r.opts.MaxSentData) ||
		(r.opts.MaxRecvData > 0 && md.MaxRecvData > r.opts.MaxRecvData) {
		return "", apperr.ErrLimitExceeded.WithDetails("requested %d/%d, server allows %d/%d",
			md.MaxSentData, md.MaxRecvData, r.opts.MaxSentData, r.opts.MaxRecvData)
	}
	now := time.Now()
	rec := Session{ID: newSessionID(), Metadata: md, State: StateRegistered, CreatedAt: now, UpdatedAt: now}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return "", apperr.ErrSessionFailed.WithDetails("server is shutting down")
	}
	l := newLive(r.ctx, rec)
	r.sessions[rec.ID] = l
	r.gauges()
	r.mu.Unlock()

	if err := r.store.Save(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.sessions, rec.ID)
		r.gauges()
		r.mu.Unlock()
		l.cancel()
		return "", err
	}
	obs.SessionRegisteredTotal.Inc()
	r.log.Info("session.registered", obs.Fields{"session": rec.ID, "max_sent": md.MaxSentData, "max_recv": md.MaxRecvData})
	return rec.ID, nil
}

// Session returns a snapshot of a live session, or the stored record of one
// this instance does not hold.
func (r *Registry) Session(id string) (Session, error) {
	l, err := r.get(id)
	if err == nil {
		return l.snapshot(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.store.Load(ctx, id)
}

// owner is implemented by stores shared between instances.
type owner interface {
	Owner(ctx context.Context, id string) (string, error)
}

// notHere explains a local miss. A session registered on another instance is
// still not attachable here, but the error names where it lives.
func (r *Registry) notHere(ctx context.Context, id string, err error) error {
	o, ok := r.store.(owner)
	if !ok {
		return err
	}
	inst, oerr := o.Owner(ctx, id)
	if oerr != nil || inst == "" {
		return err
	}
	r.log.Warn("session.foreign", obs.Fields{"session": id, "owner": inst})
	return apperr.ErrSessionNotFound.WithDetails("%s is owned by instance %s", id, inst)
}

// Attach hands the prover's connection to a registered session and starts
// the verifier task. The registry owns conn afterwards.
func (r *Registry) Attach(ctx context.Context, id string, conn iochannel.Conn) error {
	l, err := r.get(id)
	if err != nil {
		return r.notHere(ctx, id, err)
	}
	ch := iochannel.FromConn(conn, append([]iochannel.Option{iochannel.WithLogger(r.log)}, r.opts.Channel...)...)
	l.mu.Lock()
	if l.rec.State != StateRegistered {
		st := l.rec.State
		l.mu.Unlock()
		_ = ch.Close()
		return apperr.ErrInvalidState.WithDetails("session %s is %s", id, st)
	}
	l.ch = ch
	l.rec.State = StateConnected
	l.rec.UpdatedAt = time.Now()
	l.mu.Unlock()

	r.mu.Lock()
	r.gauges()
	r.mu.Unlock()
	r.persist(l)
	obs.SessionAttachedTotal.Inc()
	r.log.Info("session.attached", obs.Fields{"session": id})
	go r.verify(l)
	return nil
}

func (r *Registry) verify(l *live) {
	s := l.snapshot()
	if l.advance(StateProving) {
		r.persist(l)
	}
	vctx, cancel := context.WithTimeout(l.ctx, r.opts.VerifyTimeout)
	v, err := r.opts.Verifier.Verify(vctx, l.ch, engine.Limits{MaxSentData: s.MaxSentData, MaxRecvData: s.MaxRecvData})
	timedOut := errors.Is(vctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = apperr.ErrVerifyTimeout.WithDetails("after %s", r.opts.VerifyTimeout).Wrap(err)
		}
		r.fail(l, err)
		return
	}

	timer := time.NewTimer(r.opts.RevealWait)
	defer timer.Stop()
	var cfg reveal.Config
	select {
	case cfg = <-l.revealCh:
	case <-timer.C:
		r.fail(l, apperr.ErrRevealWait.WithDetails("after %s", r.opts.RevealWait))
		return
	case <-l.ctx.Done():
		r.fail(l, apperr.ErrSessionFailed.WithDetails("session closed"))
		return
	}
	if err := reveal.Validate(cfg, len(v.Transcript.Sent), len(v.Transcript.Recv), v.SentAuthed, v.RecvAuthed); err != nil {
		r.fail(l, apperr.ErrInvalidReveal.Wrap(err))
		return
	}
	results := reveal.Results(v.Transcript, cfg)
	completed := l.finish(results, nil, func() {
		r.mu.Lock()
		r.completed++
		r.gauges()
		r.mu.Unlock()
		r.persist(l)
	})
	if completed {
		obs.SessionCompletedTotal.Inc()
		obs.SessionDurationSeconds.Observe(time.Since(s.CreatedAt).Seconds())
		r.log.Info("session.completed", obs.Fields{"session": s.ID, "server": v.ServerName, "results": len(results)})
	}
}

func (r *Registry) fail(l *live, err error) {
	failed := l.finish(nil, err, func() {
		r.mu.Lock()
		r.failed++
		r.gauges()
		r.mu.Unlock()
		r.persist(l)
	})
	if !failed {
		return
	}
	obs.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
	r.log.Warn("session.failed", obs.Fields{"session": l.snapshot().ID, "err": err.Error()})
}

func errorType(err error) string {
	if c := apperr.Code(err); c != "" {
		return c
	}
	return "session"
}

// Fail ends a session that has not finished yet, for example when the
// client's control socket goes away.
func (r *Registry) Fail(id string, err error) {
	l, gerr := r.get(id)
	if gerr != nil {
		return
	}
	r.fail(l, apperr.ErrSessionFailed.Wrap(err))
}

// CompleteReveal passes the client's reveal config to the verifier task and
// waits for the results.
func (r *Registry) CompleteReveal(ctx context.Context, id string, cfg reveal.Config) ([]reveal.Result, error) {
	l, err := r.get(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	st := l.rec.State
	if st == StateFailed {
		l.mu.Unlock()
		<-l.done
		return nil, l.err
	}
	if st != StateConnected && st != StateProving {
		l.mu.Unlock()
		return nil, apperr.ErrInvalidState.WithDetails("session %s is %s", id, st)
	}
	l.rec.State = StateRevealing
	l.rec.UpdatedAt = time.Now()
	l.mu.Unlock()
	r.persist(l)
	l.revealCh <- cfg

	select {
	case <-l.done:
		return l.results, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EvictExpired fails Registered sessions older than maxAge and forgets
// finished ones. While closing every session is failed. It returns how many
// unfinished sessions were evicted.
func (r *Registry) EvictExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var expired, finished []*live
	r.mu.Lock()
	closing := r.closing
	for id, l := range r.sessions {
		s := l.snapshot()
		switch {
		case s.State.Finished():
			finished = append(finished, l)
			delete(r.sessions, id)
		case closing || (s.State == StateRegistered && s.CreatedAt.Before(cutoff)):
			expired = append(expired, l)
			delete(r.sessions, id)
		}
	}
	r.evicted += int64(len(expired))
	r.gauges()
	r.mu.Unlock()

	for _, l := range expired {
		var err error
		if closing {
			err = apperr.ErrSessionFailed.WithDetails("server is shutting down")
		} else {
			err = apperr.ErrProverWait.WithDetails("after %s", maxAge)
		}
		if l.finish(nil, err, nil) {
			obs.SessionEvictedTotal.Inc()
			r.log.Warn("session.evicted", obs.Fields{"session": l.snapshot().ID, "err": err.Error()})
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, l := range append(expired, finished...) {
		if err := r.store.Delete(ctx, l.snapshot().ID); err != nil {
			r.log.Error("registry.store.delete", obs.Fields{"err": err.Error()})
		}
	}
	return len(expired)
}

// RunCleanupLoop evicts on every tick until ctx ends, then sweeps once more.
func (r *Registry) RunCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.EvictExpired(maxAge)
			return
		case <-t.C:
			r.EvictExpired(maxAge)
		}
	}
}

// Close fails every open session and closes the store.
func (r *Registry) Close() error {
	r.SetClosing(true)
	r.EvictExpired(0)
	r.cancel()
	return r.store.Close()
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Sessions: len(r.sessions), Completed: r.completed, Failed: r.failed, Evicted: r.evicted, Now: time.Now().UTC().Format(time.RFC3339)}
	for _, l := range r.sessions {
		if l.state() == StateRegistered {
			st.Pending++
		}
	}
	return st
}

// List returns the stored sessions owned by this instance.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	return r.store.List(ctx)
}
