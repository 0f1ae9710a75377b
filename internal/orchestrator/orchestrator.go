// Package orchestrator drives notarization sessions from the prover side.
//
// Each session is keyed by a prover id. The orchestrator holds the control
// socket to the verifier's /session endpoint and the response state; the
// engine itself runs behind a worker.Port and is reached only by messages.
package orchestrator

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/proto"
	"github.com/matst80/notary/internal/reveal"
	"github.com/matst80/notary/internal/worker"
)

const (
	DefaultMaxSentData     = 4096
	DefaultMaxRecvData     = 16384
	DefaultResponseTimeout = 60 * time.Second
)

// State is the prover-side session state. Transitions only move forward.
type State string

const (
	StateCreated          State = "created"
	StateConnected        State = "connected"
	StateAwaitingResponse State = "awaiting_response"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// DialFunc opens a channel to url.
type DialFunc func(ctx context.Context, url string) (*iochannel.Channel, error)

type Options struct {
	Log             obs.Logger
	ResponseTimeout time.Duration
	// Dial opens the control socket. Defaults to iochannel.Dial.
	Dial DialFunc
}

// CreateOptions describe a new session.
type CreateOptions struct {
	ServerName  string
	VerifierURL string // ws(s)://host[:port] of the notary server
	MaxSentData int
	MaxRecvData int
	SessionData map[string]string
}

type outcome struct {
	resp *proto.SessionCompleted
	err  error
}

type session struct {
	proverID    string
	sessionID   string
	verifierURL string
	control     *iochannel.Channel

	mu    sync.Mutex
	state State

	once     sync.Once
	done     chan struct{}
	response outcome
}

func (s *session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted || s.state == StateFailed {
		return
	}
	s.state = st
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) finish(o outcome) {
	s.once.Do(func() {
		s.response = o
		close(s.done)
	})
}

// Orchestrator is safe for concurrent use by many sessions.
type Orchestrator struct {
	port            *worker.Port
	log             obs.Logger
	dial            DialFunc
	responseTimeout time.Duration

	initOnce       sync.Once
	removeListener func()

	nextID  atomic.Uint64
	pmu     sync.Mutex
	pending map[uint64]chan worker.Reply

	mu       sync.Mutex
	sessions map[string]*session
}

func New(port *worker.Port, opts Options) *Orchestrator {
	o := &Orchestrator{
		port:            port,
		log:             opts.Log,
		dial:            opts.Dial,
		responseTimeout: opts.ResponseTimeout,
		pending:         make(map[uint64]chan worker.Reply),
		sessions:        make(map[string]*session),
	}
	if o.log == nil {
		o.log = obs.Default()
	}
	if o.dial == nil {
		o.dial = func(ctx context.Context, u string) (*iochannel.Channel, error) {
			return iochannel.Dial(ctx, u, iochannel.WithLogger(o.log))
		}
	}
	if o.responseTimeout <= 0 {
		o.responseTimeout = DefaultResponseTimeout
	}
	return o
}

// Init binds the orchestrator to its worker port. Repeated calls do nothing.
func (o *Orchestrator) Init() {
	o.initOnce.Do(func() {
		o.removeListener = o.port.AddListener(o.onReply)
		o.port.Start()
	})
}

func (o *Orchestrator) onReply(r worker.Reply) {
	o.pmu.Lock()
	ch := o.pending[r.ID]
	o.pmu.Unlock()
	if ch != nil {
		ch <- r
	}
}

// call posts one engine operation and waits for its reply.
func (o *Orchestrator) call(ctx context.Context, proverID string, op worker.Op, payload any) (any, error) {
	o.Init()
	id := o.nextID.Add(1)
	ch := make(chan worker.Reply, 1)
	o.pmu.Lock()
	o.pending[id] = ch
	o.pmu.Unlock()
	defer func() {
		o.pmu.Lock()
		delete(o.pending, id)
		o.pmu.Unlock()
	}()

	req := worker.Request{ID: id, ProverID: proverID, Op: op, Payload: payload}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl
	}
	if err := o.port.Post(ctx, req); err != nil {
		obs.ProverCallsTotal.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}
	select {
	case r := <-ch:
		outcome := "ok"
		if r.Err != nil {
			outcome = "error"
		}
		obs.ProverCallsTotal.WithLabelValues(string(op), outcome).Inc()
		return r.Value, r.Err
	case <-ctx.Done():
		obs.ProverCallsTotal.WithLabelValues(string(op), "canceled").Inc()
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) lookup(proverID string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[proverID]
	if !ok {
		return nil, apperr.ErrProverNotFound.WithDetails("%s", proverID)
	}
	return s, nil
}

// CreateProver registers a session with the verifier and creates the engine
// prover for it.
func (o *Orchestrator) CreateProver(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.MaxSentData <= 0 {
		opts.MaxSentData = DefaultMaxSentData
	}
	if opts.MaxRecvData <= 0 {
		opts.MaxRecvData = DefaultMaxRecvData
	}
	base := strings.TrimRight(opts.VerifierURL, "/")
	control, err := o.dial(ctx, base+"/session")
	if err != nil {
		return "", err
	}
	sessionID, err := register(ctx, control, opts)
	if err != nil {
		_ = control.Close()
		return "", err
	}

	s := &session{
		proverID:    uuid.NewString(),
		sessionID:   sessionID,
		verifierURL: base,
		control:     control,
		state:       StateCreated,
		done:        make(chan struct{}),
	}
	o.mu.Lock()
	o.sessions[s.proverID] = s
	o.mu.Unlock()

	cfg := engine.ProverConfig{
		ServerName: opts.ServerName,
		Limits:     engine.Limits{MaxSentData: opts.MaxSentData, MaxRecvData: opts.MaxRecvData},
	}
	if _, err := o.call(ctx, s.proverID, worker.OpCreate, worker.CreatePayload{Config: cfg}); err != nil {
		o.drop(s)
		return "", err
	}
	go o.readControl(s)
	o.log.Info("orchestrator.session.created", obs.Fields{"prover": s.proverID, "session": sessionID})
	return s.proverID, nil
}

func register(ctx context.Context, control *iochannel.Channel, opts CreateOptions) (string, error) {
	b, err := proto.Encode(proto.Register{
		MaxSentData: opts.MaxSentData,
		MaxRecvData: opts.MaxRecvData,
		SessionData: opts.SessionData,
	})
	if err != nil {
		return "", err
	}
	if err := control.Write(ctx, b); err != nil {
		return "", err
	}
	data, err := control.Read(ctx)
	if err != nil {
		return "", err
	}
	msg, err := proto.Decode(data)
	if err != nil {
		return "", err
	}
	switch m := msg.(type) {
	case proto.SessionRegistered:
		return m.SessionID, nil
	case proto.Error:
		return "", apperr.ErrSessionFailed.WithDetails("%s", m.Message)
	default:
		return "", apperr.ErrInvalidMessage.WithDetails("expected session_registered, got %s", msg.Kind())
	}
}

// readControl waits for the verifier's final message on the control socket.
func (o *Orchestrator) readControl(s *session) {
	for {
		data, err := s.control.Read(context.Background())
		if err != nil {
			s.finish(outcome{err: apperr.ErrSessionFailed.WithDetails("control socket closed").Wrap(err)})
			return
		}
		msg, err := proto.Decode(data)
		if err != nil {
			o.log.Warn("orchestrator.control.decode", obs.Fields{"prover": s.proverID, "err": err})
			continue
		}
		switch m := msg.(type) {
		case proto.SessionCompleted:
			s.finish(outcome{resp: &m})
			return
		case proto.Error:
			s.finish(outcome{err: apperr.ErrSessionFailed.WithDetails("%s", m.Message)})
			return
		default:
			o.log.Warn("orchestrator.control.unexpected", obs.Fields{"prover": s.proverID, "type": msg.Kind()})
		}
	}
}

// SendRequest connects the engine to the verifier and runs the request
// through the proxy at proxyURL.
func (o *Orchestrator) SendRequest(ctx context.Context, proverID, proxyURL string, req engine.Request) (*engine.Response, error) {
	s, err := o.lookup(proverID)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != StateCreated {
		return nil, apperr.ErrInvalidState.WithDetails("prover %s is %s", proverID, st)
	}
	verifierURL := s.verifierURL + "/verifier?sessionId=" + url.QueryEscape(s.sessionID)
	if _, err := o.call(ctx, proverID, worker.OpSetup, worker.SetupPayload{VerifierURL: verifierURL}); err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	v, err := o.call(ctx, proverID, worker.OpSendRequest, worker.SendRequestPayload{ProxyURL: proxyURL, Request: req})
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.setState(StateConnected)
	resp, _ := v.(*engine.Response)
	return resp, nil
}

// Transcript returns the plaintext the engine exchanged with the server.
func (o *Orchestrator) Transcript(ctx context.Context, proverID string) (reveal.Transcript, error) {
	if _, err := o.lookup(proverID); err != nil {
		return reveal.Transcript{}, err
	}
	v, err := o.call(ctx, proverID, worker.OpTranscript, nil)
	if err != nil {
		return reveal.Transcript{}, err
	}
	t, _ := v.(reveal.Transcript)
	return t, nil
}

// ComputeReveal resolves handlers against t. It does no I/O.
func (o *Orchestrator) ComputeReveal(t reveal.Transcript, handlers []reveal.Handler) reveal.Config {
	return reveal.Compute(t, handlers)
}

// SendRevealConfig tells the verifier which ranges will be disclosed.
func (o *Orchestrator) SendRevealConfig(ctx context.Context, proverID string, cfg reveal.Config) error {
	s, err := o.lookup(proverID)
	if err != nil {
		return err
	}
	b, err := proto.Encode(proto.NewRevealConfig(cfg))
	if err != nil {
		return apperr.ErrInvalidReveal.Wrap(err)
	}
	if err := s.control.Write(ctx, b); err != nil {
		s.setState(StateFailed)
		return apperr.ErrRevealSendFailed.WithDetails("prover %s: verifier connection was closed", proverID).Wrap(err)
	}
	s.setState(StateAwaitingResponse)
	return nil
}

// Reveal runs the engine's disclosure step for cfg.
func (o *Orchestrator) Reveal(ctx context.Context, proverID string, cfg reveal.Config) error {
	if _, err := o.lookup(proverID); err != nil {
		return err
	}
	_, err := o.call(ctx, proverID, worker.OpReveal, worker.RevealPayload{Config: cfg})
	return err
}

// Response waits for the verifier's session_completed message. It fails with
// a timeout error after timeout (the configured default when zero) and leaves
// the session in place for the caller to free.
func (o *Orchestrator) Response(ctx context.Context, proverID string, timeout time.Duration) (*proto.SessionCompleted, error) {
	s, err := o.lookup(proverID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = o.responseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		if s.response.err != nil {
			s.setState(StateFailed)
			return nil, s.response.err
		}
		s.setState(StateCompleted)
		return s.response.resp, nil
	case <-timer.C:
		return nil, apperr.ErrResponseTimeout.WithDetails("after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseSession closes the control socket. Closing an already closed socket
// does nothing.
func (o *Orchestrator) CloseSession(proverID string) {
	s, err := o.lookup(proverID)
	if err != nil {
		return
	}
	_ = s.control.Close()
}

// FreeProver closes the session, waits for the engine to release the prover
// and drops the record. A release failure is logged and otherwise ignored.
func (o *Orchestrator) FreeProver(ctx context.Context, proverID string) {
	s, err := o.lookup(proverID)
	if err != nil {
		return
	}
	defer o.drop(s)
	_ = s.control.Close()
	if _, err := o.call(ctx, proverID, worker.OpFree, nil); err != nil {
		o.log.Warn("orchestrator.free_failed", obs.Fields{"prover": proverID, "err": err})
	}
}

func (o *Orchestrator) drop(s *session) {
	_ = s.control.Close()
	o.mu.Lock()
	delete(o.sessions, s.proverID)
	o.mu.Unlock()
}

// SessionID returns the verifier-issued id of a prover's session.
func (o *Orchestrator) SessionID(proverID string) (string, error) {
	s, err := o.lookup(proverID)
	if err != nil {
		return "", err
	}
	return s.sessionID, nil
}

// State reports a prover's session state.
func (o *Orchestrator) State(proverID string) (State, error) {
	s, err := o.lookup(proverID)
	if err != nil {
		return "", err
	}
	return s.State(), nil
}

// Sessions reports how many sessions are open.
func (o *Orchestrator) Sessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Close frees every open session and detaches from the port.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.FreeProver(ctx, id)
	}
	if o.removeListener != nil {
		o.removeListener()
	}
}
