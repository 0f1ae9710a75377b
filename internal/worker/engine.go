package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/reveal"
)

// CreatePayload is the payload of OpCreate.
type CreatePayload struct {
	Config engine.ProverConfig
}

// SetupPayload is the payload of OpSetup. The worker dials VerifierURL itself.
type SetupPayload struct {
	VerifierURL string
}

// SendRequestPayload is the payload of OpSendRequest.
type SendRequestPayload struct {
	ProxyURL string
	Request  engine.Request
}

// RevealPayload is the payload of OpReveal.
type RevealPayload struct {
	Config reveal.Config
}

type slot struct {
	prover   engine.Prover
	verifier *iochannel.Channel
}

// Engine owns engine provers and the channels they run on. Its Handle method
// is the Handler of the port that serves the orchestrator.
type Engine struct {
	factory engine.ProverFactory
	opts    []iochannel.Option
	log     obs.Logger

	mu      sync.Mutex
	provers map[string]*slot
}

func NewEngine(f engine.ProverFactory, log obs.Logger, opts ...iochannel.Option) *Engine {
	if log == nil {
		log = obs.Default()
	}
	return &Engine{factory: f, opts: opts, log: log, provers: make(map[string]*slot)}
}

func (e *Engine) get(id string) (*slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.provers[id]
	if !ok {
		return nil, apperr.ErrProverNotFound.WithDetails("%s", id)
	}
	return s, nil
}

// Active reports how many provers are alive.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.provers)
}

func (e *Engine) Handle(ctx context.Context, req Request) (any, error) {
	if req.Op == OpCreate {
		return nil, e.create(req)
	}
	s, err := e.get(req.ProverID)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case OpSetup:
		p, ok := req.Payload.(SetupPayload)
		if !ok {
			return nil, badPayload(req)
		}
		ch, err := iochannel.Dial(ctx, p.VerifierURL, e.opts...)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		s.verifier = ch
		e.mu.Unlock()
		return nil, s.prover.Setup(ctx, ch)
	case OpSendRequest:
		p, ok := req.Payload.(SendRequestPayload)
		if !ok {
			return nil, badPayload(req)
		}
		ch, err := iochannel.Dial(ctx, p.ProxyURL, e.opts...)
		if err != nil {
			return nil, err
		}
		defer ch.Close()
		return s.prover.SendRequest(ctx, ch, p.Request)
	case OpTranscript:
		return s.prover.Transcript()
	case OpReveal:
		p, ok := req.Payload.(RevealPayload)
		if !ok {
			return nil, badPayload(req)
		}
		return nil, s.prover.Reveal(ctx, p.Config)
	case OpFree:
		e.mu.Lock()
		delete(e.provers, req.ProverID)
		v := s.verifier
		e.mu.Unlock()
		if v != nil {
			_ = v.Close()
		}
		if err := s.prover.Free(); err != nil {
			return nil, apperr.ErrEngineRelease.Wrap(err)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown op %q", req.Op)
}

func (e *Engine) create(req Request) error {
	p, ok := req.Payload.(CreatePayload)
	if !ok {
		return badPayload(req)
	}
	pr, err := e.factory.NewProver(p.Config)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.provers[req.ProverID]; dup {
		_ = pr.Free()
		return apperr.ErrInvalidState.WithDetails("prover %s already exists", req.ProverID)
	}
	e.provers[req.ProverID] = &slot{prover: pr}
	e.log.Debug("worker.prover.created", obs.Fields{"prover": req.ProverID, "server": p.Config.ServerName})
	return nil
}

func badPayload(req Request) error {
	return apperr.ErrInvalidMessage.WithDetails("op %s: unexpected payload %T", req.Op, req.Payload)
}
