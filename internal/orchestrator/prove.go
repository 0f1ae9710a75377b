package orchestrator

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/proto"
	"github.com/matst80/notary/internal/reveal"
)

// ProveOptions describe one complete notarization.
type ProveOptions struct {
	VerifierURL string
	// ProxyURL defaults to the verifier's /proxy endpoint for the request host.
	ProxyURL        string
	Request         engine.Request
	Handlers        []reveal.Handler
	MaxSentData     int
	MaxRecvData     int
	SessionData     map[string]string
	ResponseTimeout time.Duration
}

// ProveResult is what a finished notarization produced.
type ProveResult struct {
	ProverID  string
	SessionID string
	Response  *engine.Response
	Config    reveal.Config
	Results   []reveal.Result
}

// ProxyURLFor returns the verifier's proxy endpoint for target.
func ProxyURLFor(verifierURL, target string) string {
	return strings.TrimRight(verifierURL, "/") + "/proxy?token=" + url.QueryEscape(target)
}

// Prove runs create, request, transcript, reveal and response for one session
// and always frees the prover.
func (o *Orchestrator) Prove(ctx context.Context, opts ProveOptions) (*ProveResult, error) {
	u, err := url.Parse(opts.Request.URL)
	if err != nil {
		return nil, err
	}
	proxyURL := opts.ProxyURL
	if proxyURL == "" {
		proxyURL = ProxyURLFor(opts.VerifierURL, u.Host)
	}

	id, err := o.CreateProver(ctx, CreateOptions{
		ServerName:  u.Hostname(),
		VerifierURL: opts.VerifierURL,
		MaxSentData: opts.MaxSentData,
		MaxRecvData: opts.MaxRecvData,
		SessionData: opts.SessionData,
	})
	if err != nil {
		return nil, err
	}
	defer o.FreeProver(context.WithoutCancel(ctx), id)

	res := &ProveResult{ProverID: id}
	res.SessionID, _ = o.SessionID(id)
	if res.Response, err = o.SendRequest(ctx, id, proxyURL, opts.Request); err != nil {
		return nil, err
	}
	t, err := o.Transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Config = o.ComputeReveal(t, opts.Handlers)
	if err := o.SendRevealConfig(ctx, id, res.Config); err != nil {
		return nil, err
	}
	if err := o.Reveal(ctx, id, res.Config); err != nil {
		return nil, err
	}
	var done *proto.SessionCompleted
	if done, err = o.Response(ctx, id, opts.ResponseTimeout); err != nil {
		return nil, err
	}
	res.Results = done.Results
	return res, nil
}
