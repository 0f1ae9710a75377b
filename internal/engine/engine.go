// Package engine declares the capabilities the session layer needs from a
// notarization engine. The MPC-TLS implementation lives outside this repo;
// package plain provides a development engine with the same shape.
package engine

import (
	"context"

	"github.com/matst80/notary/internal/httpx"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/reveal"
)

// Limits bound how much a prover may send to and receive from the server.
type Limits struct {
	MaxSentData int `json:"maxSentData"`
	MaxRecvData int `json:"maxRecvData"`
}

// ProverConfig is fixed when a prover is created.
type ProverConfig struct {
	ServerName string `json:"serverName"`
	Limits
}

// Request is the HTTP request a prover sends to the target server.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Response is what the target server answered.
type Response struct {
	Status  int            `json:"status"`
	Headers []httpx.Header `json:"headers"`
	Body    []byte         `json:"body"`
}

// Prover is one engine-side proving session. Calls are made in order:
// Setup, SendRequest, Transcript, Reveal, then Free.
type Prover interface {
	// Setup connects the prover to the verifier over ch.
	Setup(ctx context.Context, verifier *iochannel.Channel) error
	// SendRequest runs the TLS exchange with the target server over proxy.
	SendRequest(ctx context.Context, proxy *iochannel.Channel, req Request) (*Response, error)
	Transcript() (reveal.Transcript, error)
	// Reveal discloses the plaintext ranges of cfg to the verifier.
	Reveal(ctx context.Context, cfg reveal.Config) error
	// Free releases engine resources. It is safe to call more than once.
	Free() error
}

// ProverFactory creates provers.
type ProverFactory interface {
	NewProver(cfg ProverConfig) (Prover, error)
}

// Verification is the verifier's view after the prover revealed. Redacted
// bytes of the transcript are zero; the authenticated ranges say which bytes
// were disclosed.
type Verification struct {
	ServerName string
	Transcript reveal.Transcript
	SentAuthed []reveal.Range
	RecvAuthed []reveal.Range
}

// Verifier runs the verifier role of one session over ch.
type Verifier interface {
	Verify(ctx context.Context, ch *iochannel.Channel, limits Limits) (*Verification, error)
}
