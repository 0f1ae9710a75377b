package plain

import (
	"context"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/reveal"
)

// Verifier is the plain engine's verifier.
type Verifier struct{}

// Verify accepts the prover's hello if it stays within limits, then waits for
// the disclosed ranges.
func (Verifier) Verify(ctx context.Context, ch *iochannel.Channel, limits engine.Limits) (*engine.Verification, error) {
	hello, err := recv(ctx, ch, frameHello)
	if err != nil {
		return nil, err
	}
	if hello.Limits == nil || hello.Limits.MaxSentData > limits.MaxSentData || hello.Limits.MaxRecvData > limits.MaxRecvData {
		err := apperr.ErrLimitExceeded.WithDetails("prover limits %+v exceed session limits %+v", hello.Limits, limits)
		_ = send(ctx, ch, frame{Type: frameAck, Error: err.Error()})
		return nil, err
	}
	if err := send(ctx, ch, frame{Type: frameAck}); err != nil {
		return nil, err
	}

	d, err := recv(ctx, ch, frameReveal)
	if err != nil {
		return nil, err
	}
	v, err := assemble(d, limits)
	if err != nil {
		_ = send(ctx, ch, frame{Type: frameAck, Error: err.Error()})
		return nil, err
	}
	v.ServerName = hello.ServerName
	if err := send(ctx, ch, frame{Type: frameAck}); err != nil {
		return nil, err
	}
	return v, nil
}

func assemble(d frame, limits engine.Limits) (*engine.Verification, error) {
	if d.SentLen < 0 || d.SentLen > limits.MaxSentData {
		return nil, apperr.ErrLimitExceeded.WithDetails("sent %d bytes, limit %d", d.SentLen, limits.MaxSentData)
	}
	if d.RecvLen < 0 || d.RecvLen > limits.MaxRecvData {
		return nil, apperr.ErrLimitExceeded.WithDetails("received %d bytes, limit %d", d.RecvLen, limits.MaxRecvData)
	}
	v := &engine.Verification{Transcript: reveal.Transcript{
		Sent: make([]byte, d.SentLen),
		Recv: make([]byte, d.RecvLen),
	}}
	var err error
	if v.SentAuthed, err = fill(v.Transcript.Sent, d.Sent); err != nil {
		return nil, err
	}
	if v.RecvAuthed, err = fill(v.Transcript.Recv, d.Recv); err != nil {
		return nil, err
	}
	return v, nil
}

func fill(dst []byte, parts []slice) ([]reveal.Range, error) {
	rs := make([]reveal.Range, 0, len(parts))
	for _, s := range parts {
		r := reveal.Range{Start: s.Start, End: s.Start + len(s.Data)}
		if r.Start < 0 || r.End > len(dst) {
			return nil, apperr.ErrInvalidReveal.WithDetails("range %s outside %d bytes", r, len(dst))
		}
		copy(dst[r.Start:], s.Data)
		rs = append(rs, r)
	}
	return reveal.Merge(rs), nil
}
