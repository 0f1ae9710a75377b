// Package plain is a development engine. The prover runs an ordinary TLS
// client through the proxy channel and records the plaintext; at reveal time
// it sends the disclosed byte ranges to the verifier as JSON frames. Nothing
// here is cryptographically binding. It lets the session layer run end to end
// without the MPC engine.
package plain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/iochannel"
)

const (
	frameHello  = "hello"
	frameAck    = "ack"
	frameReveal = "reveal"
)

// slice is a disclosed run of transcript bytes starting at Start.
type slice struct {
	Start int    `json:"start"`
	Data  []byte `json:"data"`
}

// frame is the single message shape on the verifier channel. One frame is
// one channel message.
type frame struct {
	Type       string         `json:"type"`
	ServerName string         `json:"serverName,omitempty"`
	Limits     *engine.Limits `json:"limits,omitempty"`
	SentLen    int            `json:"sentLen,omitempty"`
	RecvLen    int            `json:"recvLen,omitempty"`
	Sent       []slice        `json:"sent,omitempty"`
	Recv       []slice        `json:"recv,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func send(ctx context.Context, ch *iochannel.Channel, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ch.Write(ctx, b)
}

func recv(ctx context.Context, ch *iochannel.Channel, want string) (frame, error) {
	var f frame
	b, err := ch.Read(ctx)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, apperr.ErrInvalidMessage.WithDetails("engine frame").Wrap(err)
	}
	if f.Type != want {
		return f, apperr.ErrInvalidMessage.WithDetails("expected %s frame, got %q", want, f.Type)
	}
	return f, nil
}

// awaitAck waits for the peer's acknowledgement and turns a reported failure
// into an error.
func awaitAck(ctx context.Context, ch *iochannel.Channel) error {
	f, err := recv(ctx, ch, frameAck)
	if err != nil {
		return err
	}
	if f.Error != "" {
		return fmt.Errorf("verifier rejected: %s", f.Error)
	}
	return nil
}
