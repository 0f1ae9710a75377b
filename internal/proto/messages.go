// Package proto holds the JSON control messages exchanged on the /session socket.
package proto

import (
	"encoding/json"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/reveal"
)

// Type is the discriminator carried in every message.
type Type string

const (
	TypeRegister          Type = "register"
	TypeSessionRegistered Type = "session_registered"
	TypeRevealConfig      Type = "reveal_config"
	TypeSessionCompleted  Type = "session_completed"
	TypeError             Type = "error"
)

// Message is one of the control messages below.
type Message interface {
	Kind() Type
}

// Register is sent by the prover as the first message of a session.
type Register struct {
	MaxSentData int               `json:"maxSentData"`
	MaxRecvData int               `json:"maxRecvData"`
	SessionData map[string]string `json:"sessionData,omitempty"`
}

// SessionRegistered carries the id the prover presents on /verifier.
type SessionRegistered struct {
	SessionID string `json:"sessionId"`
}

// RevealConfig is what the prover discloses.
type RevealConfig struct {
	Sent []reveal.RangeWithHandler `json:"sent"`
	Recv []reveal.RangeWithHandler `json:"recv"`
}

// SessionCompleted carries the verified values.
type SessionCompleted struct {
	Results []reveal.Result `json:"results"`
}

// Error reports a failed session.
type Error struct {
	Message string `json:"message"`
}

func (Register) Kind() Type          { return TypeRegister }
func (SessionRegistered) Kind() Type { return TypeSessionRegistered }
func (RevealConfig) Kind() Type      { return TypeRevealConfig }
func (SessionCompleted) Kind() Type  { return TypeSessionCompleted }
func (Error) Kind() Type             { return TypeError }

// Config converts to the reveal package's form.
func (m RevealConfig) Config() reveal.Config {
	return reveal.Config{Sent: m.Sent, Recv: m.Recv}
}

// NewRevealConfig wraps a computed config for the wire.
func NewRevealConfig(c reveal.Config) RevealConfig {
	return RevealConfig{Sent: c.Sent, Recv: c.Recv}
}

// Encode marshals m with its type field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(m.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses a message and validates the fields its type requires.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, apperr.ErrInvalidMessage.Wrap(err)
	}
	var (
		m   Message
		err error
	)
	switch head.Type {
	case TypeRegister:
		var v Register
		if err = json.Unmarshal(data, &v); err == nil {
			if v.MaxSentData <= 0 || v.MaxRecvData <= 0 {
				return nil, apperr.ErrInvalidMessage.WithDetails("register: maxSentData and maxRecvData must be positive")
			}
		}
		m = v
	case TypeSessionRegistered:
		var v SessionRegistered
		if err = json.Unmarshal(data, &v); err == nil && v.SessionID == "" {
			return nil, apperr.ErrInvalidMessage.WithDetails("session_registered: missing sessionId")
		}
		m = v
	case TypeRevealConfig:
		var v RevealConfig
		err = json.Unmarshal(data, &v)
		m = v
	case TypeSessionCompleted:
		var v SessionCompleted
		err = json.Unmarshal(data, &v)
		m = v
	case TypeError:
		var v Error
		err = json.Unmarshal(data, &v)
		m = v
	default:
		return nil, apperr.ErrInvalidMessage.WithDetails("unknown type %q", head.Type)
	}
	if err != nil {
		return nil, apperr.ErrInvalidMessage.WithDetails("%s", head.Type).Wrap(err)
	}
	return m, nil
}
