// Package apperr defines the coded errors shared by the session layer.
//
// Every error carries a Kind so callers can tell a transport failure from a
// protocol rejection, a resource cleanup problem or a timeout.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindProtocol
	KindResource
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a coded error. Two errors match with errors.Is when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details string
	Cause   error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy with details appended to the message.
func (e *Error) WithDetails(format string, args ...any) *Error {
	c := *e
	c.Details = fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// KindOf reports the kind of the first coded error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// Code returns the code of the first coded error in err's chain.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var (
	ErrConnectionFailed  = New(KindTransport, "NT-CHAN-5020", "WebSocket connection failed")
	ErrReadQueueExceeded = New(KindTransport, "NT-CHAN-5070", "Read queue exceeded")
	ErrChannelClosed     = New(KindTransport, "NT-CHAN-5030", "IoChannel is closed")
	ErrReadPending       = New(KindProtocol, "NT-CHAN-4090", "a read is already pending")
	ErrRevealSendFailed  = New(KindTransport, "NT-PROV-5030", "Reveal config send failed")
	ErrProxyDial         = New(KindTransport, "NT-PRXY-5020", "proxy target unreachable")

	ErrSessionNotFound = New(KindProtocol, "NT-SESS-4040", "Session not found")
	ErrProverNotFound  = New(KindProtocol, "NT-PROV-4040", "Session not found for prover")
	ErrInvalidMessage  = New(KindProtocol, "NT-PROT-4000", "invalid message")
	ErrInvalidReveal   = New(KindProtocol, "NT-SESS-4220", "invalid reveal config")
	ErrInvalidState    = New(KindProtocol, "NT-SESS-4091", "invalid session state")
	ErrLimitExceeded   = New(KindProtocol, "NT-SESS-4130", "data limit exceeded")
	ErrInvalidTarget   = New(KindProtocol, "NT-PRXY-4000", "invalid proxy target")
	ErrRateLimited     = New(KindProtocol, "NT-RATE-4290", "rate limited")
	ErrSessionFailed   = New(KindProtocol, "NT-SESS-5000", "session failed")

	ErrEngineRelease = New(KindResource, "NT-PROV-5100", "engine release failed")

	ErrResponseTimeout = New(KindTimeout, "NT-PROV-5040", "Verification response timed out")
	ErrProverWait      = New(KindTimeout, "NT-SESS-5041", "Prover connection timed out")
	ErrVerifyTimeout   = New(KindTimeout, "NT-SESS-5042", "Verification timed out")
	ErrRevealWait      = New(KindTimeout, "NT-SESS-5043", "Timed out waiting for reveal config")
)
