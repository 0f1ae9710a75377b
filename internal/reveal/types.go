// Package reveal turns declarative disclosure rules into byte ranges over an
// HTTP transcript, and checks and reads those ranges on the verifier side.
package reveal

import "fmt"

// Direction selects the sent or received half of a transcript.
type Direction string

const (
	Sent Direction = "SENT"
	Recv Direction = "RECV"
)

// Part names a structural piece of an HTTP message.
type Part string

const (
	PartStartLine     Part = "START_LINE"
	PartProtocol      Part = "PROTOCOL"
	PartMethod        Part = "METHOD"
	PartRequestTarget Part = "REQUEST_TARGET"
	PartStatusCode    Part = "STATUS_CODE"
	PartHeaders       Part = "HEADERS"
	PartBody          Part = "BODY"
	PartAll           Part = "ALL"
)

// Action says what the engine does with a range.
type Action string

const (
	ActionReveal   Action = "REVEAL"
	ActionPedersen Action = "PEDERSEN"
)

// Params narrows a handler. Which fields apply depends on the part.
type Params struct {
	Key       string `json:"key,omitempty"`
	HideKey   bool   `json:"hideKey,omitempty"`
	HideValue bool   `json:"hideValue,omitempty"`
	Type      string `json:"type,omitempty"` // "json" or "regex"
	Path      string `json:"path,omitempty"`
	Regex     string `json:"regex,omitempty"`
	Flags     string `json:"flags,omitempty"`
}

// Handler is one disclosure rule.
type Handler struct {
	Type   Direction `json:"type"`
	Part   Part      `json:"part"`
	Action Action    `json:"action"`
	Params *Params   `json:"params,omitempty"`
}

func (h Handler) String() string {
	s := fmt.Sprintf("%s/%s", h.Type, h.Part)
	if p := h.Params; p != nil {
		switch {
		case p.Key != "":
			s += ":" + p.Key
		case p.Path != "":
			s += ":" + p.Path
		case p.Regex != "":
			s += ":/" + p.Regex + "/"
		}
	}
	return s
}

// Check reports whether the handler is well formed.
func (h Handler) Check() error {
	if h.Type != Sent && h.Type != Recv {
		return fmt.Errorf("unknown handler type %q", h.Type)
	}
	switch h.Part {
	case PartStartLine, PartProtocol, PartMethod, PartRequestTarget, PartStatusCode,
		PartHeaders, PartBody, PartAll:
	default:
		return fmt.Errorf("unknown handler part %q", h.Part)
	}
	switch h.Action {
	case ActionReveal, ActionPedersen:
	default:
		return fmt.Errorf("unknown handler action %q", h.Action)
	}
	return nil
}

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// RangeWithHandler keeps the rule that produced a range.
type RangeWithHandler struct {
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Handler Handler `json:"handler"`
}

func (r RangeWithHandler) Range() Range { return Range{Start: r.Start, End: r.End} }

// Config is what the prover discloses. Bytes outside every range stay redacted.
type Config struct {
	Sent []RangeWithHandler `json:"sent"`
	Recv []RangeWithHandler `json:"recv"`
}

// SentRanges is the merged set of sent bytes to reveal in plaintext.
func (c Config) SentRanges() []Range { return revealed(c.Sent) }

// RecvRanges is the merged set of received bytes to reveal in plaintext.
func (c Config) RecvRanges() []Range { return revealed(c.Recv) }

func revealed(in []RangeWithHandler) []Range {
	out := make([]Range, 0, len(in))
	for _, r := range in {
		if r.Handler.Action == ActionPedersen {
			continue
		}
		out = append(out, r.Range())
	}
	return Merge(out)
}

// Transcript is the plaintext exchanged with the target server.
type Transcript struct {
	Sent []byte
	Recv []byte
}

// Result is one disclosed value as the verifier reports it.
type Result struct {
	Type  Direction `json:"type"`
	Part  Part      `json:"part"`
	Value string    `json:"value"`
}
