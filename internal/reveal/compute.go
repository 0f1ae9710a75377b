package reveal

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
)

// Compute resolves handlers against the transcript. It does no I/O and the
// result depends only on its inputs. A handler that cannot be resolved (an
// unparsable message, a missing header, a JSON path that is not in the body)
// contributes no ranges. Ranges are clamped to their buffer and each side is
// sorted by start offset.
func Compute(t Transcript, handlers []Handler) Config {
	sent := lazyParse(t.Sent)
	recv := lazyParse(t.Recv)

	var cfg Config
	for _, h := range handlers {
		if h.Check() != nil {
			continue
		}
		buf, msg, out := t.Sent, sent, &cfg.Sent
		if h.Type == Recv {
			buf, msg, out = t.Recv, recv, &cfg.Recv
		}
		for _, r := range Extract(h, buf, msg) {
			r = clamp(r, len(buf))
			if r.Empty() {
				continue
			}
			*out = append(*out, RangeWithHandler{Start: r.Start, End: r.End, Handler: h})
		}
	}
	sortRanges(cfg.Sent)
	sortRanges(cfg.Recv)
	return cfg
}

func lazyParse(buf []byte) func() *Message {
	var (
		m    *Message
		done bool
	)
	return func() *Message {
		if !done {
			m, _ = Parse(buf)
			done = true
		}
		return m
	}
}

// Extract resolves one handler against buf. msg returns the parsed message,
// or nil when buf is not HTTP.
func Extract(h Handler, buf []byte, msg func() *Message) []Range {
	p := h.Params
	if p == nil {
		p = &Params{}
	}
	if h.Part == PartAll {
		if p.Regex != "" {
			return regexRanges(buf, p.Regex, p.Flags)
		}
		return []Range{{0, len(buf)}}
	}
	m := msg()
	if m == nil {
		return nil
	}
	switch h.Part {
	case PartStartLine:
		return []Range{m.StartLine}
	case PartProtocol:
		return []Range{m.Protocol}
	case PartMethod:
		if m.Request {
			return []Range{m.Method}
		}
	case PartRequestTarget:
		if m.Request {
			return []Range{m.Target}
		}
	case PartStatusCode:
		if !m.Request {
			return []Range{m.Status}
		}
	case PartHeaders:
		return headerRanges(m, p)
	case PartBody:
		return bodyRanges(m, p)
	}
	return nil
}

func headerRanges(m *Message, p *Params) []Range {
	if p.HideKey && p.HideValue {
		return nil
	}
	hs := m.Headers
	if p.Key != "" {
		hs = m.HeadersNamed(p.Key)
	}
	out := make([]Range, 0, len(hs))
	for _, h := range hs {
		switch {
		case p.HideKey:
			out = append(out, h.ValueRange)
		case p.HideValue:
			out = append(out, h.KeyRange)
		default:
			out = append(out, h.Line)
		}
	}
	return out
}

func bodyRanges(m *Message, p *Params) []Range {
	if !m.HasBody {
		return nil
	}
	switch {
	case p.Type == "json" || (p.Type == "" && p.Path != ""):
		f, ok := m.JSONField(p.Path)
		if !ok {
			return nil
		}
		switch {
		case f.Element():
			return []Range{f.ValueRange}
		case p.HideKey && p.HideValue:
			return nil
		case p.HideKey:
			return []Range{f.ValueRange}
		case p.HideValue:
			return []Range{f.KeyRange}
		}
		return []Range{f.Span}
	case p.Type == "regex" || p.Regex != "":
		var out []Range
		for _, r := range regexRanges(m.body, p.Regex, p.Flags) {
			out = append(out, m.bodyRange(r.Start, r.End))
		}
		return out
	case p.Type == "":
		return []Range{m.Body}
	}
	return nil
}

// regexRanges returns the byte span of every non-empty match. Flags i, m and s
// map onto the RE2 flags of the same name; g is implied.
func regexRanges(buf []byte, expr, flags string) []Range {
	var fl strings.Builder
	for _, f := range flags {
		if strings.ContainsRune("ims", f) && !strings.ContainsRune(fl.String(), f) {
			fl.WriteRune(f)
		}
	}
	if fl.Len() > 0 {
		expr = "(?" + fl.String() + ")" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	var out []Range
	for _, loc := range re.FindAllIndex(buf, -1) {
		if loc[1] > loc[0] {
			out = append(out, Range{loc[0], loc[1]})
		}
	}
	return out
}

func clamp(r Range, n int) Range {
	r.Start = max(r.Start, 0)
	r.End = min(r.End, n)
	return r
}

func sortRanges(rs []RangeWithHandler) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Start != rs[j].Start {
			return rs[i].Start < rs[j].Start
		}
		return rs[i].End < rs[j].End
	})
}

// Merge sorts ranges and joins those that overlap or touch. Empty ranges are dropped.
func Merge(in []Range) []Range {
	rs := make([]Range, 0, len(in))
	for _, r := range in {
		if !r.Empty() {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:0]
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Except returns the whole of buf minus the first occurrence of each secret.
func Except(buf []byte, secrets ...[]byte) []Range {
	var hidden []Range
	for _, s := range secrets {
		if len(s) == 0 {
			continue
		}
		if i := bytes.Index(buf, s); i >= 0 {
			hidden = append(hidden, Range{i, i + len(s)})
		}
	}
	return Subtract([]Range{{0, len(buf)}}, hidden)
}

// Subtract removes every byte of sub from rs.
func Subtract(rs, sub []Range) []Range {
	sub = Merge(sub)
	var out []Range
	for _, r := range Merge(rs) {
		cur := r.Start
		for _, s := range sub {
			if s.End <= cur || s.Start >= r.End {
				continue
			}
			if s.Start > cur {
				out = append(out, Range{cur, s.Start})
			}
			cur = max(cur, s.End)
		}
		if cur < r.End {
			out = append(out, Range{cur, r.End})
		}
	}
	return out
}
