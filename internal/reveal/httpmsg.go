package reveal

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var crlf = []byte("\r\n")

// Header is one header line. Key is lowercased.
type Header struct {
	Key        string
	Value      string
	Line       Range
	KeyRange   Range
	ValueRange Range
}

// Field is a JSON value located in the raw message bytes.
type Field struct {
	Raw        string
	Span       Range // key through value for object members, value only for array elements
	KeyRange   Range // empty for array elements
	ValueRange Range
}

// Element reports whether the field is an array element rather than an object member.
func (f Field) Element() bool { return f.KeyRange.Empty() }

// segment maps a run of decoded body bytes back to the raw message.
type segment struct {
	raw, dec, n int
}

// Message is an HTTP/1.x request or response with byte ranges into the
// buffer it was parsed from.
type Message struct {
	data    []byte
	Request bool

	StartLine Range
	Method    Range // requests only
	Target    Range // requests only
	Protocol  Range
	Status    Range // responses only
	Reason    Range // responses only

	Headers []Header

	HasBody bool
	Body    Range // raw body including any chunk framing
	body    []byte
	segs    []segment
}

// Parse reads the start line, headers and body of an HTTP/1.x message.
func Parse(data []byte) (*Message, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		return nil, errors.New("no CRLF after start line")
	}
	m := &Message{data: data, StartLine: Range{0, end}}
	line := string(data[:end])
	m.Request = !strings.HasPrefix(line, "HTTP/")
	parts := strings.Split(line, " ")
	if m.Request {
		if len(parts) < 3 {
			return nil, fmt.Errorf("bad request line %q", line)
		}
		method := len(parts[0])
		proto := len(parts[len(parts)-1])
		m.Method = Range{0, method}
		m.Target = Range{method + 1, end - proto - 1}
		m.Protocol = Range{end - proto, end}
	} else {
		if len(parts) < 2 {
			return nil, fmt.Errorf("bad status line %q", line)
		}
		proto := len(parts[0])
		m.Protocol = Range{0, proto}
		m.Status = Range{proto + 1, proto + 1 + len(parts[1])}
		m.Reason = Range{m.Status.End, end}
		if len(parts) > 2 {
			m.Reason.Start++
		}
	}

	off, err := m.parseHeaders(end + 2)
	if err != nil {
		return nil, err
	}
	if off < len(data) {
		m.parseBody(off)
	}
	return m, nil
}

func (m *Message) parseHeaders(off int) (int, error) {
	d := m.data
	for off < len(d) {
		if bytes.HasPrefix(d[off:], crlf) {
			return off + 2, nil
		}
		n := bytes.Index(d[off:], crlf)
		if n == -1 {
			return 0, fmt.Errorf("header at %d has no CRLF", off)
		}
		line := d[off : off+n]
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return 0, fmt.Errorf("bad header line %q", line)
		}
		raw := line[colon+1:]
		lead := len(raw) - len(bytes.TrimLeft(raw, " \t"))
		val := bytes.TrimSpace(raw)
		vs := off + colon + 1 + lead
		m.Headers = append(m.Headers, Header{
			Key:        strings.ToLower(string(line[:colon])),
			Value:      string(val),
			Line:       Range{off, off + n},
			KeyRange:   Range{off, off + colon},
			ValueRange: Range{vs, vs + len(val)},
		})
		off += n + 2
	}
	return off, nil
}

func (m *Message) parseBody(off int) {
	m.HasBody = true
	m.Body = Range{off, len(m.data)}
	if !strings.EqualFold(m.Header("transfer-encoding"), "chunked") {
		m.body = m.data[off:]
		m.segs = []segment{{raw: off, dec: 0, n: len(m.body)}}
		return
	}
	d := m.data
	for off < len(d) {
		n := bytes.Index(d[off:], crlf)
		if n == -1 {
			break
		}
		sizeField, _, _ := strings.Cut(string(d[off:off+n]), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			break
		}
		off += n + 2
		if size == 0 {
			off = min(off+2, len(d))
			break
		}
		take := min(int(size), len(d)-off)
		m.segs = append(m.segs, segment{raw: off, dec: len(m.body), n: take})
		m.body = append(m.body, d[off:off+take]...)
		off = min(off+take+2, len(d))
	}
	m.Body.End = off
}

// Header returns the first value for key, or "".
func (m *Message) Header(key string) string {
	key = strings.ToLower(key)
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// HeadersNamed returns every header line with the given key.
func (m *Message) HeadersNamed(key string) []Header {
	key = strings.ToLower(key)
	var out []Header
	for _, h := range m.Headers {
		if h.Key == key {
			out = append(out, h)
		}
	}
	return out
}

// raw maps a decoded body offset to a message offset. end selects the
// segment that ends at off rather than the one starting there.
func (m *Message) raw(off int, end bool) int {
	for _, s := range m.segs {
		if off > s.dec && off < s.dec+s.n || !end && off == s.dec || end && off == s.dec+s.n {
			return s.raw + off - s.dec
		}
	}
	if len(m.segs) > 0 {
		last := m.segs[len(m.segs)-1]
		return last.raw + last.n
	}
	return m.Body.Start
}

func (m *Message) bodyRange(start, end int) Range {
	return Range{m.raw(start, false), m.raw(end, true)}
}

// JSONField locates the value at path in a JSON body. Paths use "a.b" and
// "items[0]" notation.
func (m *Message) JSONField(path string) (Field, bool) {
	if !m.HasBody || path == "" || !gjson.ValidBytes(m.body) {
		return Field{}, false
	}
	res := gjson.GetBytes(m.body, gjsonPath(path))
	if !res.Exists() || res.Raw == "" {
		return Field{}, false
	}
	vs := res.Index
	ve := vs + len(res.Raw)
	if ve > len(m.body) || string(m.body[vs:ve]) != res.Raw {
		return Field{}, false
	}
	f := Field{Raw: res.Raw, ValueRange: m.bodyRange(vs, ve)}
	f.Span = f.ValueRange
	if ks, ke, ok := memberKey(m.body, vs); ok {
		f.KeyRange = m.bodyRange(ks, ke)
		f.Span = Range{f.KeyRange.Start, f.ValueRange.End}
	}
	return f, true
}

// memberKey scans back from a value to the quoted key of its object member.
func memberKey(b []byte, vs int) (int, int, bool) {
	i := skipSpaceBack(b, vs-1)
	if i < 0 || b[i] != ':' {
		return 0, 0, false
	}
	i = skipSpaceBack(b, i-1)
	if i < 0 || b[i] != '"' {
		return 0, 0, false
	}
	ke := i + 1
	for i--; i >= 0; i-- {
		if b[i] == '"' && !escaped(b, i) {
			return i, ke, true
		}
	}
	return 0, 0, false
}

func skipSpaceBack(b []byte, i int) int {
	for i >= 0 && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i--
	}
	return i
}

func escaped(b []byte, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && b[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// gjsonPath rewrites "items[0].name" as "items.0.name" and escapes gjson
// syntax characters inside keys.
func gjsonPath(p string) string {
	var sb strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case '[':
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
		case ']':
		case '*', '?', '#', '@', '|', '\\', '!', '=', '<', '>', '%':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
