package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/matst80/notary/internal/apperr"
)

// Header represents a single HTTP header field (case preserved as written on the wire).
type Header struct {
	Name  string
	Value string
}

// Request is an HTTP/1.1 request kept in wire order, so the bytes the prover
// sends are exactly the bytes that end up in the transcript.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	Body    []byte
}

// NewRequest builds a request for rawURL. Host, Connection and Content-Length
// are filled in unless headers already carry them. Accept-Encoding defaults to
// identity so the response body stays readable for selective disclosure.
func NewRequest(method, rawURL string, headers map[string]string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	if method == "" {
		method = http.MethodGet
	}
	if !validToken(method) {
		return nil, apperr.ErrInvalidMessage.WithDetails("bad method %q", method)
	}
	for k, v := range headers {
		if !validToken(k) || strings.ContainsAny(v, "\r\n\x00") {
			return nil, apperr.ErrInvalidMessage.WithDetails("bad header %q", k)
		}
	}
	r := &Request{Method: strings.ToUpper(method), URI: u.RequestURI(), Proto: "HTTP/1.1", Body: body}
	r.Set("Host", u.Host)
	for _, k := range sortedKeys(headers) {
		r.Set(k, headers[k])
	}
	if r.Get("Connection") == "" {
		r.Set("Connection", "close")
	}
	if r.Get("Accept-Encoding") == "" {
		r.Set("Accept-Encoding", "identity")
	}
	if len(body) > 0 && r.Get("Content-Length") == "" {
		r.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return r, nil
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *Request) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (p *Request) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Bytes renders the request as it goes on the wire.
func (p *Request) Bytes() []byte {
	var b bytes.Buffer
	_, _ = p.WriteTo(&b)
	return b.Bytes()
}

// WriteTo streams the start line, headers and body to w.
func (p *Request) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto))); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(p.Body) > 0 {
		if err := write(p.Body); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Response is a fully read HTTP response.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// ReadResponse reads one response for method from r, including its body.
// Chunked bodies are decoded.
func ReadResponse(r *bufio.Reader, method string, maxBody int64) (*Response, error) {
	resp, err := http.ReadResponse(r, &http.Request{Method: method})
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBody)
	}
	out := &Response{Status: resp.StatusCode, Body: body}
	for _, k := range sortedKeys(resp.Header) {
		for _, v := range resp.Header[k] {
			out.Headers = append(out.Headers, Header{Name: k, Value: v})
		}
	}
	return out, nil
}

// ClientIP extracts the IP portion of the request's remote address. When
// trustForwarded is set the first X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}

// validToken reports whether s is an RFC 9110 token, the form of methods and
// header names.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
