package httpx

import (
	"bufio"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matst80/notary/internal/apperr"
)

func TestNewRequestWireForm(t *testing.T) {
	r, err := NewRequest("get", "https://api.example.com/v1/me?x=1", map[string]string{
		"Authorization": "Bearer t",
		"Accept":        "application/json",
	}, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	want := "GET /v1/me?x=1 HTTP/1.1\r\n" +
		"Host: api.example.com\r\n" +
		"Accept: application/json\r\n" +
		"Authorization: Bearer t\r\n" +
		"Connection: close\r\n" +
		"Accept-Encoding: identity\r\n" +
		"\r\n"
	if got := string(r.Bytes()); got != want {
		t.Errorf("wire form:\n%q\nwant\n%q", got, want)
	}
}

func TestNewRequestBody(t *testing.T) {
	r, err := NewRequest("POST", "http://h:8080/p", map[string]string{"connection": "keep-alive"}, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if r.Get("content-length") != "7" {
		t.Errorf("content-length = %q", r.Get("content-length"))
	}
	if r.Get("Connection") != "keep-alive" {
		t.Error("caller's Connection header should be kept")
	}
	if !strings.HasSuffix(string(r.Bytes()), "\r\n\r\n{\"a\":1}") {
		t.Errorf("body not appended: %q", r.Bytes())
	}
}

func TestNewRequestRejects(t *testing.T) {
	for _, u := range []string{"ftp://x/y", "https://", "://bad"} {
		if _, err := NewRequest("GET", u, nil, nil); err == nil {
			t.Errorf("NewRequest(%q) should fail", u)
		}
	}
}

func TestHeaderSet(t *testing.T) {
	r := &Request{}
	r.Set("X-A", "1")
	r.Set("x-a", "2")
	r.Set("X-B", "3")
	if len(r.Headers) != 2 || r.Get("X-A") != "2" || r.Headers[0].Name != "X-A" {
		t.Errorf("headers = %+v", r.Headers)
	}
}

func TestNewRequestRejectsInjection(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		headers map[string]string
	}{
		{"crlf in value", "GET", map[string]string{"X-A": "1\r\nHost: evil.example"}},
		{"lf in value", "GET", map[string]string{"X-A": "1\nX-B: 2"}},
		{"crlf in name", "GET", map[string]string{"X-A\r\nX-B": "1"}},
		{"colon in name", "GET", map[string]string{"X-A: 1\r\n": "2"}},
		{"space in name", "GET", map[string]string{"X A": "1"}},
		{"empty name", "GET", map[string]string{"": "1"}},
		{"method", "GET / HTTP/1.1\r\nX:", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.method, "https://example.com/", tt.headers, nil)
			if !errors.Is(err, apperr.ErrInvalidMessage) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestReadResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Type: text/plain\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hello world" {
		t.Errorf("got %d %q", resp.Status, resp.Body)
	}
}

func TestReadResponseLimit(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789"
	if _, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", 5); err == nil {
		t.Error("expected body limit error")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Errorf("untrusted = %q", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted = %q", got)
	}
}
