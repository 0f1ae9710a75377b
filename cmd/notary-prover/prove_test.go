package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/matst80/notary/internal/reveal"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		in   string
		want reveal.Handler
	}{
		{"recv:start_line", reveal.Handler{Type: reveal.Recv, Part: reveal.PartStartLine, Action: reveal.ActionReveal}},
		{"RECV:BODY:json:data.items[0]", reveal.Handler{Type: reveal.Recv, Part: reveal.PartBody, Action: reveal.ActionReveal,
			Params: &reveal.Params{Type: "json", Path: "data.items[0]"}}},
		{"SENT:HEADERS:hide-value:authorization", reveal.Handler{Type: reveal.Sent, Part: reveal.PartHeaders, Action: reveal.ActionReveal,
			Params: &reveal.Params{Key: "authorization", HideValue: true}}},
		{"RECV:ALL:regex:id=([0-9]+):x", reveal.Handler{Type: reveal.Recv, Part: reveal.PartAll, Action: reveal.ActionReveal,
			Params: &reveal.Params{Type: "regex", Regex: "id=([0-9]+):x"}}},
		{"!RECV:BODY", reveal.Handler{Type: reveal.Recv, Part: reveal.PartBody, Action: reveal.ActionPedersen}},
	}
	for _, tt := range tests {
		got, err := parseRule(tt.in)
		if err != nil {
			t.Errorf("%s: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"RECV", "RECV:BODY:json", "RECV:BODY:xpath:a"} {
		if _, err := parseRule(bad); err == nil {
			t.Errorf("%s: expected an error", bad)
		}
	}
}

func TestLoadHandlersChecksRules(t *testing.T) {
	if _, err := loadHandlers([]string{"RECV:NOPE"}, ""); err == nil || !strings.Contains(err.Error(), "part") {
		t.Fatalf("expected unknown part, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "handlers.json")
	if err := os.WriteFile(path, []byte(`[{"type":"RECV","part":"STATUS_CODE","action":"REVEAL"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	hs, err := loadHandlers([]string{"SENT:METHOD"}, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(hs) != 2 || hs[0].Part != reveal.PartStatusCode || hs[1].Part != reveal.PartMethod {
		t.Fatalf("handlers = %+v", hs)
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("https://api.example.com/v1", "post", []string{"Content-Type: application/json", "X-Trace:1"}, `{}`)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Method != "POST" || req.Headers["Content-Type"] != "application/json" || req.Headers["X-Trace"] != "1" || req.Body != "{}" {
		t.Errorf("request = %+v", req)
	}
	if _, err := buildRequest("http://plain.example.com", "GET", nil, ""); err == nil {
		t.Error("plain http must be refused")
	}
	if _, err := buildRequest("https://example.com", "GET", []string{"novalue"}, ""); err == nil {
		t.Error("malformed header must be refused")
	}
}

func TestParsePairs(t *testing.T) {
	m, err := parsePairs([]string{"user=u1", "ref=a=b"})
	if err != nil || m["user"] != "u1" || m["ref"] != "a=b" {
		t.Fatalf("pairs = %v, %v", m, err)
	}
	if _, err := parsePairs([]string{"=x"}); err == nil {
		t.Error("empty key must be refused")
	}
}

func TestRequiresTargetURL(t *testing.T) {
	if err := app().Run([]string{"notary-prover"}); err == nil {
		t.Fatal("expected a usage error")
	}
}
