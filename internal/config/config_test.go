package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matst80/notary/internal/obs"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notary.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsSurviveEmptySources(t *testing.T) {
	cfg := DefaultServer()
	if err := NewLoader(WithEnvPrefix("NOTARY_TEST_EMPTY_")).Load(&cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != DefaultServer() {
		t.Errorf("defaults changed: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, `
listen: ":9000"
log:
  level: debug
session:
  max_sent_data: 2000
  max_recv_data: 4000
  prover_wait: 45s
redis:
  addr: "redis:6379"
`)
	t.Setenv("NOTARY_SESSION__MAX_RECV_DATA", "8000")
	t.Setenv("NOTARY_RATELIMIT__PER_CLIENT_CONN", "3")

	cfg := DefaultServer()
	err := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"listen": ":9100"}),
	).Load(&cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"override beats file", cfg.Listen, ":9100"},
		{"file value", cfg.Session.MaxSentData, 2000},
		{"env beats file", cfg.Session.MaxRecvData, 8000},
		{"env only", cfg.RateLimit.PerClientConn, 3},
		{"duration from file", cfg.Session.ProverWait, 45 * time.Second},
		{"default kept", cfg.Session.VerifyTimeout, 120 * time.Second},
		{"nested string", cfg.Redis.Addr, "redis:6379"},
		{"log level", cfg.Log.Level, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v want %v", tt.got, tt.want)
			}
		})
	}
}

func TestMissingFileFails(t *testing.T) {
	cfg := DefaultServer()
	if err := NewLoader(WithConfigFile("/nonexistent/notary.yaml")).Load(&cfg); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestProverValidate(t *testing.T) {
	cfg := DefaultProver()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg.Notary = "http://localhost:7047"
	if err := cfg.Validate(); err == nil {
		t.Error("http notary url should be rejected")
	}
	cfg = DefaultProver()
	cfg.MaxRecvData = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero limit should be rejected")
	}
}

func TestWatcherReloadsLogLevel(t *testing.T) {
	path := writeFile(t, "log:\n  level: info\n")
	w, err := NewWatcher(obs.Nop)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Stop()
	if err := w.Watch(path); err != nil {
		t.Fatalf("watch: %v", err)
	}
	changed := make(chan string, 4)
	ReloadLogLevel(w, path, "NOTARY_TEST_WATCH_")
	w.OnChange(func(p string) { changed <- p })
	go w.Start()
	defer obs.SetLevel("info")

	if err := os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}
}
