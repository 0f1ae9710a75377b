package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/matst80/notary/internal/config"
	"github.com/matst80/notary/internal/engine"
	"github.com/matst80/notary/internal/engine/plain"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/orchestrator"
	"github.com/matst80/notary/internal/reveal"
	"github.com/matst80/notary/internal/shutdown"
	"github.com/matst80/notary/internal/worker"
)

// output is what the command prints on success.
type output struct {
	SessionID string          `json:"sessionId"`
	Status    int             `json:"status"`
	Results   []reveal.Result `json:"results"`
	Config    reveal.Config   `json:"revealConfig"`
}

func overrides(c *cli.Context) map[string]any {
	m := map[string]any{}
	if c.IsSet("notary") {
		m["notary"] = c.String("notary")
	}
	if c.IsSet("max-sent") {
		m["max_sent_data"] = c.Int("max-sent")
	}
	if c.IsSet("max-recv") {
		m["max_recv_data"] = c.Int("max-recv")
	}
	if c.IsSet("timeout") {
		m["response_timeout"] = c.Duration("timeout")
	}
	if c.Bool("insecure") {
		m["insecure_skip_verify"] = true
	}
	if c.IsSet("log-level") {
		m["log.level"] = c.String("log-level")
	}
	return m
}

func loadConfig(c *cli.Context) (config.Prover, error) {
	cfg := config.DefaultProver()
	l := config.NewLoader(
		config.WithEnvPrefix(envPrefix),
		config.WithConfigFile(c.String("config")),
		config.WithOverrides(overrides(c)),
	)
	if err := l.Load(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func prove(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one target URL is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Output = os.Stderr
	log := obs.Setup(cfg.Log)

	req, err := buildRequest(c.Args().First(), c.String("method"), c.StringSlice("header"), c.String("data"))
	if err != nil {
		return err
	}
	handlers, err := loadHandlers(c.StringSlice("reveal"), c.String("handlers"))
	if err != nil {
		return err
	}
	sessionData, err := parsePairs(c.StringSlice("session-data"))
	if err != nil {
		return err
	}

	factory := &plain.Factory{}
	if cfg.InsecureSkipVerify {
		factory.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	}
	port := worker.NewPort(worker.NewEngine(factory, log).Handle, cfg.Workers)
	o := orchestrator.New(port, orchestrator.Options{Log: log, ResponseTimeout: cfg.ResponseTimeout})

	ctx, stop := shutdown.SignalContext(c.Context)
	defer stop()
	down := shutdown.NewHandler(cfg.ResponseTimeout, log)
	down.OnShutdown("port", func(context.Context) error { port.Close(); return nil })
	down.OnShutdown("orchestrator", func(ctx context.Context) error { o.Close(ctx); return nil })
	defer down.Run()

	res, err := o.Prove(ctx, orchestrator.ProveOptions{
		VerifierURL:     cfg.Notary,
		ProxyURL:        c.String("proxy"),
		Request:         req,
		Handlers:        handlers,
		MaxSentData:     cfg.MaxSentData,
		MaxRecvData:     cfg.MaxRecvData,
		SessionData:     sessionData,
		ResponseTimeout: cfg.ResponseTimeout,
	})
	if err != nil {
		return err
	}
	log.Info("prover.done", obs.Fields{"session": res.SessionID, "results": len(res.Results)})

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		SessionID: res.SessionID,
		Status:    res.Response.Status,
		Results:   res.Results,
		Config:    res.Config,
	})
}

func buildRequest(url, method string, headers []string, body string) (engine.Request, error) {
	if !strings.HasPrefix(url, "https://") {
		return engine.Request{}, fmt.Errorf("target url must be https, got %q", url)
	}
	req := engine.Request{URL: url, Method: strings.ToUpper(method), Body: body}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return req, fmt.Errorf("bad header %q, want 'Name: value'", h)
		}
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return req, nil
}

func parsePairs(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, p := range in {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad session data %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func loadHandlers(rules []string, path string) ([]reveal.Handler, error) {
	var out []reveal.Handler
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, r := range rules {
		h, err := parseRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	for _, h := range out {
		if err := h.Check(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// parseRule reads DIR:PART[:KIND:ARG]. KIND is json, regex, key, hide-key or
// hide-value. A "!" before DIR commits the range instead of revealing it.
func parseRule(s string) (reveal.Handler, error) {
	h := reveal.Handler{Action: reveal.ActionReveal}
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		h.Action = reveal.ActionPedersen
		s = rest
	}
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 2 && len(parts) != 4 {
		return h, fmt.Errorf("bad reveal rule %q, want DIR:PART[:KIND:ARG]", s)
	}
	h.Type = reveal.Direction(strings.ToUpper(parts[0]))
	h.Part = reveal.Part(strings.ToUpper(parts[1]))
	if len(parts) == 2 {
		return h, nil
	}
	p := &reveal.Params{}
	switch kind, arg := strings.ToLower(parts[2]), parts[3]; kind {
	case "json":
		p.Type, p.Path = "json", arg
	case "regex":
		p.Type, p.Regex = "regex", arg
	case "key":
		p.Key = arg
	case "hide-key":
		p.Key, p.HideKey = arg, true
	case "hide-value":
		p.Key, p.HideValue = arg, true
	default:
		return h, fmt.Errorf("bad reveal rule %q: unknown kind %q", s, kind)
	}
	h.Params = p
	return h, nil
}
