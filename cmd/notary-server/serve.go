package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matst80/notary/internal/config"
	"github.com/matst80/notary/internal/engine/plain"
	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/proxy"
	"github.com/matst80/notary/internal/ratelimit"
	"github.com/matst80/notary/internal/registry"
	"github.com/matst80/notary/internal/shutdown"
)

// limiterIdle is how long a client's limiter may sit unused before it is dropped.
const limiterIdle = 10 * time.Minute

// overrides maps the flags that were set onto config keys.
func overrides(c *cli.Context) map[string]any {
	m := map[string]any{}
	if c.IsSet("listen") {
		m["listen"] = c.String("listen")
	}
	if c.IsSet("log-level") {
		m["log.level"] = c.String("log-level")
	}
	if c.Bool("debug") {
		m["log.level"] = "debug"
	}
	if c.IsSet("redis-addr") {
		m["redis.addr"] = c.String("redis-addr")
	}
	if c.Bool("no-proxy") {
		m["proxy.enabled"] = false
	}
	return m
}

func loadConfig(c *cli.Context) (config.Server, error) {
	cfg := config.DefaultServer()
	l := config.NewLoader(config.WithConfigFile(c.String("config")), config.WithOverrides(overrides(c)))
	if err := l.Load(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := obs.Setup(cfg.Log)
	log.Info("server.start", obs.Fields{"version": version, "commit": commit, "listen": cfg.Listen, "config": c.String("config")})

	ctx, stop := shutdown.SignalContext(c.Context)
	defer stop()
	down := shutdown.NewHandler(cfg.ShutdownTimeout, log)
	defer down.Run()

	if path := c.String("config"); path != "" {
		w, err := config.NewWatcher(log)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		if err := w.Watch(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		config.ReloadLogLevel(w, path, config.DefaultEnvPrefix)
		down.OnShutdown("config-watcher", func(context.Context) error { return w.Stop() })
		go w.Start()
	}

	store, err := registry.OpenStore(ctx, registry.StoreConfig{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		KeyTTL:        cfg.Redis.KeyTTL,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if rs, ok := store.(*registry.RedisStore); ok {
		log.Info("server.instance", obs.Fields{"id": rs.InstanceID()})
		go rs.StartMaintenance(ctx)
	}

	reg := registry.New(registry.Options{
		Store:         store,
		Verifier:      plain.Verifier{},
		Log:           log,
		MaxSentData:   cfg.Session.MaxSentData,
		MaxRecvData:   cfg.Session.MaxRecvData,
		VerifyTimeout: cfg.Session.VerifyTimeout,
		RevealWait:    cfg.Session.RevealWait,
		Channel:       []iochannel.Option{iochannel.WithMaxReadQueue(cfg.Session.MaxReadQueue), iochannel.WithLogger(log)},
	})
	down.OnShutdown("registry", func(context.Context) error { return reg.Close() })

	rl := cfg.RateLimit
	limiter := ratelimit.NewRateLimiter(rl.GlobalConn, rl.PerClientConn, rl.GlobalReq, rl.PerClientReq, rl.Burst)
	opts := registry.HandlerOptions{Limiter: limiter, TrustForwarded: rl.TrustForwarded}
	if cfg.Proxy.Enabled {
		ph := proxy.NewHandler(cfg.Proxy.DialTimeout, limiter)
		ph.Log = log
		ph.TrustForwarded = rl.TrustForwarded
		opts.Proxy = ph
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           registry.Routes(reg, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	down.OnShutdown("http", func(ctx context.Context) error {
		reg.SetReady(false)
		return srv.Shutdown(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	go reg.RunCleanupLoop(ctx, cfg.Session.CleanupInterval, cfg.Session.ProverWait)
	go sweepLimiter(ctx, limiter, cfg.Session.CleanupInterval)

	reg.SetReady(true)
	log.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "proxy": cfg.Proxy.Enabled})

	select {
	case <-ctx.Done():
		log.Info("server.shutdown.signal", obs.Fields{})
	case err := <-errCh:
		if err != nil {
			log.Error("server.serve", obs.Fields{"err": err.Error()})
			return err
		}
	}
	if err := down.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	log.Info("server.shutdown.complete", obs.Fields{"sessions": reg.Stats().Sessions})
	return nil
}

func sweepLimiter(ctx context.Context, rl *ratelimit.RateLimiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.Cleanup(limiterIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

func check(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ok: listen=%s store=%s proxy=%t\n", cfg.Listen, storeName(cfg.Redis), cfg.Proxy.Enabled)
	return nil
}

func storeName(r config.Redis) string {
	if r.Addr == "" {
		return "memory"
	}
	return "redis"
}
