// Package shutdown runs ordered teardown hooks when the process is told to stop.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/notary/internal/obs"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Handler collects hooks and runs them in reverse order of registration.
type Handler struct {
	timeout time.Duration
	log     obs.Logger

	mu    sync.Mutex
	hooks []hook
	done  chan struct{}
	once  sync.Once
}

func NewHandler(timeout time.Duration, log obs.Logger) *Handler {
	if log == nil {
		log = obs.Default()
	}
	return &Handler{timeout: timeout, log: log, done: make(chan struct{})}
}

// OnShutdown registers fn under name.
func (h *Handler) OnShutdown(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Wait blocks until ctx is done, then runs every hook within the timeout.
func (h *Handler) Wait(ctx context.Context) error {
	<-ctx.Done()
	return h.Run()
}

// Run executes the hooks once. Later calls return nil.
func (h *Handler) Run() error {
	var err error
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		h.mu.Lock()
		hooks := make([]hook, len(h.hooks))
		copy(hooks, h.hooks)
		h.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			if e := hooks[i].fn(ctx); e != nil {
				h.log.Warn("shutdown.hook_failed", obs.Fields{"hook": hooks[i].name, "err": e.Error()})
				errs = append(errs, e)
				continue
			}
			h.log.Debug("shutdown.hook", obs.Fields{"hook": hooks[i].name})
		}
		err = errors.Join(errs...)
		close(h.done)
	})
	return err
}

// Done is closed once every hook has run.
func (h *Handler) Done() <-chan struct{} { return h.done }
