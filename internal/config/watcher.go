package config

import (
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/matst80/notary/internal/obs"
)

// Watcher calls back when a watched config file is written.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     obs.Logger

	mu        sync.RWMutex
	files     map[string]struct{}
	callbacks []func(string)
	stopOnce  sync.Once
	done      chan struct{}
}

func NewWatcher(log obs.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = obs.Default()
	}
	return &Watcher{watcher: w, log: log, files: map[string]struct{}{}, done: make(chan struct{})}, nil
}

// Watch adds path. The directory is watched so editors that replace the
// file on save are still seen.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	w.mu.Lock()
	w.files[abs] = struct{}{}
	w.mu.Unlock()
	w.log.Debug("config.watch", obs.Fields{"file": abs})
	return nil
}

func (w *Watcher) OnChange(cb func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start delivers events until Stop is called.
func (w *Watcher) Start() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			abs, _ := filepath.Abs(ev.Name)
			w.mu.RLock()
			_, watched := w.files[abs]
			cbs := slices.Clone(w.callbacks)
			w.mu.RUnlock()
			if !watched {
				continue
			}
			w.log.Info("config.changed", obs.Fields{"file": abs, "op": ev.Op.String()})
			for _, cb := range cbs {
				cb(abs)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config.watch_error", obs.Fields{"err": err.Error()})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// ReloadLogLevel re-reads path on change and applies its log level.
func ReloadLogLevel(w *Watcher, path string, prefix string) {
	w.OnChange(func(string) {
		cfg := struct {
			Log obs.Config `koanf:"log"`
		}{Log: obs.Config{Level: "info"}}
		if err := NewLoader(WithConfigFile(path), WithEnvPrefix(prefix)).Load(&cfg); err != nil {
			w.log.Warn("config.reload_failed", obs.Fields{"err": err.Error()})
			return
		}
		obs.SetLevel(cfg.Log.Level)
		w.log.Info("config.log_level", obs.Fields{"level": cfg.Log.Level})
	})
}
