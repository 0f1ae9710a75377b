package registry

import (
	"context"
	"time"

	"github.com/matst80/notary/internal/obs"
)

// Store persists session records so that several server instances can
// report the sessions they own. Live connections never leave the instance.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	// List returns the sessions owned by this instance.
	List(ctx context.Context) ([]Session, error)
	Close() error
}

// StoreConfig selects the store backend. An empty RedisAddr means in-memory.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyTTL        time.Duration
}

// OpenStore creates either an in-memory or Redis-backed store.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return NewRedisStore(ctx, cfg)
}
