package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/obs"
)

// RedisStore keeps session records in Redis under "session:<id>" with a TTL,
// plus "instance:<id>" naming the server instance that owns the live handles.
type RedisStore struct {
	client     *redis.Client
	instanceID string

	mu    sync.Mutex
	owned map[string]struct{}

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

func NewRedisStore(ctx context.Context, cfg StoreConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{
		client:            rdb,
		instanceID:        "notary-" + newSessionID()[len(SessionIDPrefix):],
		owned:             make(map[string]struct{}),
		heartbeatInterval: ttl / 3,
		keyTTL:            ttl,
	}, nil
}

var _ Store = (*RedisStore)(nil)

func sessionKey(id string) string  { return "session:" + id }
func instanceKey(id string) string { return "instance:" + id }

// InstanceID names this server instance in the instance keys.
func (r *RedisStore) InstanceID() string { return r.instanceID }

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), data, r.keyTTL)
	pipe.Set(ctx, instanceKey(s.ID), r.instanceID, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", s.ID, err)
	}
	r.mu.Lock()
	r.owned[s.ID] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	val, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, apperr.ErrSessionNotFound.WithDetails("%s", id)
		}
		return Session{}, fmt.Errorf("redis load %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return s, nil
}

// Owner returns the instance id that owns a session.
func (r *RedisStore) Owner(ctx context.Context, id string) (string, error) {
	v, err := r.client.Get(ctx, instanceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperr.ErrSessionNotFound.WithDetails("%s", id)
	}
	return v, err
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.Del(ctx, instanceKey(id))
	_, err := pipe.Exec(ctx)
	r.mu.Lock()
	delete(r.owned, id)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) ownedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	return ids
}

func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids := r.ownedIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]Session, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired in Redis
			r.mu.Lock()
			delete(r.owned, ids[i])
			r.mu.Unlock()
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "id": ids[i]})
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StartMaintenance extends the TTL of owned keys until ctx ends.
func (r *RedisStore) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *RedisStore) heartbeat(ctx context.Context) {
	for _, id := range r.ownedIDs() {
		ok, err := r.client.Expire(ctx, sessionKey(id), r.keyTTL).Result()
		if err != nil {
			obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "id": id})
			continue
		}
		if !ok {
			r.mu.Lock()
			delete(r.owned, id)
			r.mu.Unlock()
			continue
		}
		if err := r.client.Expire(ctx, instanceKey(id), r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_instance", obs.Fields{"err": err.Error(), "id": id})
		}
	}
}

func (r *RedisStore) Close() error { return r.client.Close() }
