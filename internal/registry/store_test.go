package registry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/matst80/notary/internal/apperr"
)

// exerciseStore runs the behavior every backend shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a := Session{ID: newSessionID(), Metadata: Metadata{MaxSentData: 10, MaxRecvData: 20}, State: StateRegistered, CreatedAt: now}
	b := Session{ID: newSessionID(), Metadata: Metadata{MaxSentData: 1, MaxRecvData: 2, SessionData: map[string]string{"k": "v"}}, State: StateConnected, CreatedAt: now.Add(time.Second)}

	for _, sess := range []Session{b, a} {
		if err := s.Save(ctx, sess); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.Load(ctx, b.ID)
	if err != nil || got.State != StateConnected || got.SessionData["k"] != "v" || !got.CreatedAt.Equal(b.CreatedAt) {
		t.Fatalf("load = %+v, %v", got, err)
	}
	list, err := s.List(ctx)
	if err != nil || len(list) != 2 || list[0].ID != a.ID {
		t.Fatalf("list = %+v, %v", list, err)
	}

	b.State = StateCompleted
	if err := s.Save(ctx, b); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := s.Load(ctx, b.ID); got.State != StateCompleted {
		t.Errorf("state after update = %s", got.State)
	}
	for _, id := range []string{a.ID, b.ID} {
		if err := s.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}
	if _, err := s.Load(ctx, a.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Errorf("load after delete = %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Errorf("list after delete = %d", len(list))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NOTARY_TEST_REDIS")
	if addr == "" {
		t.Skip("NOTARY_TEST_REDIS not set")
	}
	s, err := NewRedisStore(context.Background(), StoreConfig{RedisAddr: addr, KeyTTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)

	sess := Session{ID: newSessionID(), Metadata: Metadata{MaxSentData: 1, MaxRecvData: 1}, State: StateRegistered}
	if err := s.Save(context.Background(), sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	defer s.Delete(context.Background(), sess.ID)
	if owner, err := s.Owner(context.Background(), sess.ID); err != nil || owner != s.InstanceID() {
		t.Errorf("owner = %q, %v", owner, err)
	}
	s.heartbeat(context.Background())
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	s, err := OpenStore(context.Background(), StoreConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("got %T", s)
	}
}
