package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

func withClock(rl *RateLimiter) *fakeClock {
	c := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl.now = c.now
	return c
}

func TestRefillAfterOneSecond(t *testing.T) {
	rl := NewRateLimiter(0, 2, 0, 0, 5) // per-client: 2 conn/s, burst 5
	clock := withClock(rl)

	for i := 0; i < 5; i++ {
		if !rl.AllowConnection("c") {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if rl.AllowConnection("c") {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clock.add(time.Second)
	if !rl.AllowConnection("c") {
		t.Error("Expected request to be allowed after token refill")
	}
	if !rl.AllowConnection("c") {
		t.Error("Expected second request to be allowed after token refill")
	}
	if rl.AllowConnection("c") {
		t.Error("Expected third request to be denied")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0, 2, 0, 5, 3) // global limits disabled; per-client: 2 conn/s, 5 req/s; burst: 3
	withClock(rl)

	client := "test-client"
	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(client) {
			t.Errorf("Expected connection %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowConnection(client) {
		t.Error("Expected connection to be denied due to per-client limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowRequest(client) {
			t.Errorf("Expected request %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowRequest(client) {
		t.Error("Expected request to be denied due to per-client limit")
	}

	client2 := "test-client-2"
	if !rl.AllowConnection(client2) {
		t.Error("Expected connection to be allowed for different client")
	}
	if !rl.AllowRequest(client2) {
		t.Error("Expected request to be allowed for different client")
	}
}

func TestRateLimiterWithGlobalLimits(t *testing.T) {
	rl := NewRateLimiter(2, 0, 2, 0, 2) // global: 2 conn/s, 2 req/s; per-client limits disabled; burst: 2
	withClock(rl)

	if !rl.AllowConnection("a") || !rl.AllowConnection("b") {
		t.Error("Expected global burst to be allowed")
	}
	if rl.AllowConnection("a") {
		t.Error("Expected connection to be denied due to global limit")
	}
	if !rl.AllowRequest("a") || !rl.AllowRequest("b") {
		t.Error("Expected global request burst to be allowed")
	}
	if rl.AllowRequest("a") {
		t.Error("Expected request to be denied due to global limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(0, 1, 0, 1, 1)
	clock := withClock(rl)

	rl.AllowConnection("client1")
	rl.AllowRequest("client1")
	clock.add(time.Minute)
	rl.AllowConnection("client2")
	rl.AllowRequest("client2")

	if removed := rl.Cleanup(30 * time.Second); removed != 2 {
		t.Errorf("Expected 2 limiters removed, got %d", removed)
	}
	if _, ok := rl.perClientConnLimiters["client1"]; ok {
		t.Error("Expected client1 connection limiter to be cleaned up")
	}
	if _, ok := rl.perClientReqLimiters["client2"]; !ok {
		t.Error("Expected client2 request limiter to remain")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0, 0, 5)
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("c") || !rl.AllowRequest("c") {
			t.Fatalf("Expected event %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.AllowRequest("c") {
		t.Error("nil limiter must allow everything")
	}
}
