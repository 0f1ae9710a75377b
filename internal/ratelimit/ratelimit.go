package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry is a per-client limiter with the last time it was consulted.
type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages both global and per-client rate limiting for two kinds
// of events: new connections (proxy links) and requests (session registrations).
type RateLimiter struct {
	mu                    sync.Mutex
	globalConnLimiter     *rate.Limiter
	globalReqLimiter      *rate.Limiter
	perClientConnLimiters map[string]*entry
	perClientReqLimiters  map[string]*entry
	connRate              int
	reqRate               int
	burstSize             int
	now                   func() time.Time
}

// NewRateLimiter creates a rate limiter. Rates are events per second; 0 disables that limit.
func NewRateLimiter(globalConnLimit, perClientConnLimit, globalReqLimit, perClientReqLimit, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perClientConnLimiters: make(map[string]*entry),
		perClientReqLimiters:  make(map[string]*entry),
		connRate:              perClientConnLimit,
		reqRate:               perClientReqLimit,
		burstSize:             burstSize,
		now:                   time.Now,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(globalConnLimit), burstSize)
	}
	if globalReqLimit > 0 {
		rl.globalReqLimiter = rate.NewLimiter(rate.Limit(globalReqLimit), burstSize)
	}
	return rl
}

// AllowConnection checks if a connection is allowed for the given client
func (rl *RateLimiter) AllowConnection(client string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalConnLimiter, rl.perClientConnLimiters, rl.connRate, client)
}

// AllowRequest checks if a request is allowed for the given client
func (rl *RateLimiter) AllowRequest(client string) bool {
	if rl == nil {
		return true
	}
	return rl.allow(rl.globalReqLimiter, rl.perClientReqLimiters, rl.reqRate, client)
}

func (rl *RateLimiter) allow(global *rate.Limiter, per map[string]*entry, perRate int, client string) bool {
	now := rl.now()
	if global != nil && !global.AllowN(now, 1) {
		return false
	}
	if perRate <= 0 {
		return true
	}
	rl.mu.Lock()
	e, ok := per[client]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(perRate), rl.burstSize)}
		per[client] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Cleanup drops per-client limiters not consulted within idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*entry{rl.perClientConnLimiters, rl.perClientReqLimiters} {
		for k, e := range m {
			if e.lastSeen.Before(cutoff) {
				delete(m, k)
				removed++
			}
		}
	}
	return removed
}
