package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per (arm, operation) token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (arm, operation). Allow never blocks.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	buckets   map[string]*bucket
	now       func() time.Time
	lastSweep time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for (arm, operation). When the bucket is empty it
// returns false and the wait until the next token.
func (r *RateLimiter) Allow(arm, operation string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	key := arm + "|" + operation
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len reports the number of live buckets.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.cfg.IdleTTL/2 {
		return
	}
	r.lastSweep = now
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > r.cfg.IdleTTL {
			delete(r.buckets, key)
		}
	}
}
