package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. The global bucket covers every
// request; the init limit throttles upload initiations per owner so one
// client cannot burn the governor's session slots.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	InitLimit     int
	InitWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global      *tokenBucket
	initLimit   int
	initWindow  time.Duration
	initMu      sync.Mutex
	initBuckets map[string]*ownerLimiter
	store       tokenStore
}

type ownerLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		initLimit:   cfg.InitLimit,
		initWindow:  cfg.InitWindow,
		initBuckets: make(map[string]*ownerLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.initLimit <= 0 {
		rl.initLimit = 0
	}
	if rl.initWindow <= 0 {
		rl.initWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.initLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowInit reports whether the owner may start another upload in the
// configured window. When Redis is configured, counters are shared across
// replicas; otherwise per-process token buckets apply.
func (r *rateLimiter) AllowInit(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.initLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("reelvault:init:%s", key), r.initLimit, r.initWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.initMu.Lock()
	limiter, exists := r.initBuckets[key]
	if !exists {
		rate := float64(r.initLimit) / r.initWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.initWindow.Seconds()
		}
		limiter = &ownerLimiter{bucket: newTokenBucket(rate, r.initLimit)}
		r.initBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.initMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.initBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.initWindow)
	for key, limiter := range r.initBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.initBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
