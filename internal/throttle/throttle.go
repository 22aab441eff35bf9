// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package throttle provides fixed-window request limiters for the
// forgot-password endpoint.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/labyrinth/labyrinth/internal/auth"
)

// keyPrefix namespaces limiter keys in a shared Redis.
const keyPrefix = "labyrinth:throttle:"

// RedisLimiter counts requests per key in Redis. The first request of a window
// sets the key's expiry, so the window starts at that request.
type RedisLimiter struct {
	client redis.Cmdable
	max    int64
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter allowing max requests per window.
func NewRedisLimiter(client redis.Cmdable, max int, window time.Duration) (*RedisLimiter, error) {
	if client == nil {
		return nil, oops.Code("THROTTLE_INVALID_CONFIG").Errorf("redis client is required")
	}
	if max <= 0 || window <= 0 {
		return nil, oops.Code("THROTTLE_INVALID_CONFIG").
			With("max", max).
			With("window", window.String()).
			Errorf("max and window must be positive")
	}
	return &RedisLimiter{client: client, max: int64(max), window: window}, nil
}

// Allow records a request for key and reports whether it is within the limit.
// INCR and EXPIRE NX run in one MULTI, so a counter never outlives its window,
// and a key left without a TTL gets one on its next request.
// Redis failures are returned as dependency errors; the caller decides
// whether to fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := keyPrefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, oops.Code("THROTTLE_REDIS_FAILED").In(string(auth.KindDependency)).With("op", "incr").Wrap(err)
	}
	return incr.Val() <= l.max, nil
}

// MemoryLimiter is the single-process limiter used when no Redis is
// configured.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]memoryWindow
}

type memoryWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter creates a MemoryLimiter allowing max requests per window.
// now may be nil.
func NewMemoryLimiter(max int, window time.Duration, now func() time.Time) (*MemoryLimiter, error) {
	if max <= 0 || window <= 0 {
		return nil, oops.Code("THROTTLE_INVALID_CONFIG").
			With("max", max).
			With("window", window.String()).
			Errorf("max and window must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{max: max, window: window, now: now, windows: make(map[string]memoryWindow)}, nil
}

// Allow records a request for key and reports whether it is within the limit.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		l.sweep(now)
		w = memoryWindow{start: now}
	}
	w.count++
	l.windows[key] = w
	return w.count <= l.max, nil
}

// sweep drops expired windows. Callers hold mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, k)
		}
	}
}

var (
	_ auth.RequestLimiter = (*RedisLimiter)(nil)
	_ auth.RequestLimiter = (*MemoryLimiter)(nil)
)
