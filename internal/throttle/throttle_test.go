// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/throttle"
	"github.com/labyrinth/labyrinth/pkg/errutil"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	mr, client := newRedis(t)
	limiter, err := throttle.NewRedisLimiter(client, 3, 15*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for i := range 3 {
		ok, err := limiter.Allow(ctx, "forgot:id:ada")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := limiter.Allow(ctx, "forgot:id:ada")
	require.NoError(t, err)
	assert.False(t, ok, "fourth request in the window is throttled")

	ok, err = limiter.Allow(ctx, "forgot:id:grace")
	require.NoError(t, err)
	assert.True(t, ok, "keys are counted separately")

	assert.Equal(t, 15*time.Minute, mr.TTL("labyrinth:throttle:forgot:id:ada"))

	mr.FastForward(15 * time.Minute)
	ok, err = limiter.Allow(ctx, "forgot:id:ada")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts after expiry")
}

func TestRedisLimiter_WindowStartsAtFirstRequest(t *testing.T) {
	mr, client := newRedis(t)
	limiter, err := throttle.NewRedisLimiter(client, 3, 10*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = limiter.Allow(ctx, "forgot:id:ada")
	require.NoError(t, err)
	mr.FastForward(4 * time.Minute)
	_, err = limiter.Allow(ctx, "forgot:id:ada")
	require.NoError(t, err)

	assert.Equal(t, 6*time.Minute, mr.TTL("labyrinth:throttle:forgot:id:ada"), "later requests keep the original expiry")
}

func TestRedisLimiter_KeyWithoutTTLRecovers(t *testing.T) {
	mr, client := newRedis(t)
	limiter, err := throttle.NewRedisLimiter(client, 3, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	// A counter left behind without an expiry.
	require.NoError(t, mr.Set("labyrinth:throttle:forgot:id:stuck", "10"))
	require.Zero(t, mr.TTL("labyrinth:throttle:forgot:id:stuck"))

	ok, err := limiter.Allow(ctx, "forgot:id:stuck")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("labyrinth:throttle:forgot:id:stuck"))

	mr.FastForward(time.Minute)
	ok, err = limiter.Allow(ctx, "forgot:id:stuck")
	require.NoError(t, err)
	assert.True(t, ok, "the counter expires instead of throttling forever")
}

func TestRedisLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := throttle.NewRedisLimiter(client, 3, time.Minute)
	require.NoError(t, err)

	ok, err := limiter.Allow(context.Background(), "forgot:ip:10.0.0.1")
	require.Error(t, err)
	assert.False(t, ok)
	errutil.AssertErrorCode(t, err, "THROTTLE_REDIS_FAILED")
	assert.Equal(t, auth.KindDependency, auth.KindOf(err))
}

func TestNewRedisLimiter_InvalidConfig(t *testing.T) {
	_, client := newRedis(t)

	_, err := throttle.NewRedisLimiter(nil, 3, time.Minute)
	errutil.AssertErrorCode(t, err, "THROTTLE_INVALID_CONFIG")
	_, err = throttle.NewRedisLimiter(client, 0, time.Minute)
	errutil.AssertErrorCode(t, err, "THROTTLE_INVALID_CONFIG")
	_, err = throttle.NewRedisLimiter(client, 3, 0)
	errutil.AssertErrorCode(t, err, "THROTTLE_INVALID_CONFIG")
}

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, err := throttle.NewMemoryLimiter(2, time.Minute, func() time.Time { return now })
	require.NoError(t, err)
	ctx := context.Background()

	allow := func(key string) bool {
		ok, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, allow("a"))
	assert.True(t, allow("a"))
	assert.False(t, allow("a"))
	assert.True(t, allow("b"))

	now = now.Add(59 * time.Second)
	assert.False(t, allow("a"), "still inside the window")

	now = now.Add(time.Second)
	assert.True(t, allow("a"), "window elapsed")
}

func TestNewMemoryLimiter_InvalidConfig(t *testing.T) {
	_, err := throttle.NewMemoryLimiter(0, time.Minute, nil)
	errutil.AssertErrorCode(t, err, "THROTTLE_INVALID_CONFIG")
}
