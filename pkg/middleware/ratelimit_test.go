package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/authz/pkg/contextkeys"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute, BurstSize: 1})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, rl.Remaining("k"))

	// other keys have their own bucket
	ok, _ = rl.Allow(ctx, "other")
	assert.True(t, ok)
}

func TestRateLimiter_Refill(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 60, WindowDuration: time.Minute})
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		ok, _ := rl.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k")
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = rl.Allow(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, 1, rl.Remaining("k"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second})
	rl.now = func() time.Time { return now }

	_, _ = rl.Allow(context.Background(), "k")
	now = now.Add(3 * time.Second)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.buckets)
}

func TestRateLimiter_Concurrency(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Hour})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow(context.Background(), "shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := rl.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := rl.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(time.Minute + time.Second)
	ok, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rl.Reset(ctx, "k"))
	remaining, err = rl.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	rl := NewDistributedRateLimiter(client, nil, "")
	_, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func (s *stubLimiter) Config() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("allowed", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true}
		rec := httptest.NewRecorder()
		NewRateLimitMiddleware(limiter, nil).Handler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("exceeded", func(t *testing.T) {
		limiter := &stubLimiter{allowed: false}
		rec := httptest.NewRecorder()
		NewRateLimitMiddleware(limiter, nil).Handler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("limiter error lets request through", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("redis down")}
		rec := httptest.NewRecorder()
		NewRateLimitMiddleware(limiter, nil).Handler(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", rateLimitKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", rateLimitKey(req))

	req = req.WithContext(contextkeys.WithRank(req.Context(), 4))
	assert.Equal(t, "rank:4", rateLimitKey(req))

	req = req.WithContext(contextkeys.WithSubject(req.Context(), "user-9"))
	assert.Equal(t, "subject:user-9", rateLimitKey(req))
}
