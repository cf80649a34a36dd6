package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestAllowCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute},
		"test", testLogger())

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i+1)
	}

	allowed, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other keys are unaffected.
	allowed, err = rl.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute},
		"test", testLogger())

	allowed, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(2 * time.Minute)

	allowed, err = rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHandlerLimitsPerClient(t *testing.T) {
	client, _ := newTestRedis(t)

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute},
		"test", testLogger())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	hit := func(addr string) int {
		r := httptest.NewRequest("GET", "/auth/discourse/login", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Result().StatusCode
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1001"))

	resp := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/auth/discourse/login", nil)
	r.RemoteAddr = "10.0.0.1:1002"
	handler.ServeHTTP(resp, r)
	assert.Equal(t, http.StatusTooManyRequests, resp.Result().StatusCode)
	assert.Equal(t, "60", resp.Result().Header.Get("Retry-After"))

	// A different client is counted separately.
	assert.Equal(t, http.StatusOK, hit("10.0.0.9:1000"))
}

func TestHandlerFailsOpen(t *testing.T) {
	client, mr := newTestRedis(t)

	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute},
		"test", testLogger())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mr.Close()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestHandlerWithoutRedisPassesThrough(t *testing.T) {
	rl := NewRateLimiter(nil, DefaultRateLimitConfig(), "test", testLogger())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		require.Equal(t, http.StatusOK, w.Result().StatusCode)
	}
}
