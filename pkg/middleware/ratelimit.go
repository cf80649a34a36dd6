package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig bounds requests per source address within a window.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultRateLimitConfig suits the interactive auth endpoints: generous for
// humans, tight enough to blunt credential-stuffing through the forum.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter is a Redis-backed fixed-window counter shared across
// instances. Redis errors fail open: losing rate limiting is preferable to
// refusing logins.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
	log    *logrus.Logger
}

// NewRateLimiter creates a RateLimiter. prefix namespaces the Redis keys per
// endpoint group.
func NewRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string, log *logrus.Logger) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	if log == nil {
		log = logrus.New()
	}
	return &RateLimiter{redis: redisClient, config: config, prefix: prefix, log: log}
}

// Allow reports whether one more request from key fits in the current
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Handler wraps an HTTP handler with per-client-IP rate limiting. A nil
// Redis client disables limiting entirely.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.redis == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + ClientIP(r)

		allowed, err := rl.Allow(r.Context(), key)
		if err != nil {
			rl.log.WithError(err).Warn("Rate limiter unavailable; allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rl.config.WindowDuration.Seconds()))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
