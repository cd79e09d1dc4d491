package security

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles requests per caller with a fixed Redis counter
// window. Authenticated callers are limited per account, anonymous ones
// per IP.
type RateLimiter struct {
	redis  *redis.Client
	max    int64
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, max int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		max:    max,
		window: window,
	}
}

func (r *RateLimiter) identity(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

// allow counts one hit for the identity under the scope. Counting fails
// open: a broken Redis must not take the API down with it.
func (r *RateLimiter) allow(ctx context.Context, scope, identity string) bool {
	key := "ratelimit:" + scope + ":" + identity

	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("rate limit counter", "scope", scope, "error", err)
		return true
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, r.window).Err(); err != nil {
			slog.Warn("rate limit window", "scope", scope, "error", err)
		}
	}
	return count <= r.max
}

// Middleware returns a route middleware enforcing the limit under the
// given scope.
func (r *RateLimiter) Middleware(scope string) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if !r.allow(e.Request.Context(), scope, r.identity(e)) {
			return apis.NewApiError(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}
