// Package httpapi wires the HTTP surface: route registration, bearer and
// webhook auth, rate limiting, and the mapping from internal errors to
// problem+json.
package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/problem"
)

// RateLimiter is a fixed-window counter in Redis, one window per
// (class, caller, window-start). Counter keys expire with the window.
type RateLimiter struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRateLimiter(rdb *redis.Client, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, log: log}
}

// Middleware enforces limit requests per window for the given route class.
// Authenticated callers are counted per identity, anonymous ones per IP.
func (rl *RateLimiter) Middleware(class string, limit int64, window time.Duration) gin.HandlerFunc {
	windowSec := int64(window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if ac := authn.FromGin(c); ac != nil {
			caller = ac.IdentityID
		}
		slot := time.Now().Unix() / windowSec
		key := fmt.Sprintf("ratelimit:%s:%s:%d", class, caller, slot)

		count, err := rl.rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			// Counter loss never blocks traffic.
			rl.log.Error("rate limiter: incr", zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rl.rdb.Expire(c.Request.Context(), key, window) //nolint:errcheck
		}
		if count > limit {
			problem.Abort(c, problem.RateLimited())
			return
		}
		c.Next()
	}
}
