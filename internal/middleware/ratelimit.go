package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// RateLimiter is a fixed-window counter shared through Redis, so every
// server instance enforces the same budget.
type RateLimiter struct {
	rdb      *redis.Client
	clock    clockwork.Clock
	log      zerolog.Logger
	scope    string
	rate     int           // Requests per window
	interval time.Duration // Window length
	subject  func(c *gin.Context) string
}

// NewRateLimiter creates a RateLimiter allowing rate requests per interval
// for each subject. subject defaults to the client IP.
func NewRateLimiter(rdb *redis.Client, clock clockwork.Clock, log zerolog.Logger, scope string, rate int, interval time.Duration, subject func(c *gin.Context) string) *RateLimiter {
	if subject == nil {
		subject = func(c *gin.Context) string { return c.ClientIP() }
	}
	return &RateLimiter{
		rdb:      rdb,
		clock:    clock,
		log:      log.With().Str("component", "rate_limiter").Str("scope", scope).Logger(),
		scope:    scope,
		rate:     rate,
		interval: interval,
		subject:  subject,
	}
}

// Allow counts one request of subject. When the budget is spent it returns
// false and the time left in the current window. Redis failures allow.
func (rl *RateLimiter) Allow(ctx context.Context, subject string) (bool, time.Duration) {
	now := rl.clock.Now().UnixNano()
	window := now / int64(rl.interval)
	key := config.CacheKey.RateLimitKey(rl.scope, subject, window)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.interval)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn().Err(err).Msg("Rate limit check failed")
		return true, 0
	}

	if incr.Val() > int64(rl.rate) {
		return false, time.Duration((window+1)*int64(rl.interval) - now)
	}
	return true, 0
}

// Middleware returns a Gin middleware enforcing the limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, left := rl.Allow(c.Request.Context(), rl.subject(c))
		if !ok {
			response.AbortRetry(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded, left)
			return
		}
		c.Next()
	}
}
