package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/logger"
)

// RateLimiter implements fixed-window rate limiting in Redis. While Redis is
// degraded or absent it falls back to per-process counters.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
	fallback *InMemoryRateLimiter
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		requests: requests,
		window:   window,
		fallback: NewInMemoryRateLimiter(),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var identifier string
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		} else {
			identifier = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		allowed, remaining, resetAt := rl.check(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     rl.requests,
				"remaining": remaining,
				"reset_at":  resetAt.Unix(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, time.Time) {
	if rl.redis != nil && !rl.redis.IsDegraded() {
		allowed, remaining, resetAt, err := rl.checkRedis(ctx, identifier)
		if err == nil {
			return allowed, remaining, resetAt
		}
		logger.Debug("Redis rate limit failed, using in-memory fallback", zap.Error(err))
	}
	return rl.fallback.Check(identifier, rl.requests, rl.window)
}

func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (bool, int, time.Time, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	pipe := rl.redis.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = rl.window
	}

	return count <= rl.requests, remaining, time.Now().Add(resetIn), nil
}

// InMemoryRateLimiter provides per-process fixed-window counters
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*windowCount
	now    func() time.Time
}

type windowCount struct {
	count       int
	windowStart time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limits: make(map[string]*windowCount),
		now:    time.Now,
	}
}

// Check counts one request for identifier and reports whether it is allowed
func (im *InMemoryRateLimiter) Check(identifier string, requests int, window time.Duration) (bool, int, time.Time) {
	im.mu.Lock()
	defer im.mu.Unlock()

	now := im.now()
	w, ok := im.limits[identifier]
	if !ok || now.Sub(w.windowStart) >= window {
		w = &windowCount{windowStart: now}
		im.limits[identifier] = w
		im.sweep(now, window)
	}
	w.count++

	remaining := requests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return w.count <= requests, remaining, w.windowStart.Add(window)
}

// sweep drops expired windows so idle identifiers do not accumulate
func (im *InMemoryRateLimiter) sweep(now time.Time, window time.Duration) {
	for id, w := range im.limits {
		if now.Sub(w.windowStart) >= window {
			delete(im.limits, id)
		}
	}
}
