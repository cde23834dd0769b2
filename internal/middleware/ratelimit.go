package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/pkg/logger"
)

// RateLimiter implements a fixed window limit per client in Redis. While
// Redis is degraded it falls back to a per-process window.
type RateLimiter struct {
	redis    *database.RedisClient
	requests int
	window   time.Duration
	prefix   string
	now      func() time.Time

	mu       sync.Mutex
	fallback map[string]*localWindow
}

type localWindow struct {
	count int
	start int64
}

// NewRateLimiter allows requests per window for every client identifier
// under prefix
func NewRateLimiter(rc *database.RedisClient, prefix string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    rc,
		requests: requests,
		window:   window,
		prefix:   prefix,
		now:      time.Now,
		fallback: make(map[string]*localWindow),
	}
}

// Middleware limits by visitor_id when present, otherwise by client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if visitor := c.Query("visitor_id"); visitor != "" {
			identifier = "visitor:" + visitor
		}

		allowed, remaining, resetAt := rl.Allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":    "Rate limit exceeded",
				"limit":    rl.requests,
				"reset_at": resetAt,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow counts one request for identifier
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (allowed bool, remaining int, resetAt int64) {
	windowSecs := int64(rl.window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}
	now := rl.now().Unix()
	start := now - now%windowSecs
	resetAt = start + windowSecs

	count, err := rl.countRedis(ctx, identifier, start)
	if err != nil {
		logger.Debug("Rate limit falling back to local window",
			zap.String("identifier", identifier),
			zap.Error(err))
		count = rl.countLocal(identifier, start)
	}

	remaining = rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, resetAt
}

func (rl *RateLimiter) countRedis(ctx context.Context, identifier string, start int64) (int, error) {
	if rl.redis == nil || rl.redis.IsDegraded() {
		return 0, database.ErrDegraded
	}

	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.prefix, identifier, start)
	var incr *redis.IntCmd
	_, err := rl.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window+time.Second)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count request: %w", err)
	}
	return int(incr.Val()), nil
}

func (rl *RateLimiter) countLocal(identifier string, start int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.fallback[identifier]
	if !ok || w.start != start {
		// Old windows are dropped lazily as clients come back.
		if len(rl.fallback) > 10000 {
			rl.fallback = make(map[string]*localWindow)
		}
		w = &localWindow{start: start}
		rl.fallback[identifier] = w
	}
	w.count++
	return w.count
}
