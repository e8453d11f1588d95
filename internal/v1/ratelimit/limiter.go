// Package ratelimit enforces the fixed-window request limit on non-WebSocket
// endpoints, backed by Redis when available and process memory otherwise.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

// Limiter wraps one fixed-window limiter shared by every guarded route.
type Limiter struct {
	limiter *limiter.Limiter
}

// New builds a limiter from a count and window. A nil redisClient selects the
// in-memory store.
func New(count int, window time.Duration, redisClient *redis.Client) (*Limiter, error) {
	rate := limiter.Rate{Limit: int64(count), Period: window}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &Limiter{limiter: limiter.New(store, rate)}, nil
}

// Middleware limits requests per client IP. Store failures fail open so an
// unavailable Redis never takes the API down with it.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := l.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}
