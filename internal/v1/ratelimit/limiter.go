// Package ratelimit implements rate limiting backed by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/watchroom/backend/go/internal/v1/config"
	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
)

// RateLimiter holds the limiter instances: one per-IP limit on socket
// upgrades and one per-user limit on chat frames.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	chat  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter parses the configured rates and picks a store: Redis when a
// client is available (limits shared across processes), in-process memory
// otherwise.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	chatRate, err := limiter.NewRateFromFormatted(cfg.RateLimitChat)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, wsIPRate),
		chat:  limiter.New(store, chatRate),
		store: store,
	}, nil
}

// CheckWebSocket enforces the per-IP upgrade limit. Returns true if allowed;
// on rejection the HTTP response is already written. Store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// AllowChat enforces the per-user chat limit. Store failures fail open.
func (rl *RateLimiter) AllowChat(ctx context.Context, key string) bool {
	chatContext, err := rl.chat.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if chatContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("chat", "user").Inc()
		return false
	}

	return true
}
