// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/xwordcollab/backend/internal/v1/config"
	"github.com/xwordcollab/backend/internal/v1/logging"
	"github.com/xwordcollab/backend/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances guarding the broker's HTTP
// and WebSocket surfaces.
type RateLimiter struct {
	puzzleFetch    *limiter.Limiter
	signalingIP    *limiter.Limiter
	visitorPublish *limiter.Limiter
	store          limiter.Store
	redisClient    *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	puzzleFetchRate, err := limiter.NewRateFromFormatted(cfg.RateLimitPuzzleFetch)
	if err != nil {
		return nil, fmt.Errorf("invalid puzzle fetch rate: %w", err)
	}

	signalingIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSignalingIP)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling IP rate: %w", err)
	}

	visitorPublishRate, err := limiter.NewRateFromFormatted(cfg.RateLimitVisitorPublish)
	if err != nil {
		return nil, fmt.Errorf("invalid visitor publish rate: %w", err)
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
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		puzzleFetch:    limiter.New(store, puzzleFetchRate),
		signalingIP:    limiter.New(store, signalingIPRate),
		visitorPublish: limiter.New(store, visitorPublishRate),
		store:          store,
		redisClient:    redisClient,
	}, nil
}

// PuzzleFetchMiddleware rate limits the puzzle download proxy (§6.4) per IP.
func (rl *RateLimiter) PuzzleFetchMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		ctx := c.Request.Context()

		lctx, err := rl.puzzleFetch.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckSignalingUpgrade checks if a new /signaling connection from ip should
// be allowed. Returns true if allowed, false if the limit was exceeded (and
// writes the error response itself).
func (rl *RateLimiter) CheckSignalingUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.signalingIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "signaling rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("signaling_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckVisitorPublish enforces the per-visitor publish rate (§4.3), called
// for every message a connected visitor sends into a room.
func (rl *RateLimiter) CheckVisitorPublish(ctx context.Context, visitorID string) error {
	lctx, err := rl.visitorPublish.Get(ctx, visitorID)
	if err != nil {
		logging.Error(ctx, "visitor publish rate limiter store failed", zap.Error(err))
		return nil // Fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("publish", "visitor").Inc()
		return fmt.Errorf("rate limit exceeded for visitor")
	}

	return nil
}
