package handler

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps requests per reader in a fixed window and must run after
// RequireUser. It is a no-op when limiter is nil or limit is 0, and lets
// requests through if the limiter fails.
func RateLimit(logger *log.Logger, limiter RateLimiter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limit <= 0 {
			c.Next()
			return
		}

		key := scope + ":" + UserID(c)

		allowed, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			logger.Printf("Warning: rate limiter unavailable for %s: %v", key, err)
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Status:  "failed",
				Message: "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}
