package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/apitrail/apitrail/internal/ratelimit"
	"github.com/apitrail/apitrail/internal/storage"
	"github.com/gin-gonic/gin"
)

// RateLimit caps per-client requests on the admin API using a redis
// fixed window keyed by client IP
func RateLimit(redis *storage.RedisClient, requestsPerMinute int) gin.HandlerFunc {
	limiter := ratelimit.NewFixedWindow(redis, requestsPerMinute, time.Minute)

	return func(c *gin.Context) {
		key := c.ClientIP()
		ctx := c.Request.Context()

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limit check failed",
			})
			c.Abort()
			return
		}

		remaining, _ := limiter.Remaining(ctx, key)
		resetTime, _ := limiter.Reset(ctx, key)

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))

		if !allowed {
			retryAfter := int(time.Until(resetTime).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}

			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": resetTime.Unix(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
