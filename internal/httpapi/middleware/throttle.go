package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/docsassist/ai-help/internal/common"
)

// Throttle is a cheap pre-auth per-IP limiter on redis INCR/EXPIRE. It is
// separate from the per-user question quota: this one only sheds abusive
// traffic before it reaches the pipeline. Fails open if redis is down.
func Throttle(rdb *redis.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "throttle:" + c.ClientIP()

		n, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			log.Printf("[Throttle] redis incr failed: %v", err)
			c.Next()
			return
		}
		if n == 1 {
			if err := rdb.Expire(c.Request.Context(), key, window).Err(); err != nil {
				log.Printf("[Throttle] redis expire failed: %v", err)
			}
		}
		if n > int64(limit) {
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
