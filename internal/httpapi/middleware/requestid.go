package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/docsassist/ai-help/internal/common"
)

const RequestIDKey = "request_id"

// RequestID tags every request with a ULID, echoed in the response header
// and carried into logs and metadata rows.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			if generated, err := common.NewULID(); err == nil {
				id = generated
			}
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}
