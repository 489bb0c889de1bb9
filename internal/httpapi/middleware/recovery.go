package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docsassist/ai-help/internal/common"
)

// Recovery turns panics into the standard error envelope instead of gin's
// default plain-text 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Recovery] panic: %v", r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
