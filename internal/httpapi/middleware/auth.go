package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/docsassist/ai-help/internal/auth"
	"github.com/docsassist/ai-help/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired validates the Bearer token and stores the user id in the
// request context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		uid, err := auth.ParseToken(secret, token)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
