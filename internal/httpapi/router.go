package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/docsassist/ai-help/internal/common"
	"github.com/docsassist/ai-help/internal/config"
	"github.com/docsassist/ai-help/internal/help"
	"github.com/docsassist/ai-help/internal/httpapi/handlers"
	"github.com/docsassist/ai-help/internal/httpapi/middleware"
)

func NewRouter(db *gorm.DB, cfg config.Config, rdb *redis.Client, svc *help.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if rdb != nil {
		r.Use(middleware.Throttle(rdb, cfg.ThrottleLimit, cfg.ThrottleWindow))
	}

	h := handlers.NewHandler(db, cfg, svc)

	r.GET("/ping", func(c *gin.Context) { common.Ok(c, gin.H{"pong": true}) })

	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// AI Help (JWT required)
	authGroup.POST("/ai-help", h.AskAIHelp)
	authGroup.GET("/ai-help/quota", h.GetQuota)
	authGroup.GET("/ai-help/history/:chat_id", h.ListHistory)
	authGroup.DELETE("/ai-help/history/:chat_id", h.DeleteHistory)

	return r
}
