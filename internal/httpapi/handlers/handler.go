package handlers

import (
	"gorm.io/gorm"

	"github.com/docsassist/ai-help/internal/config"
	"github.com/docsassist/ai-help/internal/help"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	HelpSvc *help.Service
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *help.Service) *Handler {
	return &Handler{DB: db, Cfg: cfg, HelpSvc: svc}
}
