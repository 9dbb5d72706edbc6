package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/api/middleware"
)

// RegisterRoutes 挂载只读管理 API，统一经过 API Key 认证
func RegisterRoutes(r *gin.Engine, h *ReadOnlyHandler, auth middleware.AuthConfig, logger *zap.Logger) {
	v1 := r.Group("/api/v1", middleware.APIKeyAuth(auth, logger))
	{
		v1.GET("/cps", h.ListCPs)
		v1.GET("/cps/:id", h.GetCP)
		v1.GET("/sessions", h.ListSessions)
		v1.GET("/tickets", h.ListTickets)
		v1.GET("/audit", h.ListAudit)
		v1.GET("/stats", h.Stats)
	}
}
