package handlers

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// 闸机
	r.POST("/enter", h.Enter)
	r.POST("/exit", h.Exit)
	r.GET("/records", h.ListRecords)

	// API 路由
	api := r.Group("/api")
	{
		api.GET("/sessions/:id", h.GetSession)
	}

	// 实时推送
	r.GET("/ws", h.HandleWebSocket)
	r.GET("/events", h.HandleEvents)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}
