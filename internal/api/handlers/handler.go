package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger         *zap.Logger
	parkingService *service.ParkingService
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	parkingService *service.ParkingService,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		parkingService: parkingService,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HandleEvents Server-Sent Events 推送
// GET /events
// 事件名为消息类型，数据为快照 JSON
func (h *Handler) HandleEvents(c *gin.Context) {
	sub := h.wsHub.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case payload, ok := <-sub.Messages():
			if !ok {
				return false
			}

			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil {
				h.logger.Warn("Skipping malformed push message", zap.Error(err))
				return true
			}
			c.SSEvent(msg.Type, string(msg.Data))
			return true
		}
	})
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
