package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/middleware"
	"github.com/langchou/parkgate/internal/service"
)

// uidRequest 闸机请求体，支持 JSON 与表单
type uidRequest struct {
	UID string `form:"uid" json:"uid" binding:"required"`
}

// Enter 入场
// POST /enter
func (h *Handler) Enter(c *gin.Context) {
	var req uidRequest
	if err := c.ShouldBind(&req); err != nil {
		c.String(http.StatusBadRequest, "UID is required")
		return
	}

	_, err := h.parkingService.RecordEntry(c.Request.Context(), req.UID)
	switch {
	case err == nil:
		c.String(http.StatusOK, "Entry logged successfully")
	case errors.Is(err, service.ErrInvalidUID):
		c.String(http.StatusBadRequest, "UID is required")
	case errors.Is(err, service.ErrAlreadyParked):
		h.logger.Info("Rejected duplicate entry", zap.String("uid", req.UID))
		c.String(http.StatusConflict, "Badge already has an open parking session")
	default:
		h.logger.Error("Failed to record entry",
			zap.Error(err),
			zap.String("uid", req.UID),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.String(http.StatusInternalServerError, "Error processing your entry")
	}
}

// Exit 出场并计费
// POST /exit
func (h *Handler) Exit(c *gin.Context) {
	var req uidRequest
	if err := c.ShouldBind(&req); err != nil {
		c.String(http.StatusBadRequest, "UID is required")
		return
	}

	session, err := h.parkingService.RecordExit(c.Request.Context(), req.UID)
	switch {
	case err == nil:
		c.String(http.StatusOK, fmt.Sprintf("Please pay: %d", *session.PaidAmount))
	case errors.Is(err, service.ErrInvalidUID):
		c.String(http.StatusBadRequest, "UID is required")
	case errors.Is(err, service.ErrNoOpenSession):
		h.logger.Info("Exit without open session", zap.String("uid", req.UID))
		c.String(http.StatusNotFound, "No entry record found for this UID")
	default:
		h.logger.Error("Failed to record exit",
			zap.Error(err),
			zap.String("uid", req.UID),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.String(http.StatusInternalServerError, "Error processing your exit")
	}
}

// ListRecords 全部停车记录
// GET /records
func (h *Handler) ListRecords(c *gin.Context) {
	sessions, err := h.parkingService.ListRecords(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list records", zap.Error(err))
		c.String(http.StatusInternalServerError, "Error fetching records")
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// GetSession 获取停车记录详情
// GET /api/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	session, err := h.parkingService.GetRecord(c.Request.Context(), id)
	if errors.Is(err, service.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get session", zap.Error(err), zap.Int64("session_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}
