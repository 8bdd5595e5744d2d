package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echolink/internal/call"
	"go.uber.org/zap"
)

type CallHandler struct {
	svc    CallService
	logger *zap.Logger
}

func NewCallHandler(svc CallService, logger *zap.Logger) *CallHandler {
	return &CallHandler{svc: svc, logger: logger}
}

// Get handles GET /v1/call
func (h *CallHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.CallSession())
}

// Start handles POST /v1/call/start
func (h *CallHandler) Start(c *gin.Context) {
	var req call.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.StartCall(req); err != nil {
		fail(c, h.logger, "failed to start call", err)
		return
	}
	c.JSON(http.StatusAccepted, h.svc.CallSession())
}

type acceptCallRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

// Accept handles POST /v1/call/accept
//
// Media negotiation runs inside the request, so a denied camera or
// microphone comes back as 403.
func (h *CallHandler) Accept(c *gin.Context) {
	var req acceptCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.AcceptCall(c.Request.Context(), req.RoomID); err != nil {
		fail(c, h.logger, "failed to accept call", err)
		return
	}
	c.JSON(http.StatusOK, h.svc.CallSession())
}

// Reject handles POST /v1/call/reject
func (h *CallHandler) Reject(c *gin.Context) {
	h.hangUp(c, h.svc.RejectCall, "failed to reject call")
}

// Cancel handles POST /v1/call/cancel
func (h *CallHandler) Cancel(c *gin.Context) {
	h.hangUp(c, h.svc.CancelCall, "failed to cancel call")
}

// End handles POST /v1/call/end
func (h *CallHandler) End(c *gin.Context) {
	h.hangUp(c, h.svc.EndCall, "failed to end call")
}

func (h *CallHandler) hangUp(c *gin.Context, fn func() error, msg string) {
	if err := fn(); err != nil {
		fail(c, h.logger, msg, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.CallSession())
}
