package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echolink/internal/models"
	"github.com/lalith-99/echolink/internal/session"
	"github.com/lalith-99/echolink/internal/socket"
	"go.uber.org/zap"
)

type MessageHandler struct {
	svc    MessageService
	logger *zap.Logger
}

func NewMessageHandler(svc MessageService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, logger: logger}
}

// List handles GET /v1/rooms/:id/messages
//
// Returns what is cached. Use POST /v1/rooms/:id/open to load the first
// page and POST .../messages/more for older ones.
func (h *MessageHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.svc.Messages(c.Param("id"))})
}

// More handles POST /v1/rooms/:id/messages/more
func (h *MessageHandler) More(c *gin.Context) {
	roomID := c.Param("id")
	added, err := h.svc.LoadMore(c.Request.Context(), roomID)
	if err != nil {
		fail(c, h.logger, "failed to load messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "messages": h.svc.Messages(roomID)})
}

type sendMessageRequest struct {
	Content string         `json:"content"`
	Media   []models.Media `json:"media" binding:"omitempty,dive"`
	Type    string         `json:"type" binding:"omitempty,oneof=text image video file audio"`
	ReplyTo string         `json:"replyTo"`
}

// Create handles POST /v1/rooms/:id/messages
//
// 202 with the pending message: the ack arrives on the socket. While
// offline the message is still kept locally as pending and 503 carries it.
func (h *MessageHandler) Create(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.SendMessage(c.Param("id"), session.SendRequest{
		Content: req.Content,
		Media:   req.Media,
		Type:    req.Type,
		ReplyTo: req.ReplyTo,
	})
	if errors.Is(err, socket.ErrNotConnected) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline", "message": msg})
		return
	}
	if err != nil {
		fail(c, h.logger, "failed to send message", err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

type editMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Edit handles PATCH /v1/rooms/:id/messages/:mid
func (h *MessageHandler) Edit(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.EditMessage(c.Param("id"), c.Param("mid"), req.Content); err != nil {
		fail(c, h.logger, "failed to edit message", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unsend handles DELETE /v1/rooms/:id/messages/:mid
func (h *MessageHandler) Unsend(c *gin.Context) {
	if err := h.svc.UnsendMessage(c.Param("id"), c.Param("mid")); err != nil {
		fail(c, h.logger, "failed to unsend message", err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Seen handles POST /v1/rooms/:id/messages/:mid/seen
func (h *MessageHandler) Seen(c *gin.Context) {
	if err := h.svc.MarkSeen(c.Param("id"), c.Param("mid")); err != nil {
		fail(c, h.logger, "failed to mark seen", err)
		return
	}
	c.Status(http.StatusNoContent)
}
