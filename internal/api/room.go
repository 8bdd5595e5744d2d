package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echolink/internal/rooms"
	"go.uber.org/zap"
)

type RoomHandler struct {
	svc    RoomService
	logger *zap.Logger
}

func NewRoomHandler(svc RoomService, logger *zap.Logger) *RoomHandler {
	return &RoomHandler{svc: svc, logger: logger}
}

// List handles GET /v1/rooms?filter=all|unread|request|blocked
//
// The list is served from the local directory; it never hits the REST API.
func (h *RoomHandler) List(c *gin.Context) {
	filter := rooms.ParseFilter(c.Query("filter"))
	c.JSON(http.StatusOK, gin.H{
		"filter": filter,
		"rooms":  h.svc.RoomView(filter),
	})
}

// More handles POST /v1/rooms/more
func (h *RoomHandler) More(c *gin.Context) {
	page, err := h.svc.LoadRooms(c.Request.Context())
	if err != nil {
		fail(c, h.logger, "failed to load rooms", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Open handles POST /v1/rooms/:id/open
func (h *RoomHandler) Open(c *gin.Context) {
	roomID := c.Param("id")
	msgs, err := h.svc.OpenRoom(c.Request.Context(), roomID)
	if err != nil {
		fail(c, h.logger, "failed to open room", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "messages": msgs})
}

// Clear handles POST /v1/rooms/:id/clear
//
// 202: the cache is emptied only once the server confirms.
func (h *RoomHandler) Clear(c *gin.Context) {
	if err := h.svc.ClearChat(c.Param("id")); err != nil {
		fail(c, h.logger, "failed to clear chat", err)
		return
	}
	c.Status(http.StatusAccepted)
}

type typingRequest struct {
	Stop bool `json:"stop"`
}

// Typing handles POST /v1/rooms/:id/typing
//
// Call it on every keystroke; {"stop": true} ends the indicator at once.
func (h *RoomHandler) Typing(c *gin.Context) {
	var req typingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.Stop {
		h.svc.StopTyping(c.Param("id"))
	} else {
		h.svc.Keystroke(c.Param("id"))
	}
	c.Status(http.StatusNoContent)
}
