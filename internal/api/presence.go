package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PresenceHandler struct {
	svc    PresenceService
	logger *zap.Logger
}

func NewPresenceHandler(svc PresenceService, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{svc: svc, logger: logger}
}

// Get handles GET /v1/presence/:userId
func (h *PresenceHandler) Get(c *gin.Context) {
	entry, err := h.svc.PresenceOf(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.logger.Error("failed to get presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get presence"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no presence for user"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
