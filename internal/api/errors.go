package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echolink/internal/call"
	"github.com/lalith-99/echolink/internal/rooms"
	"github.com/lalith-99/echolink/internal/session"
	"github.com/lalith-99/echolink/internal/sfu"
	"github.com/lalith-99/echolink/internal/socket"
	"go.uber.org/zap"
)

// statusFor maps a domain error to the HTTP status the client sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, sfu.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrCallInProgress), errors.Is(err, call.ErrInvalidState), errors.Is(err, sfu.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, socket.ErrNotConnected), errors.Is(err, socket.ErrDisconnected), errors.Is(err, rooms.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// fail writes err as {"error": msg}. Server-side failures are logged;
// client mistakes are not.
func fail(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg + ": " + err.Error()})
}
