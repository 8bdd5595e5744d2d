package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echolink/internal/middleware"
	"github.com/lalith-99/echolink/internal/observ"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the control API. /v1/health and /metrics are public;
// every other route needs a bearer token signed with secret whose subject
// is the logged-in user.
func NewRouter(svc Service, secret string, logger *zap.Logger) *gin.Engine {
	logger = observ.Named(logger, "api")

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(secret), requireSelf(svc.Self().ID))

	roomHandler := NewRoomHandler(svc, logger)
	v1.GET("/rooms", roomHandler.List)
	v1.POST("/rooms/more", roomHandler.More)
	v1.POST("/rooms/:id/open", roomHandler.Open)
	v1.POST("/rooms/:id/clear", roomHandler.Clear)
	v1.POST("/rooms/:id/typing", roomHandler.Typing)

	messageHandler := NewMessageHandler(svc, logger)
	v1.GET("/rooms/:id/messages", messageHandler.List)
	v1.POST("/rooms/:id/messages", messageHandler.Create)
	v1.POST("/rooms/:id/messages/more", messageHandler.More)
	v1.PATCH("/rooms/:id/messages/:mid", messageHandler.Edit)
	v1.DELETE("/rooms/:id/messages/:mid", messageHandler.Unsend)
	v1.POST("/rooms/:id/messages/:mid/seen", messageHandler.Seen)

	presenceHandler := NewPresenceHandler(svc, logger)
	v1.GET("/presence/:userId", presenceHandler.Get)

	callHandler := NewCallHandler(svc, logger)
	v1.GET("/call", callHandler.Get)
	v1.POST("/call/start", callHandler.Start)
	v1.POST("/call/accept", callHandler.Accept)
	v1.POST("/call/reject", callHandler.Reject)
	v1.POST("/call/cancel", callHandler.Cancel)
	v1.POST("/call/end", callHandler.End)

	return r
}

// requireSelf rejects tokens issued for another user. With auth disabled
// there is no caller id and every request passes.
func requireSelf(selfID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if caller := middleware.GetUserID(c); caller != "" && caller != selfID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token belongs to another user",
			})
			return
		}
		c.Next()
	}
}
