package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/service"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router
func SetupRouter(relay *service.Relay, mint *service.MintService, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(logging.Middleware(logger), gin.Recovery())

	// Create handlers
	handlers := NewSessionHandlers(relay, mint, logger)

	router.GET("/healthz", handlers.Health)

	// Public session routes
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handlers.Create)
		sessions.GET("/:id", handlers.Get)
		sessions.POST("/:id/join", handlers.Join)
	}

	// Routes requiring a ticket for the session
	member := router.Group("/sessions/:id")
	member.Use(TicketMiddleware(relay))
	{
		member.DELETE("", handlers.Disconnect)
		member.POST("/messages", handlers.Post)
		member.GET("/ws", handlers.Stream)
		member.GET("/qr", handlers.QR)
		member.POST("/mint", handlers.Mint)
	}

	return router
}
