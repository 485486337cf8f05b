package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/notifykit/orchestrator/internal/api/handlers/notification"
)

// New builds the HTTP router for the orchestration engine.
func New(handler *notification.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/notifications")

	api.POST("/", handler.Create)
	api.POST("/bulk", handler.CreateBulk)
	api.GET("/", handler.List)
	api.GET("/:id", handler.Get)
	api.GET("/:id/status", handler.GetStatus)
	api.GET("/:id/history", handler.History)
	api.PUT("/:id/schedule", handler.Reschedule)
	api.DELETE("/:id", handler.Cancel)
	api.POST("/:id/retry", handler.Retry)
	api.POST("/:id/reset", handler.Reset)

	stats := e.Group("/api/stats")

	stats.GET("/retries", handler.RetryStats)
	stats.GET("/batches", handler.BatchStats)

	return e
}
