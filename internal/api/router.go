package api

import (
	"net/http"

	"github.com/frostdev-ops/pma-hub/internal/api/handlers"
	"github.com/frostdev-ops/pma-hub/internal/api/middleware"
	"github.com/frostdev-ops/pma-hub/internal/websocket"
	"github.com/frostdev-ops/pma-hub/pkg/logger"
	"github.com/frostdev-ops/pma-hub/pkg/utils"
	"github.com/gin-gonic/gin"
)

// RouterDeps extends the handler dependencies with the transport pieces the
// router mounts directly.
type RouterDeps struct {
	handlers.Deps

	RequestLogger  *logger.BatchLogger
	WebSocket      *websocket.Hub
	MetricsHandler http.Handler
}

// NewRouter creates and configures the main HTTP router
func NewRouter(d RouterDeps) (*gin.Engine, *handlers.Handlers) {
	cfg := d.Config
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true

	// Global middleware
	router.Use(middleware.RecoveryMiddleware(d.Logger))
	router.Use(middleware.ErrorLoggingMiddleware(d.Logger))
	if d.RequestLogger != nil {
		router.Use(middleware.LoggingMiddleware(d.RequestLogger))
	}
	if d.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(d.Metrics))
	}
	if cfg.Security.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.Security))
	}

	router.NoRoute(func(c *gin.Context) {
		utils.SendError(c, http.StatusNotFound, "Endpoint not found")
	})
	router.NoMethod(func(c *gin.Context) {
		utils.SendError(c, http.StatusMethodNotAllowed, "Method not allowed")
	})

	h := handlers.NewHandlers(d.Deps)
	auth := middleware.AuthMiddleware(cfg.Auth)

	// Public routes
	router.GET("/health", h.Health)
	if d.MetricsHandler != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(d.MetricsHandler))
	}
	if d.WebSocket != nil {
		router.GET("/ws", auth, d.WebSocket.HandleWebSocketGin())
	}

	v1 := router.Group("/api/v1")
	v1.Use(auth)
	{
		v1.GET("/status", h.Health)

		states := v1.Group("/states")
		{
			states.GET("", h.GetStates)
			states.GET("/:entity_id", h.GetState)
			states.POST("/:entity_id", h.SetState)
			states.DELETE("/:entity_id", h.DeleteState)
		}

		v1.POST("/template", h.RenderTemplate)

		sensors := v1.Group("/template-sensors")
		{
			sensors.GET("", h.ListTemplateSensors)
			sensors.POST("", h.CreateTemplateSensor)
			sensors.GET("/:id", h.GetTemplateSensor)
			sensors.DELETE("/:id", h.DeleteTemplateSensor)
		}

		v1.GET("/tracking/stats", h.TrackingStats)

		v1.GET("/snapshot", h.ExportSnapshot)
		v1.POST("/snapshot", h.ImportSnapshot)
	}

	if d.WebSocket != nil {
		ws := d.WebSocket
		h.RegisterStats("websocket", func() interface{} { return ws.Stats() })
	}

	return router, h
}
