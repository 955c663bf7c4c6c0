package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/httpmw"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/diagnostics"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	"github.com/orchestra/core/internal/transport/wsapi"
)

// NewRouter builds the gin engine exposing the orchestrator's HTTP and
// websocket surface.
func NewRouter(reg *registry.Registry, disp *dispatcher.Dispatcher, st store.Store, hub *clienthub.Hub, diag *diagnostics.View, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.RequestLogger(log), httpmw.ErrorHandler(log), httpmw.CORS())

	handler := NewHandler(reg, disp, st, hub, diag, log)
	router.GET("/health", handler.HealthCheck)

	ws := wsapi.NewServer(hub, log)
	router.GET("/ws", ws.ServeWS)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/agents", handler.RegisterAgent)
		v1.POST("/agents/:id/heartbeat", handler.HeartbeatAgent)
		v1.POST("/agents/:id/command", handler.SendCommandToAgent)
		v1.POST("/tasks", handler.EnqueueTask)
		v1.GET("/tasks/:id", handler.GetTask)
		v1.GET("/state", handler.GetState)
		v1.GET("/diagnostics", handler.GetDiagnostics)
	}

	return router
}
