// Package httpapi exposes the orchestrator core's verb set described in
// "external interfaces" as a gin HTTP API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/errors"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/diagnostics"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// Handler holds the orchestrator core components the HTTP surface fronts.
type Handler struct {
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	st     store.Store
	hub    *clienthub.Hub
	diag   *diagnostics.View
	logger *logger.Logger
}

// NewHandler creates a Handler wired to the core's running components.
func NewHandler(reg *registry.Registry, disp *dispatcher.Dispatcher, st store.Store, hub *clienthub.Hub, diag *diagnostics.View, log *logger.Logger) *Handler {
	return &Handler{
		reg:    reg,
		disp:   disp,
		st:     st,
		hub:    hub,
		diag:   diag,
		logger: log.WithFields(zap.String("component", "http-api")),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	h.logger.Warn("request failed", zap.Error(err), zap.Int("status", status))
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}

// RegisterAgent handles POST /api/v1/agents.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput(err.Error()))
		return
	}

	agent, err := h.reg.Register(c.Request.Context(), req.ID, req.Name, req.Type, req.RepositoryPath)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agent)
}

// HeartbeatAgent handles POST /api/v1/agents/:id/heartbeat.
func (h *Handler) HeartbeatAgent(c *gin.Context) {
	id := c.Param("id")
	var req HeartbeatAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput(err.Error()))
		return
	}

	status := v1.AgentStatus(req.Status)
	if err := h.reg.Heartbeat(c.Request.Context(), id, status, req.CurrentTaskID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// EnqueueTask handles POST /api/v1/tasks.
func (h *Handler) EnqueueTask(c *gin.Context) {
	var req EnqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput(err.Error()))
		return
	}
	if len(req.Command) > v1.MaxCommandLength {
		h.respondError(c, errors.InvalidInput("command exceeds maximum length"))
		return
	}

	task := &v1.Task{
		ID:                 uuid.New().String(),
		Command:            req.Command,
		RepositoryPath:     req.RepositoryPath,
		Priority:           v1.ParsePriority(req.Priority),
		Status:             v1.TaskStatusPending,
		OriginSubscriberID: req.OriginSubscriberID,
		CreatedAt:          time.Now().UTC(),
	}

	if err := h.disp.Enqueue(c.Request.Context(), task); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"taskId": task.ID})
}

// GetState handles GET /api/v1/state.
func (h *Handler) GetState(c *gin.Context) {
	agents := h.reg.Snapshot()

	var queueSummary interface{}
	if h.diag != nil {
		snapshot, err := h.diag.Snapshot(c.Request.Context())
		if err != nil {
			h.respondError(c, err)
			return
		}
		queueSummary = snapshot.Counts
	}

	c.JSON(http.StatusOK, gin.H{
		"agents":       agents,
		"queueSummary": queueSummary,
	})
}

// GetTask handles GET /api/v1/tasks/:id.
func (h *Handler) GetTask(c *gin.Context) {
	id := c.Param("id")
	task, err := h.st.GetTask(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetDiagnostics handles GET /api/v1/diagnostics.
func (h *Handler) GetDiagnostics(c *gin.Context) {
	if h.diag == nil {
		h.respondError(c, errors.InternalError("diagnostics view not configured", nil))
		return
	}
	snapshot, err := h.diag.Snapshot(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// SendCommandToAgent handles POST /api/v1/agents/:id/command, the HTTP
// counterpart of ClientSessionHub's sendCommandToAgent for a caller that
// already holds a subscriberId from a prior websocket connect.
func (h *Handler) SendCommandToAgent(c *gin.Context) {
	agentID := c.Param("id")
	var req SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidInput(err.Error()))
		return
	}

	requestID, err := h.hub.SendCommandToAgent(c.Request.Context(), req.SubscriberID, agentID, req.Command)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": requestID})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
