// Package warmup implements WarmupCoordinator: a startup step that incurs
// each connector type's cold-start cost out of band, before any real task
// depends on it.
package warmup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/registry"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// noopCommand is the command text sent to warm a connector. It asks for
// nothing the agent need act on; its only purpose is to force the
// connector through its Connect/first-SendCommand path.
const noopCommand = "echo warmup"

// Coordinator runs once at startup, enqueuing one Low-priority no-op Task per
// distinct connector type that has at least one registered agent not Offline.
type Coordinator struct {
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	logger *logger.Logger
}

// New creates a Coordinator bound to reg and disp.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, log *logger.Logger) *Coordinator {
	return &Coordinator{
		reg:    reg,
		disp:   disp,
		logger: log.WithFields(zap.String("component", "warmup-coordinator")),
	}
}

// Run enqueues one warmup Task per connector type represented in the
// registry snapshot; Offline agents are skipped. A Task's enqueue failure is logged and skipped; warmup
// never retries and never blocks startup.
func (c *Coordinator) Run(ctx context.Context) {
	seenTypes := make(map[string]bool)

	for _, agent := range c.reg.Snapshot() {
		if agent.Status == v1.AgentStatusOffline {
			continue
		}
		if seenTypes[agent.Type] {
			continue
		}
		seenTypes[agent.Type] = true

		task := &v1.Task{
			ID:             uuid.New().String(),
			Command:        noopCommand,
			RepositoryPath: agent.RepositoryPath,
			Priority:       v1.PriorityLow,
			Status:         v1.TaskStatusPending,
			CreatedAt:      time.Now().UTC(),
		}

		if err := c.disp.Enqueue(ctx, task); err != nil {
			c.logger.Warn("warmup enqueue failed",
				zap.String("connector_type", agent.Type),
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}

		c.logger.Info("warmup task enqueued",
			zap.String("connector_type", agent.Type),
			zap.String("agent_id", agent.ID),
			zap.String("task_id", task.ID))
	}
}
