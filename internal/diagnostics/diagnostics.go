// Package diagnostics implements DiagnosticsView: a read-only snapshot of
// dispatcher throughput, task status, and agent liveness.
package diagnostics

import (
	"context"
	"time"

	v1 "github.com/orchestra/core/pkg/api/v1"

	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
)

// ServerCountReporter is implemented by event bus backends that front a
// clustered server (e.g. NATS); MemoryEventBus does not implement it, and
// View.Snapshot leaves ActiveServerCount nil in that case.
type ServerCountReporter interface {
	ActiveServerCount() int
}

// TaskCounts summarizes tasks by lifecycle bucket.
type TaskCounts struct {
	Enqueued  int `json:"enqueued"`
	Processing int `json:"processing"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// AgentHeartbeat reports one agent's liveness at snapshot time.
type AgentHeartbeat struct {
	AgentID         string        `json:"agentId"`
	Status          v1.AgentStatus `json:"status"`
	LastHeartbeatAge time.Duration `json:"lastHeartbeatAgeNanos"`
}

// Snapshot is the full DiagnosticsView payload.
type Snapshot struct {
	ActiveServerCount *int             `json:"activeServerCount,omitempty"`
	Counts            TaskCounts       `json:"counts"`
	Tasks             []*v1.Task       `json:"tasks"`
	Agents            []AgentHeartbeat `json:"agents"`
}

// View computes Snapshot on demand from the store and registry; it holds no
// state of its own.
type View struct {
	st     store.Store
	reg    *registry.Registry
	server ServerCountReporter // nil when the bus backend doesn't report one
}

// New creates a View. server may be nil.
func New(st store.Store, reg *registry.Registry, server ServerCountReporter) *View {
	return &View{st: st, reg: reg, server: server}
}

// Snapshot gathers a point-in-time read of task and agent state.
func (v *View) Snapshot(ctx context.Context) (*Snapshot, error) {
	pending, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	assigned, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusAssigned)
	if err != nil {
		return nil, err
	}
	inProgress, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusInProgress)
	if err != nil {
		return nil, err
	}
	completed, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}
	failed, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusFailed)
	if err != nil {
		return nil, err
	}
	cancelled, err := v.st.ListTasksByStatus(ctx, v1.TaskStatusCancelled)
	if err != nil {
		return nil, err
	}

	allTasks := make([]*v1.Task, 0, len(pending)+len(assigned)+len(inProgress)+len(completed)+len(failed)+len(cancelled))
	allTasks = append(allTasks, pending...)
	allTasks = append(allTasks, assigned...)
	allTasks = append(allTasks, inProgress...)
	allTasks = append(allTasks, completed...)
	allTasks = append(allTasks, failed...)
	allTasks = append(allTasks, cancelled...)

	counts := TaskCounts{
		Enqueued:   len(pending),
		Processing: len(assigned) + len(inProgress),
		Succeeded:  len(completed),
		Failed:     len(failed),
		Cancelled:  len(cancelled),
	}

	now := time.Now().UTC()
	agentsSnapshot := v.reg.Snapshot()
	agents := make([]AgentHeartbeat, 0, len(agentsSnapshot))
	for _, agent := range agentsSnapshot {
		agents = append(agents, AgentHeartbeat{
			AgentID:          agent.ID,
			Status:           agent.Status,
			LastHeartbeatAge: now.Sub(agent.LastHeartbeat),
		})
	}

	snapshot := &Snapshot{
		Counts: counts,
		Tasks:  allTasks,
		Agents: agents,
	}
	if v.server != nil {
		count := v.server.ActiveServerCount()
		snapshot.ActiveServerCount = &count
	}
	return snapshot, nil
}
