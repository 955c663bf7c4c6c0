// Package registry implements the AgentRegistry: the in-memory authoritative
// view of agent presence and health.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/orchestra/core/internal/common/errors"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/pathmatch"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

const autoProvisionIDPrefix = "auto-"

// DefaultConnectorType is the connector kind used when auto-provisioning an
// agent that no caller has described.
const DefaultConnectorType = "claude-code"

// Registry is the single source of truth for agent presence and health. All
// operations serialize through one mutex over the in-memory map; StateStore
// is updated within the same call so the durable mirror never drifts from
// the authoritative in-memory view.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*v1.Agent
	store    store.Store
	eventBus eventbus.EventBus
	logger   *logger.Logger

	heartbeatTimeout time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// New creates a Registry hydrated from st.
func New(ctx context.Context, st store.Store, bus eventbus.EventBus, log *logger.Logger, heartbeatTimeout time.Duration) (*Registry, error) {
	r := &Registry{
		agents:           make(map[string]*v1.Agent),
		store:            st,
		eventBus:         bus,
		logger:           log.WithFields(zap.String("component", "registry")),
		heartbeatTimeout: heartbeatTimeout,
		stopCh:           make(chan struct{}),
	}

	agents, err := st.ListAgents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("hydrate registry: %w", err)
	}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r, nil
}

// Start launches the background heartbeat sweeper.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the background sweeper and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register is idempotent: a soft-deleted agent with the same id is
// restored; a live agent has its name/type/repositoryPath refreshed.
// Otherwise a new Agent is created with status Idle. Emits AgentRegistered.
func (r *Registry) Register(ctx context.Context, id, name, agentType, repositoryPath string) (*v1.Agent, error) {
	if id == "" {
		return nil, appErrors.InvalidInput("agent id must not be empty")
	}

	r.mu.Lock()
	now := time.Now().UTC()
	agent, existed := r.agents[id]
	if existed {
		agent.Name = name
		agent.Type = agentType
		agent.RepositoryPath = repositoryPath
		agent.Status = v1.AgentStatusIdle
		agent.LastHeartbeat = now
		agent.SoftDeleted = false
		agent.UpdatedAt = now
	} else {
		agent = &v1.Agent{
			ID:             id,
			Name:           name,
			Type:           agentType,
			RepositoryPath: repositoryPath,
			Status:         v1.AgentStatusIdle,
			LastHeartbeat:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.agents[id] = agent
	}
	snapshot := *agent
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, &snapshot); err != nil {
		return nil, err
	}

	if !existed {
		r.publish(eventbus.KindAgentRegistered, agent.ID, map[string]interface{}{
			"name": name, "type": agentType, "repositoryPath": repositoryPath,
		})
	}

	return &snapshot, nil
}

// Heartbeat updates lastHeartbeat and validates the reported status
// transition. On an illegal transition it returns InvalidTransition and
// leaves state unchanged.
func (r *Registry) Heartbeat(ctx context.Context, id string, reportedStatus v1.AgentStatus, currentTaskID *string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return appErrors.NotFound("agent", id)
	}

	if reportedStatus != agent.Status && !v1.CanTransitionAgent(agent.Status, reportedStatus) {
		from := agent.Status
		r.mu.Unlock()
		return appErrors.InvalidTransition(string(from), string(reportedStatus))
	}

	from := agent.Status
	agent.Status = reportedStatus
	agent.LastHeartbeat = time.Now().UTC()
	agent.CurrentTaskID = currentTaskID
	agent.UpdatedAt = agent.LastHeartbeat
	snapshot := *agent
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, &snapshot); err != nil {
		return err
	}

	if from != reportedStatus {
		r.publish(eventbus.KindAgentStatusChanged, id, map[string]interface{}{"from": string(from), "to": string(reportedStatus)})
		if reportedStatus == v1.AgentStatusError {
			r.publish(eventbus.KindAgentError, id, nil)
		}
		if reportedStatus == v1.AgentStatusOffline {
			r.publish(eventbus.KindAgentOffline, id, nil)
		}
	}
	return nil
}

// FindAvailableForRepository selects a candidate agent for path, preferring
// an exact repository match (per pathmatch rules), breaking ties by oldest
// lastHeartbeat. Busy agents are treated as unavailable (maxConcurrent=1 is
// the only policy implemented; see Design Notes open question #3).
func (r *Registry) FindAvailableForRepository(path string) *v1.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *v1.Agent
	var bestMatches bool
	for _, a := range r.agents {
		if a.SoftDeleted || a.Status != v1.AgentStatusIdle {
			continue
		}
		matches := path == "" || a.RepositoryPath == "" || pathmatch.Match(a.RepositoryPath, path)
		if !matches {
			continue
		}
		exact := a.RepositoryPath != "" && pathmatch.Match(a.RepositoryPath, path)

		if best == nil {
			best, bestMatches = a, exact
			continue
		}
		if exact && !bestMatches {
			best, bestMatches = a, exact
			continue
		}
		if exact == bestMatches && a.LastHeartbeat.Before(best.LastHeartbeat) {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// MarkBusy transitions an agent Idle -> Busy under the same lock used by
// FindAvailableForRepository, preventing the double-assignment race the
// dispatcher depends on.
func (r *Registry) MarkBusy(ctx context.Context, id, taskID string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return appErrors.NotFound("agent", id)
	}
	if !v1.CanTransitionAgent(agent.Status, v1.AgentStatusBusy) {
		from := agent.Status
		r.mu.Unlock()
		return appErrors.InvalidTransition(string(from), string(v1.AgentStatusBusy))
	}
	agent.Status = v1.AgentStatusBusy
	agent.CurrentTaskID = &taskID
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	return r.store.UpsertAgent(ctx, &snapshot)
}

// Provision auto-creates a new Idle agent of DefaultConnectorType when no
// available agent exists for repositoryPath. The generated id is prefixed
// `auto-`.
func (r *Registry) Provision(ctx context.Context, repositoryPath string) (*v1.Agent, error) {
	id := autoProvisionIDPrefix + uuid.New().String()[:8]
	return r.Register(ctx, id, id, DefaultConnectorType, repositoryPath)
}

// MarkOffline transitions id to Offline unless it is already Offline; it does
// not itself check heartbeat age. Called by the background sweeper for stale
// agents; safe to call directly from tests.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return appErrors.NotFound("agent", id)
	}
	if agent.Status == v1.AgentStatusOffline {
		r.mu.Unlock()
		return nil
	}
	if !v1.CanTransitionAgent(agent.Status, v1.AgentStatusOffline) {
		r.mu.Unlock()
		return nil
	}
	agent.Status = v1.AgentStatusOffline
	agent.UpdatedAt = time.Now().UTC()
	snapshot := *agent
	r.mu.Unlock()

	if err := r.store.UpsertAgent(ctx, &snapshot); err != nil {
		return err
	}
	r.publish(eventbus.KindAgentOffline, id, nil)
	return nil
}

// Get returns a copy of the current agent state, or nil if unknown.
func (r *Registry) Get(id string) *v1.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// Snapshot returns a copy of every known (non-soft-deleted) agent, ordered
// by oldest lastHeartbeat first — the order the dispatcher scans in.
func (r *Registry) Snapshot() []*v1.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*v1.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.SoftDeleted {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastHeartbeat.Before(out[j-1].LastHeartbeat); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (r *Registry) publish(kind eventbus.EventKind, agentID string, extra map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{"agentId": agentID}
	for k, v := range extra {
		data[k] = v
	}
	if err := r.eventBus.Publish("agent_"+agentID, eventbus.NewEvent(kind, data)); err != nil {
		r.logger.Warn("failed to publish registry event", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeatTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.performSweep(ctx)
		}
	}
}

func (r *Registry) performSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []string
	for id, a := range r.agents {
		if a.Status != v1.AgentStatusOffline && a.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if err := r.MarkOffline(ctx, id); err != nil {
			r.logger.Warn("failed to mark agent offline", zap.String("agent_id", id), zap.Error(err))
		}
	}
}
