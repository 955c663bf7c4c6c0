// Package dispatcher implements the scheduling loop: it matches queued tasks
// to idle agents, drives SubprocessConnector execution, and applies the
// retry and fatal-error policies.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestra/core/internal/common/config"
	appErrors "github.com/orchestra/core/internal/common/errors"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/pathmatch"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// highPriorityWorkers and defaultWorkers size the two worker pools mapped
// from queue priority per §4.5's "distinct high-priority worker pool".
const (
	highPriorityWorkers = 2
	defaultWorkers      = 2
)

// assignment is a claimed (task, agent) pair handed from the tick loop to a
// worker pool for execution.
type assignment struct {
	task  *v1.Task
	agent *v1.Agent
}

// Dispatcher is the scheduling loop described in §4.5.
type Dispatcher struct {
	cfg      *config.DispatcherConfig
	reg      *registry.Registry
	q        *queue.TaskQueue
	st       store.Store
	bus      eventbus.EventBus
	conns    *connector.Manager
	logger   *logger.Logger

	highCh chan assignment
	lowCh  chan assignment

	stopCh chan struct{}
	wg     sync.WaitGroup

	stalledMu sync.Mutex
	stalled   bool
}

// New creates a Dispatcher wired to its collaborators.
func New(cfg *config.DispatcherConfig, reg *registry.Registry, q *queue.TaskQueue, st store.Store, bus eventbus.EventBus, conns *connector.Manager, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		reg:    reg,
		q:      q,
		st:     st,
		bus:    bus,
		conns:  conns,
		logger: log.WithFields(zap.String("component", "dispatcher")),
		highCh: make(chan assignment, 256),
		lowCh:  make(chan assignment, 256),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick-driver and worker pools.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < highPriorityWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, d.highCh)
	}
	for i := 0; i < defaultWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, d.lowCh)
	}
	d.wg.Add(1)
	go d.tickLoop(ctx)
}

// Stop drains in-flight work (bounded by shutdownGrace) then force-cancels
// remaining connectors, per §5's shutdown contract.
func (d *Dispatcher) Stop() {
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownGrace()):
		d.logger.Warn("shutdown grace period elapsed; force-cancelling connectors")
	}
	d.conns.DisconnectAll()
}

// Enqueue persists a new Pending task, adds it to the queue and publishes
// TaskEnqueued. It does not trigger a tick; the next periodic tick picks the
// task up.
func (d *Dispatcher) Enqueue(ctx context.Context, task *v1.Task) error {
	if err := d.st.EnqueueTask(ctx, task); err != nil {
		return err
	}
	if err := d.q.Enqueue(task); err != nil {
		return err
	}
	d.publish("", eventbus.KindTaskEnqueued, map[string]interface{}{"taskId": task.ID})
	return nil
}

func (d *Dispatcher) tickLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick implements §4.5 steps 1-3: snapshot idle agents oldest-heartbeat
// first, claim a matching task for each, transition and persist, then hand
// the pair to the appropriate worker pool.
func (d *Dispatcher) tick(ctx context.Context) {
	if d.isStalled() {
		return
	}

	agents := d.reg.Snapshot()
	for _, agent := range agents {
		if agent.Status != v1.AgentStatusIdle {
			continue
		}

		task := d.q.ClaimForAgent(agent)
		if task == nil {
			continue
		}

		if err := d.assignTask(ctx, task, agent); err != nil {
			d.logger.Warn("failed to assign claimed task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		pick := d.lowCh
		if task.Priority.IsHighPriorityPool() {
			pick = d.highCh
		}
		select {
		case pick <- assignment{task: task, agent: agent}:
		default:
			d.logger.Warn("worker pool channel full; assignment delayed", zap.String("task_id", task.ID))
			d.wg.Add(1)
			go func(a assignment) {
				defer d.wg.Done()
				select {
				case pick <- a:
				case <-d.stopCh:
				}
			}(assignment{task: task, agent: agent})
		}
	}

	if d.cfg.AutoProvisionOnMiss {
		d.provisionForUnmatchedTasks(ctx)
	}
}

// provisionForUnmatchedTasks implements the overview's "repository-affinity
// assignment with auto-provisioning": a queued task whose repositoryPath has
// no agent registered at all (idle, busy, or otherwise) gets a fresh Idle
// agent so the next tick can claim it, rather than waiting forever.
func (d *Dispatcher) provisionForUnmatchedTasks(ctx context.Context) {
	agents := d.reg.Snapshot()
	for _, task := range d.q.List() {
		if task.RepositoryPath == "" {
			continue
		}
		if hasAgentForRepository(agents, task.RepositoryPath) {
			continue
		}

		agent, err := d.reg.Provision(ctx, task.RepositoryPath)
		if err != nil {
			d.logger.Warn("auto-provision failed", zap.String("repository_path", task.RepositoryPath), zap.Error(err))
			continue
		}
		agents = append(agents, agent)
	}
}

func hasAgentForRepository(agents []*v1.Agent, path string) bool {
	for _, agent := range agents {
		if pathmatch.Match(agent.RepositoryPath, path) {
			return true
		}
	}
	return false
}

// assignTask transitions task Pending -> Assigned and the agent Idle -> Busy,
// persisting both under the same logical step claimForAgent already
// reserved.
func (d *Dispatcher) assignTask(ctx context.Context, task *v1.Task, agent *v1.Agent) error {
	if !v1.CanTransitionTask(task.Status, v1.TaskStatusAssigned) {
		return appErrors.InvalidTransition(string(task.Status), string(v1.TaskStatusAssigned))
	}
	task.Status = v1.TaskStatusAssigned
	task.AssignedAgentID = &agent.ID

	if err := d.st.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusAssigned, store.UpdateTaskFields{AssignedAgentID: &agent.ID}); err != nil {
		return appErrors.StorageUnavailable("failed to persist task assignment", err)
	}
	if err := d.reg.MarkBusy(ctx, agent.ID, task.ID); err != nil {
		return err
	}

	d.publish(agent.ID, eventbus.KindTaskAssigned, map[string]interface{}{"taskId": task.ID, "agentId": agent.ID})
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, ch chan assignment) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case a := <-ch:
			d.executeAssignment(ctx, a.task, a.agent)
		}
	}
}

// executeAssignment is §4.5's executeAssignment: runs the command to
// completion, persists the terminal transition, and applies retry policy on
// failure.
func (d *Dispatcher) executeAssignment(ctx context.Context, task *v1.Task, agent *v1.Agent) {
	now := time.Now().UTC()
	task.Status = v1.TaskStatusInProgress
	task.StartedAt = &now
	if err := d.st.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusInProgress, store.UpdateTaskFields{StartedAtUnixNano: ptrUnixNano(now)}); err != nil {
		d.handleStorageFailure(err)
		return
	}
	d.publish(agent.ID, eventbus.KindTaskStarted, map[string]interface{}{"taskId": task.ID})

	spec := connector.Spec{ConnectorType: agent.Type, RepositoryPath: agent.RepositoryPath}
	conn, err := d.conns.EnsureConnected(ctx, agent.ID, spec)
	if err != nil {
		d.handleConnectorSpawnFailure(ctx, task, agent, err)
		return
	}

	outputCh := make(chan connector.OutputLine, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range outputCh {
			d.publish(agent.ID, eventbus.KindOutputChunk, map[string]interface{}{"taskId": task.ID, "line": line.Text})
		}
	}()

	result, sendErr := conn.SendCommand(ctx, task.Command, d.cfg.PerAgentCommandTimeout(), outputCh)
	close(outputCh)
	<-done

	if sendErr != nil || (result != nil && result.IsError) {
		d.handleTaskFailure(ctx, task, agent, sendErr, result)
		return
	}

	d.handleTaskSuccess(ctx, task, agent, result)
}

func (d *Dispatcher) handleTaskSuccess(ctx context.Context, task *v1.Task, agent *v1.Agent, result *v1.CommandResult) {
	completedAt := time.Now().UTC()
	task.Status = v1.TaskStatusCompleted
	task.CompletedAt = &completedAt
	task.Result = &result.Result

	if err := d.st.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted, store.UpdateTaskFields{
		CompletedAtUnixNano: ptrUnixNano(completedAt),
		Result:              &result.Result,
	}); err != nil {
		d.handleStorageFailure(err)
	}

	if err := d.reg.Heartbeat(ctx, agent.ID, v1.AgentStatusIdle, nil); err != nil {
		d.logger.Warn("failed to return agent to idle after task completion", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	d.publish(agent.ID, eventbus.KindTaskCompleted, map[string]interface{}{"taskId": task.ID, "originSubscriberId": originSubscriberOrEmpty(task)})
}

func (d *Dispatcher) handleTaskFailure(ctx context.Context, task *v1.Task, agent *v1.Agent, sendErr error, result *v1.CommandResult) {
	message := "task failed"
	if sendErr != nil {
		message = sendErr.Error()
	} else if result != nil {
		message = result.Result
	}

	completedAt := time.Now().UTC()
	task.Status = v1.TaskStatusFailed
	task.CompletedAt = &completedAt
	task.ErrorMessage = &message

	if err := d.st.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusFailed, store.UpdateTaskFields{
		CompletedAtUnixNano: ptrUnixNano(completedAt),
		ErrorMessage:        &message,
	}); err != nil {
		d.handleStorageFailure(err)
	}

	if err := d.reg.Heartbeat(ctx, agent.ID, v1.AgentStatusIdle, nil); err != nil {
		d.logger.Warn("failed to return agent to idle after task failure", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	d.publish(agent.ID, eventbus.KindTaskFailed, map[string]interface{}{"taskId": task.ID, "errorMessage": message, "originSubscriberId": originSubscriberOrEmpty(task)})

	d.maybeRetry(ctx, task)
}

// maybeRetry re-enqueues a new Pending task referencing the original, with
// priority-dependent exponential backoff, up to retryMaxAttempts.
func (d *Dispatcher) maybeRetry(ctx context.Context, task *v1.Task) {
	if task.RetryCount+1 >= d.cfg.RetryMaxAttempts {
		return
	}

	backoff := d.cfg.RetryBaseBackoff() * time.Duration(1<<uint(task.RetryCount))
	if task.Priority.IsHighPriorityPool() {
		backoff /= 2
	}

	retry := &v1.Task{
		ID:             uuid.New().String(),
		Command:        task.Command,
		RepositoryPath: task.RepositoryPath,
		Priority:       task.Priority,
		Status:         v1.TaskStatusPending,
		CreatedAt:      time.Now().UTC(),
		RetryCount:     task.RetryCount + 1,
		RetryOfTaskID:  &task.ID,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(backoff):
		case <-d.stopCh:
			return
		}
		if err := d.Enqueue(ctx, retry); err != nil {
			d.logger.Warn("failed to re-enqueue retried task", zap.String("original_task_id", task.ID), zap.Error(err))
		}
	}()
}

// handleConnectorSpawnFailure implements §4.5's "connector spawn failures
// transition the agent to Error and re-queue the task once".
func (d *Dispatcher) handleConnectorSpawnFailure(ctx context.Context, task *v1.Task, agent *v1.Agent, spawnErr error) {
	d.logger.Warn("connector spawn failed", zap.String("agent_id", agent.ID), zap.Error(spawnErr))

	if err := d.reg.Heartbeat(ctx, agent.ID, v1.AgentStatusError, nil); err != nil {
		d.logger.Warn("failed to mark agent Error after spawn failure", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	if task.RetryCount == 0 {
		task.Status = v1.TaskStatusPending
		task.AssignedAgentID = nil
		task.RetryCount++
		if err := d.st.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusPending, store.UpdateTaskFields{RetryCount: &task.RetryCount}); err != nil {
			d.handleStorageFailure(err)
			return
		}
		if err := d.q.Enqueue(task); err != nil {
			d.logger.Warn("failed to re-queue task after connector spawn failure", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	d.handleTaskFailure(ctx, task, agent, spawnErr, nil)
}

// handleStorageFailure implements the StorageUnavailable fatal-error policy:
// pause dispatch for a fixed retryBaseBackoff and surface DispatcherStalled.
// The pause does not grow across repeated failures.
func (d *Dispatcher) handleStorageFailure(err error) {
	if !appErrors.IsStorageUnavailable(err) {
		d.logger.Error("persistence error", zap.Error(err))
		return
	}

	d.stalledMu.Lock()
	alreadyStalled := d.stalled
	d.stalled = true
	d.stalledMu.Unlock()

	if alreadyStalled {
		return
	}

	d.logger.Error("storage unavailable; dispatcher stalled", zap.Error(err))
	d.publish("", eventbus.KindDispatcherStalled, map[string]interface{}{"error": err.Error()})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		backoff := d.cfg.RetryBaseBackoff()
		select {
		case <-time.After(backoff):
		case <-d.stopCh:
			return
		}
		d.stalledMu.Lock()
		d.stalled = false
		d.stalledMu.Unlock()
	}()
}

func (d *Dispatcher) isStalled() bool {
	d.stalledMu.Lock()
	defer d.stalledMu.Unlock()
	return d.stalled
}

func (d *Dispatcher) publish(agentID string, kind eventbus.EventKind, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	group := "agent_" + agentID
	if agentID == "" {
		group = "dispatcher"
	}
	if err := d.bus.Publish(group, eventbus.NewEvent(kind, data)); err != nil {
		d.logger.Warn("failed to publish dispatcher event", zap.Error(err))
	}
}

func ptrUnixNano(t time.Time) *int64 {
	n := t.UnixNano()
	return &n
}

func originSubscriberOrEmpty(task *v1.Task) string {
	if task.OriginSubscriberID == nil {
		return ""
	}
	return *task.OriginSubscriberID
}
