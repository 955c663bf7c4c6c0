package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/common/config"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

type fakeConn struct {
	status      connector.Status
	resultFn    func(commandText string) (*v1.CommandResult, error)
}

func (f *fakeConn) Status() connector.Status { return f.status }

func (f *fakeConn) Connect(ctx context.Context) error {
	f.status = connector.StatusConnected
	return nil
}

func (f *fakeConn) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- connector.OutputLine) (*v1.CommandResult, error) {
	if outputCh != nil {
		outputCh <- connector.OutputLine{Text: "working..."}
	}
	return f.resultFn(commandText)
}

func (f *fakeConn) SendControlFrame(payload string) error {
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.status = connector.StatusDisconnected
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func testDispatcher(t *testing.T, resultFn func(commandText string) (*v1.CommandResult, error)) (*Dispatcher, *registry.Registry, store.Store) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(log, 64)

	reg, err := registry.New(context.Background(), st, bus, log, 90*time.Second)
	require.NoError(t, err)

	q := queue.NewTaskQueue(0)
	factory := func(agentID string, spec connector.Spec) connector.Connection {
		return &fakeConn{status: connector.StatusDisconnected, resultFn: resultFn}
	}
	conns := connector.NewManager(factory, log)

	cfg := &config.DispatcherConfig{
		HeartbeatTimeoutSeconds:   90,
		DispatcherTickIntervalMS: 10,
		MaxPendingTasks:          10000,
		PerAgentCommandTimeoutMin: 10,
		ShutdownGraceSeconds:     5,
		RetryMaxAttempts:         3,
		RetryBaseBackoffSeconds:  0,
	}

	d := New(cfg, reg, q, st, bus, conns, log)
	return d, reg, st
}

func waitForTaskStatus(t *testing.T, st store.Store, taskID string, status v1.TaskStatus, timeout time.Duration) *v1.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, status)
	return nil
}

func TestDispatcher_SuccessfulTaskCompletes(t *testing.T) {
	d, reg, st := testDispatcher(t, func(commandText string) (*v1.CommandResult, error) {
		return &v1.CommandResult{Type: "result", Result: "done"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Register(ctx, "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()

	task := &v1.Task{ID: uuid.New().String(), Command: "do work", Priority: v1.PriorityNormal, Status: v1.TaskStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(ctx, task))

	completed := waitForTaskStatus(t, st, task.ID, v1.TaskStatusCompleted, 2*time.Second)
	assert.NotNil(t, completed.Result)
	assert.Equal(t, "done", *completed.Result)

	agent := reg.Get("a1")
	require.NotNil(t, agent)
	assert.Equal(t, v1.AgentStatusIdle, agent.Status)
}

func TestDispatcher_FailedTaskRetriesThenStops(t *testing.T) {
	d, reg, st := testDispatcher(t, func(commandText string) (*v1.CommandResult, error) {
		return &v1.CommandResult{Type: "result", IsError: true, Result: "boom"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Register(ctx, "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	d.Start(ctx)
	defer d.Stop()

	task := &v1.Task{ID: uuid.New().String(), Command: "do work", Priority: v1.PriorityNormal, Status: v1.TaskStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, d.Enqueue(ctx, task))

	failed := waitForTaskStatus(t, st, task.ID, v1.TaskStatusFailed, 2*time.Second)
	assert.NotNil(t, failed.ErrorMessage)

	// A retry task referencing the original should eventually appear and
	// itself fail (resultFn always errors), exhausting retryMaxAttempts.
	deadline := time.Now().Add(2 * time.Second)
	var sawRetry bool
	for time.Now().Before(deadline) {
		tasks, err := st.ListTasksByStatus(context.Background(), v1.TaskStatusFailed)
		require.NoError(t, err)
		for _, tk := range tasks {
			if tk.RetryOfTaskID != nil && *tk.RetryOfTaskID == task.ID {
				sawRetry = true
			}
		}
		if sawRetry {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, sawRetry, "expected a retried task referencing the original to appear")

	// Three attempts in total (the original plus two retries) fail, then no
	// further retry is made.
	require.Eventually(t, func() bool {
		tasks, err := st.ListTasksByStatus(context.Background(), v1.TaskStatusFailed)
		return err == nil && len(tasks) == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	tasks, err := st.ListTasksByStatus(context.Background(), v1.TaskStatusFailed)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}
