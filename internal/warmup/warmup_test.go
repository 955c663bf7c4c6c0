package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/common/config"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestCoordinator_RunEnqueuesOnePerConnectorType(t *testing.T) {
	log := testLogger(t)
	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(log, 64)

	reg, err := registry.New(context.Background(), st, bus, log, 90*time.Second)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "a1", "agent-one", "claude-code", "/repo/a")
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), "a2", "agent-two", "claude-code", "/repo/b")
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), "a3", "agent-three", "other-cli", "/repo/c")
	require.NoError(t, err)

	q := queue.NewTaskQueue(0)
	factory := func(agentID string, spec connector.Spec) connector.Connection {
		return &noopConn{}
	}
	conns := connector.NewManager(factory, log)

	cfg := &config.DispatcherConfig{
		HeartbeatTimeoutSeconds:   90,
		DispatcherTickIntervalMS:  10,
		MaxPendingTasks:           10000,
		PerAgentCommandTimeoutMin: 10,
		ShutdownGraceSeconds:      5,
		RetryMaxAttempts:          3,
		RetryBaseBackoffSeconds:   0,
	}
	d := dispatcher.New(cfg, reg, q, st, bus, conns, log)

	c := New(reg, d, log)
	c.Run(context.Background())

	tasks, err := st.ListTasksByStatus(context.Background(), v1.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "expected one warmup task per distinct connector type")
}

type noopConn struct {
	status connector.Status
}

func (f *noopConn) Status() connector.Status { return f.status }

func (f *noopConn) Connect(ctx context.Context) error {
	f.status = connector.StatusConnected
	return nil
}

func (f *noopConn) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- connector.OutputLine) (*v1.CommandResult, error) {
	return &v1.CommandResult{Type: "result", Result: "ok"}, nil
}

func (f *noopConn) SendControlFrame(payload string) error { return nil }

func (f *noopConn) Disconnect() error {
	f.status = connector.StatusDisconnected
	return nil
}
