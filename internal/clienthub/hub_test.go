package clienthub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

type fakeConn struct {
	status  connector.Status
	frames  []string
}

func (f *fakeConn) Status() connector.Status { return f.status }

func (f *fakeConn) Connect(ctx context.Context) error {
	f.status = connector.StatusConnected
	return nil
}

func (f *fakeConn) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- connector.OutputLine) (*v1.CommandResult, error) {
	return &v1.CommandResult{Type: "result", Result: "done"}, nil
}

func (f *fakeConn) SendControlFrame(payload string) error {
	f.frames = append(f.frames, payload)
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

func testHub(t *testing.T) (*Hub, *registry.Registry, *connector.Manager, eventbus.EventBus) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(log, 64)

	reg, err := registry.New(context.Background(), st, bus, log, 90*time.Second)
	require.NoError(t, err)

	q := queue.NewTaskQueue(0)
	conn := &fakeConn{status: connector.StatusDisconnected}
	factory := func(agentID string, spec connector.Spec) connector.Connection {
		return conn
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

	h := NewHub(bus, d, reg, conns, log)
	return h, reg, conns, bus
}

func TestHub_OnConnectAndDisconnect(t *testing.T) {
	h, _, _, _ := testHub(t)

	id, outbound := h.OnConnect()
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, h.SessionCount())

	h.OnDisconnect(id)
	assert.Equal(t, 0, h.SessionCount())

	_, stillOpen := <-outbound
	assert.False(t, stillOpen, "outbound channel should be closed on disconnect")
}

func TestHub_JoinAgentReceivesPublishedEvents(t *testing.T) {
	h, _, _, bus := testHub(t)

	id, outbound := h.OnConnect()
	defer h.OnDisconnect(id)

	require.NoError(t, h.JoinAgent(id, "a1"))

	event := eventbus.NewEvent(eventbus.KindTaskStarted, map[string]interface{}{"taskId": "t1"})
	require.NoError(t, bus.Publish("agent_a1", event))

	select {
	case received := <-outbound:
		assert.Equal(t, event.ID, received.ID)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event on outbound channel")
	}
}

func TestHub_LeaveAgentStopsForwarding(t *testing.T) {
	h, _, _, bus := testHub(t)

	id, outbound := h.OnConnect()
	defer h.OnDisconnect(id)

	require.NoError(t, h.JoinAgent(id, "a1"))
	require.NoError(t, h.LeaveAgent(id, "a1"))

	require.NoError(t, bus.Publish("agent_a1", eventbus.NewEvent(eventbus.KindTaskStarted, nil)))

	select {
	case <-outbound:
		t.Fatal("unexpected event after leaving agent group")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SendCommandToAgentRejectsUnknownSubscriber(t *testing.T) {
	h, _, _, _ := testHub(t)
	_, err := h.SendCommandToAgent(context.Background(), "missing", "a1", "do work")
	assert.Error(t, err)
}

func TestHub_SendCommandToAgentRejectsOverlongCommand(t *testing.T) {
	h, reg, _, _ := testHub(t)
	_, err := reg.Register(context.Background(), "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	id, _ := h.OnConnect()
	defer h.OnDisconnect(id)

	tooLong := strings.Repeat("x", MaxInterventionCommandLength+1)
	_, err = h.SendCommandToAgent(context.Background(), id, "a1", tooLong)
	assert.Error(t, err)
}

func TestHub_SendCommandToAgentEnqueuesTask(t *testing.T) {
	h, reg, _, _ := testHub(t)
	_, err := reg.Register(context.Background(), "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	id, _ := h.OnConnect()
	defer h.OnDisconnect(id)

	requestID, err := h.SendCommandToAgent(context.Background(), id, "a1", "do the thing")
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)
}

func TestHub_SendInterventionResponseForwardsToConnector(t *testing.T) {
	h, reg, conns, _ := testHub(t)
	_, err := reg.Register(context.Background(), "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	id, _ := h.OnConnect()
	defer h.OnDisconnect(id)

	_, err = conns.EnsureConnected(context.Background(), "a1", connector.Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)

	require.NoError(t, h.SendInterventionResponse(id, "a1", "approve"))

	conn, ok := conns.Get("a1")
	require.True(t, ok)
	fake, ok := conn.(*fakeConn)
	require.True(t, ok)
	assert.Contains(t, fake.frames, "approve")
}
