package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/common/logger"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

type fakeConnection struct {
	status      Status
	connectErr  error
	connectCalls int
}

func (f *fakeConnection) Status() Status { return f.status }

func (f *fakeConnection) Connect(ctx context.Context) error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = StatusConnected
	return nil
}

func (f *fakeConnection) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- OutputLine) (*v1.CommandResult, error) {
	return &v1.CommandResult{Type: "result", Result: "ok"}, nil
}

func (f *fakeConnection) SendControlFrame(payload string) error {
	return nil
}

func (f *fakeConnection) Disconnect() error {
	f.status = StatusDisconnected
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestManager_EnsureConnected_ReusesLiveConnection(t *testing.T) {
	fake := &fakeConnection{status: StatusDisconnected}
	calls := 0
	factory := func(agentID string, spec Spec) Connection {
		calls++
		return fake
	}
	m := NewManager(factory, testLogger(t))

	conn1, err := m.EnsureConnected(context.Background(), "a1", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)
	conn2, err := m.EnsureConnected(context.Background(), "a1", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)

	assert.Same(t, conn1, conn2)
	assert.Equal(t, 1, calls)
}

func TestManager_EnsureConnected_RespawnsAfterDisconnect(t *testing.T) {
	callCount := 0
	factory := func(agentID string, spec Spec) Connection {
		callCount++
		return &fakeConnection{status: StatusDisconnected}
	}
	m := NewManager(factory, testLogger(t))

	_, err := m.EnsureConnected(context.Background(), "a1", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)

	m.Remove("a1")

	_, err = m.EnsureConnected(context.Background(), "a1", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)

	assert.Equal(t, 2, callCount)
}

func TestManager_DisconnectAll(t *testing.T) {
	fake1 := &fakeConnection{status: StatusDisconnected}
	fake2 := &fakeConnection{status: StatusDisconnected}
	agents := map[string]*fakeConnection{"a1": fake1, "a2": fake2}
	factory := func(agentID string, spec Spec) Connection {
		return agents[agentID]
	}
	m := NewManager(factory, testLogger(t))

	_, err := m.EnsureConnected(context.Background(), "a1", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)
	_, err = m.EnsureConnected(context.Background(), "a2", Spec{ConnectorType: "claude-code"})
	require.NoError(t, err)

	m.DisconnectAll()

	assert.Equal(t, StatusDisconnected, fake1.Status())
	assert.Equal(t, StatusDisconnected, fake2.Status())
}
