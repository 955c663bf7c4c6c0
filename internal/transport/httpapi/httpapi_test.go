package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/config"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/diagnostics"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

type fakeConn struct{ status connector.Status }

func (f *fakeConn) Status() connector.Status { return f.status }
func (f *fakeConn) Connect(ctx context.Context) error {
	f.status = connector.StatusConnected
	return nil
}
func (f *fakeConn) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- connector.OutputLine) (*v1.CommandResult, error) {
	return &v1.CommandResult{Type: "result", Result: "ok"}, nil
}
func (f *fakeConn) SendControlFrame(payload string) error { return nil }
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

func testRouter(t *testing.T) (http.Handler, store.Store, *registry.Registry) {
	t.Helper()
	log := testLogger(t)
	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(log, 64)

	reg, err := registry.New(context.Background(), st, bus, log, 90*time.Second)
	require.NoError(t, err)

	q := queue.NewTaskQueue(0)
	factory := func(agentID string, spec connector.Spec) connector.Connection {
		return &fakeConn{status: connector.StatusDisconnected}
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
	hub := clienthub.NewHub(bus, d, reg, conns, log)
	diag := diagnostics.New(st, reg, nil)

	return NewRouter(reg, d, st, hub, diag, log), st, reg
}

func TestRegisterAgent(t *testing.T) {
	router, _, reg := testRouter(t)

	body, _ := json.Marshal(RegisterAgentRequest{ID: "a1", Name: "agent-one", Type: "claude-code"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotNil(t, reg.Get("a1"))
}

func TestEnqueueTaskAndGetTask(t *testing.T) {
	router, st, _ := testRouter(t)

	body, _ := json.Marshal(EnqueueTaskRequest{Command: "do work", Priority: "High"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)

	task, err := st.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, v1.PriorityHigh, task.Priority)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+resp.TaskID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetStateReturnsAgents(t *testing.T) {
	router, _, reg := testRouter(t)
	_, err := reg.Register(context.Background(), "a1", "agent-one", "claude-code", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Agents []*v1.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
}

func TestEnqueueTaskRejectsOverlongCommand(t *testing.T) {
	router, _, _ := testRouter(t)

	longCommand := make([]byte, v1.MaxCommandLength+1)
	for i := range longCommand {
		longCommand[i] = 'x'
	}
	body, _ := json.Marshal(EnqueueTaskRequest{Command: string(longCommand)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
