package wsapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/clienthub"
	"github.com/orchestra/core/internal/common/config"
	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/connector"
	"github.com/orchestra/core/internal/dispatcher"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/queue"
	"github.com/orchestra/core/internal/registry"
	"github.com/orchestra/core/internal/store"
)

func testServer(t *testing.T) (*httptest.Server, *clienthub.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(log, 64)
	reg, err := registry.New(context.Background(), st, bus, log, 90*time.Second)
	require.NoError(t, err)

	q := queue.NewTaskQueue(0)
	factory := func(agentID string, spec connector.Spec) connector.Connection {
		return connector.New(agentID, spec, log)
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

	router := gin.New()
	srv := NewServer(hub, log)
	router.GET("/ws", srv.ServeWS)

	return httptest.NewServer(router), hub
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeWSCommandUnknownAgentReturnsCommandError(t *testing.T) {
	server, _ := testServer(t)
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()

	msg := inboundMessage{Action: "agent.command", AgentID: "missing-agent", Command: "do it", ClientTag: "tag-1"}
	require.NoError(t, conn.WriteJSON(msg))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack ackMessage
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, "CommandError", ack.Kind)
	require.Equal(t, "tag-1", ack.ClientTag)
	require.NotEmpty(t, ack.Error)
}

func TestServeWSSubscribeToUnknownAgentDoesNotAck(t *testing.T) {
	server, hub := testServer(t)
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()

	msg := inboundMessage{Action: "agent.subscribe", AgentID: "agent-1"}
	require.NoError(t, conn.WriteJSON(msg))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, hub.SessionCount())

	// A successful subscribe sends no acknowledgement frame.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestServeWSDisconnectRemovesSession(t *testing.T) {
	server, hub := testServer(t)

	conn := dialWS(t, server)
	require.Eventually(t, func() bool { return hub.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	server.Close()

	require.Eventually(t, func() bool { return hub.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}
