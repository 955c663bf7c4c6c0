package connector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orchestra/core/internal/common/logger"
)

// Factory constructs a Connection for an agent. Production code passes a
// factory that wraps New; tests inject a fake to avoid spawning real
// processes.
type Factory func(agentID string, spec Spec) Connection

// Manager lazily connects and caches one Connection per agent, per §4.5's
// "ensure a Connected SubprocessConnector exists for the agent" contract.
type Manager struct {
	mu          sync.Mutex
	connections map[string]Connection
	factory     Factory
	logger      *logger.Logger
}

// NewManager creates a Manager that builds connections with factory.
func NewManager(factory Factory, log *logger.Logger) *Manager {
	return &Manager{
		connections: make(map[string]Connection),
		factory:     factory,
		logger:      log.WithFields(zap.String("component", "connector-manager")),
	}
}

// DefaultFactory wraps New as a Factory for production use.
func DefaultFactory(log *logger.Logger) Factory {
	return func(agentID string, spec Spec) Connection {
		return New(agentID, spec, log)
	}
}

// EnsureConnected returns the existing Connected connection for agentID, or
// spawns a new one via the factory if none exists or the prior one is no
// longer Connected.
func (m *Manager) EnsureConnected(ctx context.Context, agentID string, spec Spec) (Connection, error) {
	m.mu.Lock()
	conn, ok := m.connections[agentID]
	m.mu.Unlock()

	if ok && conn.Status() == StatusConnected {
		return conn, nil
	}

	conn = m.factory(agentID, spec)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connections[agentID] = conn
	m.mu.Unlock()

	return conn, nil
}

// Get returns the cached connection for agentID, if any.
func (m *Manager) Get(agentID string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[agentID]
	return conn, ok
}

// Remove disconnects and forgets the connection for agentID.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	conn, ok := m.connections[agentID]
	delete(m.connections, agentID)
	m.mu.Unlock()

	if ok {
		if err := conn.Disconnect(); err != nil {
			m.logger.Warn("failed to disconnect connector", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// DisconnectAll tears down every cached connection, used on shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make(map[string]Connection, len(m.connections))
	for id, c := range m.connections {
		conns[id] = c
	}
	m.connections = make(map[string]Connection)
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			m.logger.Warn("failed to disconnect connector during shutdown", zap.String("agent_id", id), zap.Error(err))
		}
	}
}
