package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/common/logger"
	"github.com/orchestra/core/internal/eventbus"
	"github.com/orchestra/core/internal/store"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.NewMemoryEventBus(testLogger(t), 16)
	r, err := New(context.Background(), st, bus, testLogger(t), 90*time.Second)
	require.NoError(t, err)
	return r
}

func TestRegistry_Register_IsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a1, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)
	a2, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, v1.AgentStatusIdle, a2.Status)
}

func TestRegistry_Register_RestoresSoftDeleted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)

	r.mu.Lock()
	r.agents["a1"].SoftDeleted = true
	r.mu.Unlock()

	restored, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)
	assert.False(t, restored.SoftDeleted)
}

func TestRegistry_Heartbeat_RejectsIllegalTransition(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)

	// A legal hop (Idle -> Busy) is accepted.
	err = r.Heartbeat(ctx, "a1", v1.AgentStatusBusy, nil)
	require.NoError(t, err)

	agent := r.Get("a1")
	require.NotNil(t, agent)
	assert.Equal(t, v1.AgentStatusBusy, agent.Status)

	// Busy -> Offline is legal, Offline -> Busy is not: the heartbeat is
	// rejected and the agent stays Offline.
	require.NoError(t, r.Heartbeat(ctx, "a1", v1.AgentStatusOffline, nil))
	err = r.Heartbeat(ctx, "a1", v1.AgentStatusBusy, nil)
	require.Error(t, err)
	assert.Equal(t, v1.AgentStatusOffline, r.Get("a1").Status)
}

func TestRegistry_FindAvailableForRepository_PrefersExactMatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)
	_, err = r.Register(ctx, "a2", "agent-two", "claude-code", "/r2")
	require.NoError(t, err)

	found := r.FindAvailableForRepository("/r2")
	require.NotNil(t, found)
	assert.Equal(t, "a2", found.ID)
}

func TestRegistry_FindAvailableForRepository_SkipsBusyAgents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)
	require.NoError(t, r.MarkBusy(ctx, "a1", "t1"))

	found := r.FindAvailableForRepository("/r1")
	assert.Nil(t, found)
}

func TestRegistry_MarkOffline_OnlyWhenNotAlreadyOffline(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "a1", "agent-one", "claude-code", "/r1")
	require.NoError(t, err)

	require.NoError(t, r.MarkOffline(ctx, "a1"))
	agent := r.Get("a1")
	assert.Equal(t, v1.AgentStatusOffline, agent.Status)

	// Calling again is a no-op, not an error.
	require.NoError(t, r.MarkOffline(ctx, "a1"))
}

func TestRegistry_Provision_GeneratesAutoPrefixedID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, err := r.Provision(ctx, "/r3")
	require.NoError(t, err)
	assert.Contains(t, agent.ID, autoProvisionIDPrefix)
	assert.Equal(t, "/r3", agent.RepositoryPath)
}
