package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra/core/internal/pathmatch"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

func newTestTask(repoPath string, priority v1.Priority) *v1.Task {
	return &v1.Task{
		ID:             uuid.New().String(),
		Command:        "echo hi",
		RepositoryPath: repoPath,
		Priority:       priority,
		Status:         v1.TaskStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestMemoryStore_ClaimNextTask_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	low := newTestTask("/r1", v1.PriorityLow)
	require.NoError(t, s.EnqueueTask(ctx, low))
	time.Sleep(time.Millisecond)
	critical := newTestTask("/r1", v1.PriorityCritical)
	require.NoError(t, s.EnqueueTask(ctx, critical))
	time.Sleep(time.Millisecond)
	normal := newTestTask("/r1", v1.PriorityNormal)
	require.NoError(t, s.EnqueueTask(ctx, normal))

	match := func(taskPath, agentPath string) bool { return pathmatch.Match(taskPath, agentPath) }

	first, err := s.ClaimNextTask(ctx, "agent-1", "/r1", match)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, critical.ID, first.ID)

	second, err := s.ClaimNextTask(ctx, "agent-1", "/r1", match)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, normal.ID, second.ID)

	third, err := s.ClaimNextTask(ctx, "agent-1", "/r1", match)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, low.ID, third.ID)
}

func TestMemoryStore_ClaimNextTask_RepositoryFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	other := newTestTask("/other-repo", v1.PriorityNormal)
	require.NoError(t, s.EnqueueTask(ctx, other))

	match := func(taskPath, agentPath string) bool { return pathmatch.Match(taskPath, agentPath) }
	task, err := s.ClaimNextTask(ctx, "agent-1", "/r1", match)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemoryStore_ClaimNextTask_EmptyRepositoryMatchesAny(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	task := newTestTask("", v1.PriorityNormal)
	require.NoError(t, s.EnqueueTask(ctx, task))

	match := func(taskPath, agentPath string) bool { return pathmatch.Match(taskPath, agentPath) }
	claimed, err := s.ClaimNextTask(ctx, "agent-1", "/r1", match)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestMemoryStore_UpdateTaskStatus_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	task := newTestTask("/r1", v1.PriorityNormal)
	require.NoError(t, s.EnqueueTask(ctx, task))

	err := s.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusCompleted, UpdateTaskFields{})
	require.Error(t, err)
}

func TestMemoryStore_Agent_SoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	agent := &v1.Agent{ID: "a1", Name: "agent-1", Type: "claude-code", Status: v1.AgentStatusIdle, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.UpsertAgent(ctx, agent))
	require.NoError(t, s.SoftDeleteAgent(ctx, "a1"))

	listed, err := s.ListAgents(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, s.UpsertAgent(ctx, agent))
	listed, err = s.ListAgents(ctx, false)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.False(t, listed[0].SoftDeleted)
}
