package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/orchestra/core/pkg/api/v1"
)

func newTask(id string, priority v1.Priority, repositoryPath string, createdAt time.Time) *v1.Task {
	return &v1.Task{
		ID:             id,
		Priority:       priority,
		RepositoryPath: repositoryPath,
		Status:         v1.TaskStatusPending,
		CreatedAt:      createdAt,
	}
}

func TestTaskQueue_EnqueueRejectsDuplicate(t *testing.T) {
	q := NewTaskQueue(0)
	task := newTask("t1", v1.PriorityNormal, "", time.Now())

	require.NoError(t, q.Enqueue(task))
	err := q.Enqueue(task)
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestTaskQueue_EnqueueRejectsWhenFull(t *testing.T) {
	q := NewTaskQueue(1)
	require.NoError(t, q.Enqueue(newTask("t1", v1.PriorityNormal, "", time.Now())))

	err := q.Enqueue(newTask("t2", v1.PriorityNormal, "", time.Now()))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestTaskQueue_ClaimForAgent_PriorityOrder(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	require.NoError(t, q.Enqueue(newTask("low", v1.PriorityLow, "", base)))
	require.NoError(t, q.Enqueue(newTask("critical", v1.PriorityCritical, "", base.Add(time.Second))))
	require.NoError(t, q.Enqueue(newTask("normal", v1.PriorityNormal, "", base.Add(2*time.Second))))

	agent := &v1.Agent{ID: "a1", RepositoryPath: ""}

	first := q.ClaimForAgent(agent)
	require.NotNil(t, first)
	assert.Equal(t, "critical", first.ID)

	second := q.ClaimForAgent(agent)
	require.NotNil(t, second)
	assert.Equal(t, "normal", second.ID)

	third := q.ClaimForAgent(agent)
	require.NotNil(t, third)
	assert.Equal(t, "low", third.ID)
}

func TestTaskQueue_ClaimForAgent_FiltersByRepositoryPath(t *testing.T) {
	q := NewTaskQueue(0)
	base := time.Now()

	require.NoError(t, q.Enqueue(newTask("other-repo", v1.PriorityCritical, "/repoA", base)))
	require.NoError(t, q.Enqueue(newTask("matching-repo", v1.PriorityNormal, "/repoB", base.Add(time.Second))))

	agent := &v1.Agent{ID: "a1", RepositoryPath: "/repoB"}

	claimed := q.ClaimForAgent(agent)
	require.NotNil(t, claimed)
	assert.Equal(t, "matching-repo", claimed.ID)

	assert.True(t, q.Contains("other-repo"))
}

func TestTaskQueue_ClaimForAgent_EmptyTaskRepoMatchesAnyAgent(t *testing.T) {
	q := NewTaskQueue(0)
	require.NoError(t, q.Enqueue(newTask("wildcard", v1.PriorityNormal, "", time.Now())))

	agent := &v1.Agent{ID: "a1", RepositoryPath: "/repoC"}
	claimed := q.ClaimForAgent(agent)
	require.NotNil(t, claimed)
	assert.Equal(t, "wildcard", claimed.ID)
}

func TestTaskQueue_ClaimForAgent_NoMatchReturnsNil(t *testing.T) {
	q := NewTaskQueue(0)
	require.NoError(t, q.Enqueue(newTask("t1", v1.PriorityNormal, "/repoA", time.Now())))

	agent := &v1.Agent{ID: "a1", RepositoryPath: "/repoB"}
	assert.Nil(t, q.ClaimForAgent(agent))
	assert.Equal(t, 1, q.Len())
}

func TestTaskQueue_Remove(t *testing.T) {
	q := NewTaskQueue(0)
	require.NoError(t, q.Enqueue(newTask("t1", v1.PriorityNormal, "", time.Now())))

	assert.True(t, q.Remove("t1"))
	assert.False(t, q.Contains("t1"))
	assert.False(t, q.Remove("t1"))
}

func TestTaskQueue_IsFull(t *testing.T) {
	q := NewTaskQueue(1)
	assert.False(t, q.IsFull())
	require.NoError(t, q.Enqueue(newTask("t1", v1.PriorityNormal, "", time.Now())))
	assert.True(t, q.IsFull())
}
