// Package store defines the durable persistence contract for agents, tasks,
// and repositories (the StateStore), plus engines that satisfy it.
package store

import (
	"context"

	v1 "github.com/orchestra/core/pkg/api/v1"
)

// RepoMatchRule selects which tasks a claim is allowed to pick up for a
// given agent's repository path. See internal/pathmatch for the comparison
// rule it is built on.
type RepoMatchRule func(taskRepositoryPath, agentRepositoryPath string) bool

// Store is the durable persistence surface required by the dispatcher core.
// Any engine (embedded, SQL, KV) that satisfies it is acceptable.
type Store interface {
	// UpsertAgent inserts or updates an agent by id, bumping UpdatedAt.
	UpsertAgent(ctx context.Context, agent *v1.Agent) error
	// SoftDeleteAgent tombstones an agent; a later UpsertAgent with the same
	// id restores it.
	SoftDeleteAgent(ctx context.Context, id string) error
	// ListAgents returns a consistent snapshot, optionally including
	// soft-deleted agents.
	ListAgents(ctx context.Context, includeDeleted bool) ([]*v1.Agent, error)
	// GetAgent returns a single agent by id.
	GetAgent(ctx context.Context, id string) (*v1.Agent, error)

	// EnqueueTask inserts a task with status Pending.
	EnqueueTask(ctx context.Context, task *v1.Task) error
	// ClaimNextTask atomically selects the oldest highest-priority Pending
	// task matching the repository constraint and marks it Assigned to
	// agentID. Returns nil, nil when nothing matches.
	ClaimNextTask(ctx context.Context, agentID string, agentRepositoryPath string, match RepoMatchRule) (*v1.Task, error)
	// UpdateTaskStatus transitions a task, rejecting illegal transitions as
	// defense in depth (primary enforcement lives in the dispatcher).
	UpdateTaskStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, fields UpdateTaskFields) error
	// GetTask returns a single task by id.
	GetTask(ctx context.Context, taskID string) (*v1.Task, error)
	// ListTasksByRepository returns all tasks recorded against a repository path.
	ListTasksByRepository(ctx context.Context, repositoryPath string) ([]*v1.Task, error)
	// ListTasksByStatus returns all tasks currently in the given status.
	ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error)

	// UpsertRepository inserts or updates a repository record by path.
	UpsertRepository(ctx context.Context, repo *v1.Repository) error
	// ListRepositories returns all known repositories.
	ListRepositories(ctx context.Context) ([]*v1.Repository, error)

	// Close releases any held connections/resources.
	Close() error
}

// UpdateTaskFields carries the optional fields an UpdateTaskStatus call may
// set alongside the new status. Zero-value pointers are left untouched.
type UpdateTaskFields struct {
	StartedAtUnixNano   *int64
	CompletedAtUnixNano *int64
	AssignedAgentID     *string
	Result              *string
	ErrorMessage        *string
	RetryCount          *int
	RetryOfTaskID       *string
}
