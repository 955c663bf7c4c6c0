package store

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/orchestra/core/pkg/api/v1"

	appErrors "github.com/orchestra/core/internal/common/errors"
)

// MemoryStore is a mutex-protected in-memory Store engine, used by tests and,
// with database.driver set to "memory", for zero-dependency local runs.
type MemoryStore struct {
	mu           sync.Mutex
	agents       map[string]*v1.Agent
	tasks        map[string]*v1.Task
	repositories map[string]*v1.Repository
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*v1.Agent),
		tasks:        make(map[string]*v1.Task),
		repositories: make(map[string]*v1.Repository),
	}
}

func (s *MemoryStore) UpsertAgent(_ context.Context, agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *agent
	cp.UpdatedAt = time.Now().UTC()
	s.agents[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) SoftDeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return appErrors.NotFound("agent", id)
	}
	agent.SoftDeleted = true
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context, includeDeleted bool) ([]*v1.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.SoftDeleted && !includeDeleted {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*v1.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, appErrors.NotFound("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) EnqueueTask(_ context.Context, task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	cp.Status = v1.TaskStatusPending
	s.tasks[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimNextTask(_ context.Context, agentID string, agentRepositoryPath string, match RepoMatchRule) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*v1.Task
	for _, t := range s.tasks {
		if t.Status != v1.TaskStatusPending {
			continue
		}
		if t.RepositoryPath != "" && !match(t.RepositoryPath, agentRepositoryPath) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	winner := candidates[0]
	winner.Status = v1.TaskStatusAssigned
	winner.AssignedAgentID = &agentID
	cp := *winner
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, newStatus v1.TaskStatus, fields UpdateTaskFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return appErrors.NotFound("task", taskID)
	}
	if !v1.CanTransitionTask(task.Status, newStatus) {
		return appErrors.InvalidTransition(string(task.Status), string(newStatus))
	}
	task.Status = newStatus
	applyUpdateFields(task, fields)
	return nil
}

func applyUpdateFields(task *v1.Task, fields UpdateTaskFields) {
	if fields.StartedAtUnixNano != nil {
		t := time.Unix(0, *fields.StartedAtUnixNano).UTC()
		task.StartedAt = &t
	}
	if fields.CompletedAtUnixNano != nil {
		t := time.Unix(0, *fields.CompletedAtUnixNano).UTC()
		task.CompletedAt = &t
	}
	if fields.AssignedAgentID != nil {
		task.AssignedAgentID = fields.AssignedAgentID
	}
	if fields.Result != nil {
		task.Result = fields.Result
	}
	if fields.ErrorMessage != nil {
		task.ErrorMessage = fields.ErrorMessage
	}
	if fields.RetryCount != nil {
		task.RetryCount = *fields.RetryCount
	}
	if fields.RetryOfTaskID != nil {
		task.RetryOfTaskID = fields.RetryOfTaskID
	}
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, appErrors.NotFound("task", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByRepository(_ context.Context, repositoryPath string) ([]*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*v1.Task
	for _, t := range s.tasks {
		if t.RepositoryPath == repositoryPath {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListTasksByStatus(_ context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*v1.Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertRepository(_ context.Context, repo *v1.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *repo
	s.repositories[cp.Path] = &cp
	return nil
}

func (s *MemoryStore) ListRepositories(_ context.Context) ([]*v1.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*v1.Repository, 0, len(s.repositories))
	for _, r := range s.repositories {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
