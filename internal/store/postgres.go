package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appErrors "github.com/orchestra/core/internal/common/errors"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// PostgresStore is a jackc/pgx/v5 connection-pool-backed Store engine,
// selected by database.driver=postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool against dsn and applies the
// schema migration.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		current_task_id TEXT,
		session_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		soft_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		repository_id TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		assigned_agent_id TEXT,
		result TEXT,
		error_message TEXT,
		origin_subscriber_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_of_task_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_repository_path ON tasks(repository_path);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	now := time.Now().UTC()
	agent.UpdatedAt = now
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, type=excluded.type, repository_path=excluded.repository_path,
			status=excluded.status, last_heartbeat=excluded.last_heartbeat,
			current_task_id=excluded.current_task_id, session_id=excluded.session_id,
			updated_at=excluded.updated_at, soft_deleted=excluded.soft_deleted,
			repository_id=excluded.repository_id
	`, agent.ID, agent.Name, agent.Type, agent.RepositoryPath, string(agent.Status), agent.LastHeartbeat,
		agent.CurrentTaskID, agent.SessionID, agent.CreatedAt, agent.UpdatedAt,
		agent.SoftDeleted, agent.RepositoryID)
	if err != nil {
		return appErrors.StorageUnavailable("upsert agent", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET soft_deleted = TRUE, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return appErrors.StorageUnavailable("soft delete agent", err)
	}
	if tag.RowsAffected() == 0 {
		return appErrors.NotFound("agent", id)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, includeDeleted bool) ([]*v1.Agent, error) {
	query := `SELECT id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id FROM agents`
	if !includeDeleted {
		query += ` WHERE soft_deleted = FALSE`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list agents", err)
	}
	defer rows.Close()

	var out []*v1.Agent
	for rows.Next() {
		a, err := scanPGAgent(rows)
		if err != nil {
			return nil, appErrors.StorageUnavailable("scan agent row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id FROM agents WHERE id = $1`, id)
	if err != nil {
		return nil, appErrors.StorageUnavailable("get agent", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, appErrors.NotFound("agent", id)
	}
	agent, err := scanPGAgent(rows)
	if err != nil {
		return nil, appErrors.StorageUnavailable("scan agent row", err)
	}
	return agent, rows.Err()
}

type pgRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPGAgent(row pgRowScanner) (*v1.Agent, error) {
	var a v1.Agent
	var status string
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.RepositoryPath, &status, &a.LastHeartbeat,
		&a.CurrentTaskID, &a.SessionID, &a.CreatedAt, &a.UpdatedAt, &a.SoftDeleted, &a.RepositoryID); err != nil {
		return nil, err
	}
	a.Status = v1.AgentStatus(status)
	return &a, nil
}

func (s *PostgresStore) EnqueueTask(ctx context.Context, task *v1.Task) error {
	task.Status = v1.TaskStatusPending
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, task.ID, task.Command, task.RepositoryPath, int(task.Priority), string(task.Status), task.CreatedAt,
		task.StartedAt, task.CompletedAt, task.AssignedAgentID,
		task.Result, task.ErrorMessage, task.OriginSubscriberID,
		task.RetryCount, task.RetryOfTaskID)
	if err != nil {
		return appErrors.StorageUnavailable("enqueue task", err)
	}
	return nil
}

// ClaimNextTask runs the select-then-update inside one transaction so a
// concurrent claimant's update either loses the row lock or the zero-rows
// affected check below, whichever the pool's isolation level surfaces first.
func (s *PostgresStore) ClaimNextTask(ctx context.Context, agentID string, agentRepositoryPath string, match RepoMatchRule) (*v1.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErrors.StorageUnavailable("begin claim transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE status = $1 ORDER BY priority DESC, created_at ASC
		FOR UPDATE
	`, string(v1.TaskStatusPending))
	if err != nil {
		return nil, appErrors.StorageUnavailable("scan pending tasks", err)
	}

	var winner *v1.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			rows.Close()
			return nil, appErrors.StorageUnavailable("scan task row", err)
		}
		if t.RepositoryPath != "" && !match(t.RepositoryPath, agentRepositoryPath) {
			continue
		}
		winner = t
		break
	}
	rows.Close()

	if winner == nil {
		return nil, nil
	}

	tag, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, assigned_agent_id = $2 WHERE id = $3 AND status = $4`,
		string(v1.TaskStatusAssigned), agentID, winner.ID, string(v1.TaskStatusPending))
	if err != nil {
		return nil, appErrors.StorageUnavailable("claim task", err)
	}
	if tag.RowsAffected() == 0 {
		// Another claimant won the race; caller should retry on next tick.
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, appErrors.StorageUnavailable("commit claim", err)
	}

	winner.Status = v1.TaskStatusAssigned
	winner.AssignedAgentID = &agentID
	return winner, nil
}

func scanPGTask(row pgRowScanner) (*v1.Task, error) {
	var t v1.Task
	var priority int
	var status string
	if err := row.Scan(&t.ID, &t.Command, &t.RepositoryPath, &priority, &status, &t.CreatedAt,
		&t.StartedAt, &t.CompletedAt, &t.AssignedAgentID, &t.Result, &t.ErrorMessage, &t.OriginSubscriberID,
		&t.RetryCount, &t.RetryOfTaskID); err != nil {
		return nil, err
	}
	t.Priority = v1.Priority(priority)
	t.Status = v1.TaskStatus(status)
	return &t, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, fields UpdateTaskFields) error {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !v1.CanTransitionTask(existing.Status, newStatus) {
		return appErrors.InvalidTransition(string(existing.Status), string(newStatus))
	}

	applyUpdateFields(existing, fields)
	existing.Status = newStatus

	_, err = s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, started_at = $2, completed_at = $3, assigned_agent_id = $4, result = $5, error_message = $6, retry_count = $7, retry_of_task_id = $8
		WHERE id = $9
	`, string(existing.Status), existing.StartedAt, existing.CompletedAt,
		existing.AssignedAgentID, existing.Result, existing.ErrorMessage,
		existing.RetryCount, existing.RetryOfTaskID, taskID)
	if err != nil {
		return appErrors.StorageUnavailable("update task status", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE id = $1
	`, taskID)
	if err != nil {
		return nil, appErrors.StorageUnavailable("get task", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, appErrors.NotFound("task", taskID)
	}
	t, err := scanPGTask(rows)
	if err != nil {
		return nil, appErrors.StorageUnavailable("scan task row", err)
	}
	return t, rows.Err()
}

func (s *PostgresStore) ListTasksByRepository(ctx context.Context, repositoryPath string) ([]*v1.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE repository_path = $1 ORDER BY created_at ASC
	`, repositoryPath)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list tasks by repository", err)
	}
	defer rows.Close()
	return scanPGTasks(rows)
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE status = $1 ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, appErrors.StorageUnavailable("list tasks by status", err)
	}
	defer rows.Close()
	return scanPGTasks(rows)
}

func scanPGTasks(rows pgx.Rows) ([]*v1.Task, error) {
	var out []*v1.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertRepository(ctx context.Context, repo *v1.Repository) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (id, name, path, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT(path) DO UPDATE SET name=excluded.name, active=excluded.active
	`, repo.ID, repo.Name, repo.Path, repo.Active)
	if err != nil {
		return appErrors.StorageUnavailable("upsert repository", err)
	}
	return nil
}

func (s *PostgresStore) ListRepositories(ctx context.Context) ([]*v1.Repository, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, path, active FROM repositories ORDER BY path`)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list repositories", err)
	}
	defer rows.Close()

	var out []*v1.Repository
	for rows.Next() {
		var r v1.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.Active); err != nil {
			return nil, appErrors.StorageUnavailable("scan repository row", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
