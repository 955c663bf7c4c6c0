package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appErrors "github.com/orchestra/core/internal/common/errors"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// SQLiteStore is a single-writer SQLite-backed Store engine.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath and
// initializes its schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		current_task_id TEXT,
		session_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		soft_deleted INTEGER NOT NULL DEFAULT 0,
		repository_id TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		repository_path TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
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
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	now := time.Now().UTC()
	agent.UpdatedAt = now
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, type=excluded.type, repository_path=excluded.repository_path,
			status=excluded.status, last_heartbeat=excluded.last_heartbeat,
			current_task_id=excluded.current_task_id, session_id=excluded.session_id,
			updated_at=excluded.updated_at, soft_deleted=excluded.soft_deleted,
			repository_id=excluded.repository_id
	`, agent.ID, agent.Name, agent.Type, agent.RepositoryPath, string(agent.Status), agent.LastHeartbeat,
		nullableString(agent.CurrentTaskID), nullableString(agent.SessionID), agent.CreatedAt, agent.UpdatedAt,
		boolToInt(agent.SoftDeleted), nullableString(agent.RepositoryID))
	if err != nil {
		return appErrors.StorageUnavailable("upsert agent", err)
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET soft_deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return appErrors.StorageUnavailable("soft delete agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return appErrors.NotFound("agent", id)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, includeDeleted bool) ([]*v1.Agent, error) {
	query := `SELECT id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id FROM agents`
	if !includeDeleted {
		query += ` WHERE soft_deleted = 0`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list agents", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, type, repository_path, status, last_heartbeat, current_task_id, session_id, created_at, updated_at, soft_deleted, repository_id FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, appErrors.StorageUnavailable("get agent", err)
	}
	return agent, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	var a v1.Agent
	var status string
	var currentTaskID, sessionID, repositoryID sql.NullString
	var softDeleted int
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.RepositoryPath, &status, &a.LastHeartbeat,
		&currentTaskID, &sessionID, &a.CreatedAt, &a.UpdatedAt, &softDeleted, &repositoryID); err != nil {
		return nil, err
	}
	a.Status = v1.AgentStatus(status)
	a.SoftDeleted = softDeleted != 0
	if currentTaskID.Valid {
		a.CurrentTaskID = &currentTaskID.String
	}
	if sessionID.Valid {
		a.SessionID = &sessionID.String
	}
	if repositoryID.Valid {
		a.RepositoryID = &repositoryID.String
	}
	return &a, nil
}

func scanAgents(rows *sql.Rows) ([]*v1.Agent, error) {
	var out []*v1.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *v1.Task) error {
	task.Status = v1.TaskStatusPending
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Command, task.RepositoryPath, int(task.Priority), string(task.Status), task.CreatedAt,
		nullableTime(task.StartedAt), nullableTime(task.CompletedAt), nullableString(task.AssignedAgentID),
		nullableString(task.Result), nullableString(task.ErrorMessage), nullableString(task.OriginSubscriberID),
		task.RetryCount, nullableString(task.RetryOfTaskID))
	if err != nil {
		return appErrors.StorageUnavailable("enqueue task", err)
	}
	return nil
}

// ClaimNextTask runs the select-then-update inside one transaction; with
// SQLite's single-writer connection pool (MaxOpenConns=1) no other connection
// can interleave a write.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, agentID string, agentRepositoryPath string, match RepoMatchRule) (*v1.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, appErrors.StorageUnavailable("begin claim transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC
	`, string(v1.TaskStatusPending))
	if err != nil {
		return nil, appErrors.StorageUnavailable("scan pending tasks", err)
	}

	var winner *v1.Task
	for rows.Next() {
		t, err := scanTask(rows)
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

	result, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_agent_id = ? WHERE id = ? AND status = ?`,
		string(v1.TaskStatusAssigned), agentID, winner.ID, string(v1.TaskStatusPending))
	if err != nil {
		return nil, appErrors.StorageUnavailable("claim task", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Another claimant won the race; caller should retry on next tick.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, appErrors.StorageUnavailable("commit claim", err)
	}

	winner.Status = v1.TaskStatusAssigned
	winner.AssignedAgentID = &agentID
	return winner, nil
}

func scanTask(row rowScanner) (*v1.Task, error) {
	var t v1.Task
	var priority int
	var status string
	var startedAt, completedAt sql.NullTime
	var assignedAgentID, result, errorMessage, originSubscriberID, retryOfTaskID sql.NullString
	if err := row.Scan(&t.ID, &t.Command, &t.RepositoryPath, &priority, &status, &t.CreatedAt,
		&startedAt, &completedAt, &assignedAgentID, &result, &errorMessage, &originSubscriberID,
		&t.RetryCount, &retryOfTaskID); err != nil {
		return nil, err
	}
	t.Priority = v1.Priority(priority)
	t.Status = v1.TaskStatus(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if assignedAgentID.Valid {
		t.AssignedAgentID = &assignedAgentID.String
	}
	if result.Valid {
		t.Result = &result.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	if originSubscriberID.Valid {
		t.OriginSubscriberID = &originSubscriberID.String
	}
	if retryOfTaskID.Valid {
		t.RetryOfTaskID = &retryOfTaskID.String
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, fields UpdateTaskFields) error {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !v1.CanTransitionTask(existing.Status, newStatus) {
		return appErrors.InvalidTransition(string(existing.Status), string(newStatus))
	}

	applyUpdateFields(existing, fields)
	existing.Status = newStatus

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, assigned_agent_id = ?, result = ?, error_message = ?, retry_count = ?, retry_of_task_id = ?
		WHERE id = ?
	`, string(existing.Status), nullableTime(existing.StartedAt), nullableTime(existing.CompletedAt),
		nullableString(existing.AssignedAgentID), nullableString(existing.Result), nullableString(existing.ErrorMessage),
		existing.RetryCount, nullableString(existing.RetryOfTaskID), taskID)
	if err != nil {
		return appErrors.StorageUnavailable("update task status", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE id = ?
	`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("task", taskID)
	}
	if err != nil {
		return nil, appErrors.StorageUnavailable("get task", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasksByRepository(ctx context.Context, repositoryPath string) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE repository_path = ? ORDER BY created_at ASC
	`, repositoryPath)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list tasks by repository", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, repository_path, priority, status, created_at, started_at, completed_at, assigned_agent_id, result, error_message, origin_subscriber_id, retry_count, retry_of_task_id
		FROM tasks WHERE status = ? ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, appErrors.StorageUnavailable("list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*v1.Task, error) {
	var out []*v1.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertRepository(ctx context.Context, repo *v1.Repository) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, path, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET name=excluded.name, active=excluded.active
	`, repo.ID, repo.Name, repo.Path, boolToInt(repo.Active))
	if err != nil {
		return appErrors.StorageUnavailable("upsert repository", err)
	}
	return nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*v1.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, path, active FROM repositories ORDER BY path`)
	if err != nil {
		return nil, appErrors.StorageUnavailable("list repositories", err)
	}
	defer rows.Close()

	var out []*v1.Repository
	for rows.Next() {
		var r v1.Repository
		var active int
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &active); err != nil {
			return nil, appErrors.StorageUnavailable("scan repository row", err)
		}
		r.Active = active != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
