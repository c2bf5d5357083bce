package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

const uniqueViolation = "23505"

// querier is the statement surface shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS mcp_servers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	server_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'WORKER',
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	supervisor_id TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL,
	prompt           TEXT NOT NULL,
	prompt_variables JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	execution_mode   TEXT NOT NULL,
	scheduled_at     TIMESTAMPTZ,
	start_date       TIMESTAMPTZ,
	end_date         TIMESTAMPTZ,
	cron_expression  TEXT NOT NULL DEFAULT '',
	timezone         TEXT NOT NULL DEFAULT '',
	timeout_ms       BIGINT NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 3,
	retry_delay_ms   BIGINT NOT NULL DEFAULT 0,
	priority         INTEGER NOT NULL DEFAULT 0,
	depends_on_ids   TEXT[] NOT NULL DEFAULT '{}',
	agent_id         TEXT NOT NULL,
	server_id        TEXT NOT NULL DEFAULT '',
	run_count        INTEGER NOT NULL DEFAULT 0,
	last_run_at      TIMESTAMPTZ,
	next_run_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_depends_on_idx ON tasks USING GIN (depends_on_ids);
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	agent_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	prompt       TEXT NOT NULL DEFAULT '',
	output       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER,
	tokens_used  INTEGER NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS executions_task_status_idx ON executions (task_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS executions_one_active_idx ON executions (task_id)
	WHERE status IN ('QUEUED', 'RUNNING');
`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool pool
	db   querier
	inTx bool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return NewPostgresStoreWithPool(p)
}

// NewPostgresStoreWithPool builds a store over an existing pool.
func NewPostgresStoreWithPool(p pool) (*PostgresStore, error) {
	if p == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &PostgresStore{pool: p, db: p}, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Ping checks that the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close closes the connection pool when the store owns a pgxpool.
func (s *PostgresStore) Close() {
	if p, ok := s.pool.(*pgxpool.Pool); ok {
		p.Close()
	}
}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	if err := fn(&PostgresStore{pool: s.pool, db: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Task Operations ---

const taskColumns = `id, user_id, title, prompt, prompt_variables, status, execution_mode,
	scheduled_at, start_date, end_date, cron_expression, timezone, timeout_ms, max_retries,
	retry_delay_ms, priority, depends_on_ids, agent_id, server_id, run_count, last_run_at,
	next_run_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t    Task
		vars []byte
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Prompt, &vars, &t.Status, &t.ExecutionMode,
		&t.ScheduledAt, &t.StartDate, &t.EndDate, &t.CronExpression, &t.Timezone, &t.TimeoutMs, &t.MaxRetries,
		&t.RetryDelayMs, &t.Priority, &t.DependsOnIDs, &t.AgentID, &t.ServerID, &t.RunCount, &t.LastRunAt,
		&t.NextRunAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.PromptVariables); err != nil {
			return nil, fmt.Errorf("task %s prompt variables: %w", t.ID, err)
		}
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// lockClause makes reads inside a transaction take the row lock, so
// read-then-write sequences on the same task or execution serialize.
func (s *PostgresStore) lockClause() string {
	if s.inTx {
		return ` FOR UPDATE`
	}
	return ""
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1` + s.lockClause()
	t, err := scanTask(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) GetTasks(ctx context.Context, ids []string) ([]*Task, error) {
	if len(ids) == 0 {
		return []*Task{}, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ANY($1) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE (cardinality($1::text[]) = 0 OR status = ANY($1)) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListDependents(ctx context.Context, taskID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE $1 = ANY(depends_on_ids) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *PostgresStore) UpsertTask(ctx context.Context, t *Task) error {
	vars, err := json.Marshal(orEmpty(t.PromptVariables))
	if err != nil {
		return fmt.Errorf("task %s prompt variables: %w", t.ID, err)
	}
	deps := t.DependsOnIDs
	if deps == nil {
		deps = []string{}
	}
	query := `
		INSERT INTO tasks (id, user_id, title, prompt, prompt_variables, status, execution_mode,
			scheduled_at, start_date, end_date, cron_expression, timezone, timeout_ms, max_retries,
			retry_delay_ms, priority, depends_on_ids, agent_id, server_id, run_count, last_run_at,
			next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			prompt = EXCLUDED.prompt,
			prompt_variables = EXCLUDED.prompt_variables,
			status = EXCLUDED.status,
			execution_mode = EXCLUDED.execution_mode,
			scheduled_at = EXCLUDED.scheduled_at,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			timeout_ms = EXCLUDED.timeout_ms,
			max_retries = EXCLUDED.max_retries,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			priority = EXCLUDED.priority,
			depends_on_ids = EXCLUDED.depends_on_ids,
			agent_id = EXCLUDED.agent_id,
			server_id = EXCLUDED.server_id,
			run_count = EXCLUDED.run_count,
			last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = NOW()
	`
	_, err = s.db.Exec(ctx, query,
		t.ID, t.UserID, t.Title, t.Prompt, vars, string(t.Status), string(t.ExecutionMode),
		t.ScheduledAt, t.StartDate, t.EndDate, t.CronExpression, t.Timezone, t.TimeoutMs, t.MaxRetries,
		t.RetryDelayMs, t.Priority, deps, t.AgentID, t.ServerID, t.RunCount, t.LastRunAt,
		t.NextRunAt,
	)
	return err
}

// --- Execution Operations ---

const executionColumns = `id, task_id, agent_id, status, prompt, output, error, exit_code,
	tokens_used, duration_ms, started_at, completed_at, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.TaskID, &e.AgentID, &e.Status, &e.Prompt, &e.Output, &e.Error, &e.ExitCode,
		&e.TokensUsed, &e.DurationMs, &e.StartedAt, &e.CompletedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectExecutions(rows pgx.Rows) ([]*Execution, error) {
	defer rows.Close()

	execs := make([]*Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO executions (id, task_id, agent_id, status, prompt, output, error, exit_code,
			tokens_used, duration_ms, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		e.ID, e.TaskID, e.AgentID, string(e.Status), e.Prompt, e.Output, e.Error, e.ExitCode,
		e.TokensUsed, e.DurationMs, e.StartedAt, e.CompletedAt, e.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "executions_one_active_idx" {
		return fmt.Errorf("%w: task %s", resilience.ErrTaskActive, e.TaskID)
	}
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1` + s.lockClause()
	e, err := scanExecution(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateExecution writes every mutable column except output, which only
// grows through AppendExecutionOutput.
func (s *PostgresStore) UpdateExecution(ctx context.Context, e *Execution) error {
	query := `
		UPDATE executions SET status = $2, prompt = $3, error = $4, exit_code = $5,
			tokens_used = $6, duration_ms = $7, started_at = $8, completed_at = $9,
			output = CASE WHEN length($10::text) > length(output) THEN $10 ELSE output END
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		e.ID, string(e.Status), e.Prompt, e.Error, e.ExitCode,
		e.TokensUsed, e.DurationMs, e.StartedAt, e.CompletedAt, e.Output,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("execution not found")
	}
	return nil
}

func (s *PostgresStore) AppendExecutionOutput(ctx context.Context, id string, chunk string) error {
	query := `UPDATE executions SET output = output || $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, chunk)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("execution not found")
	}
	return nil
}

func (s *PostgresStore) ListExecutionsByStatus(ctx context.Context, statuses ...ExecutionStatus) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE (cardinality($1::text[]) = 0 OR status = ANY($1)) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func (s *PostgresStore) ListActiveExecutions(ctx context.Context, taskID string) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE task_id = $1 AND status = ANY($2) ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, taskID, statusStrings(ActiveExecutionStatuses))
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func (s *PostgresStore) CountExecutionsByStatus(ctx context.Context) (map[ExecutionStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ExecutionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ExecutionStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Agent Operations ---

const agentColumns = `id, name, server_id, status, role, capabilities, supervisor_id, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.Name, &a.ServerID, &a.Status, &a.Role, &a.Capabilities, &a.SupervisorID, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	a, err := scanAgent(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	query := `
		INSERT INTO agents (id, name, server_id, status, role, capabilities, supervisor_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			server_id = EXCLUDED.server_id,
			status = EXCLUDED.status,
			role = EXCLUDED.role,
			capabilities = EXCLUDED.capabilities,
			supervisor_id = EXCLUDED.supervisor_id,
			updated_at = NOW()
	`
	_, err := s.db.Exec(ctx, query, a.ID, a.Name, a.ServerID, string(a.Status), string(a.Role), caps, a.SupervisorID)
	return err
}

func (s *PostgresStore) ListAgentsByStatus(ctx context.Context, statuses ...AgentStatus) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE (cardinality($1::text[]) = 0 OR status = ANY($1)) ORDER BY id`
	rows, err := s.db.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) CompareAndSetAgentStatus(ctx context.Context, id string, expected, next AgentStatus) (bool, error) {
	query := `UPDATE agents SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	tag, err := s.db.Exec(ctx, query, id, string(expected), string(next))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Server Operations ---

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.QueryRow(ctx, `SELECT id, name, url, created_at FROM mcp_servers WHERE id = $1`, id).
		Scan(&srv.ID, &srv.Name, &srv.URL, &srv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *Server) error {
	query := `
		INSERT INTO mcp_servers (id, name, url, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url
	`
	_, err := s.db.Exec(ctx, query, srv.ID, srv.Name, srv.URL)
	return err
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
