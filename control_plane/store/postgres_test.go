package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPostgresStoreWithPool(pool)
	require.NoError(t, err)
	return s, pool
}

func TestPostgresGetAgent(t *testing.T) {
	s, pool := newMockStore(t)
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"id", "name", "server_id", "status", "role", "capabilities", "supervisor_id", "updated_at"}).
		AddRow("a-1", "writer", "srv-1", AgentActive, RoleWorker, []string{"code"}, "a-0", updated)
	pool.ExpectQuery("SELECT id, name, server_id").WithArgs("a-1").WillReturnRows(rows)

	a, err := s.GetAgent(context.Background(), "a-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, AgentActive, a.Status)
	assert.Equal(t, []string{"code"}, a.Capabilities)
	assert.Equal(t, updated, a.UpdatedAt)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresGetTaskNotFound(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectQuery("FROM tasks WHERE id").WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	task, err := s.GetTask(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresCompareAndSetAgentStatus(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectExec("UPDATE agents SET status").WithArgs("a-1", "ACTIVE", "BUSY").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("UPDATE agents SET status").WithArgs("a-1", "ACTIVE", "BUSY").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.CompareAndSetAgentStatus(context.Background(), "a-1", AgentActive, AgentBusy)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetAgentStatus(context.Background(), "a-1", AgentActive, AgentBusy)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresAppendExecutionOutput(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectExec("UPDATE executions SET output = output").WithArgs("e-1", "chunk").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("UPDATE executions SET output = output").WithArgs("e-2", "chunk").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.AppendExecutionOutput(context.Background(), "e-1", "chunk"))
	assert.Error(t, s.AppendExecutionOutput(context.Background(), "e-2", "chunk"))
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresWithTransactionCommits(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectBegin()
	pool.ExpectExec("UPDATE executions SET status").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("INSERT INTO tasks").WithArgs(anyArgs(22)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	err := s.WithTransaction(context.Background(), func(tx Store) error {
		if err := tx.UpdateExecution(context.Background(), &Execution{ID: "e-1", Status: ExecutionCompleted}); err != nil {
			return err
		}
		return tx.UpsertTask(context.Background(), &Task{ID: "t-1", Status: TaskCompleted, RunCount: 1})
	})
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresWithTransactionRollsBack(t *testing.T) {
	s, pool := newMockStore(t)
	boom := errors.New("boom")
	pool.ExpectBegin()
	pool.ExpectExec("UPDATE executions SET status").WithArgs(anyArgs(10)...).WillReturnError(boom)
	pool.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx Store) error {
		return tx.UpdateExecution(context.Background(), &Execution{ID: "e-1", Status: ExecutionFailed})
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresCountExecutionsByStatus(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectQuery("SELECT status, COUNT").WillReturnRows(
		pgxmock.NewRows([]string{"status", "count"}).
			AddRow("QUEUED", 2).
			AddRow("FAILED", 1),
	)

	counts, err := s.CountExecutionsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ExecutionQueued])
	assert.Equal(t, 1, counts[ExecutionFailed])
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresTransactionLocksRowsItReads(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectBegin()
	pool.ExpectQuery(`FROM tasks WHERE id = \$1 FOR UPDATE`).WithArgs("t-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	pool.ExpectQuery(`FROM executions WHERE id = \$1 FOR UPDATE`).WithArgs("e-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	pool.ExpectCommit()

	err := s.WithTransaction(context.Background(), func(tx Store) error {
		task, err := tx.GetTask(context.Background(), "t-1")
		if err != nil {
			return err
		}
		assert.Nil(t, task)
		exec, err := tx.GetExecution(context.Background(), "e-1")
		assert.Nil(t, exec)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresSecondActiveExecutionIsTaskActive(t *testing.T) {
	s, pool := newMockStore(t)
	pool.ExpectExec("INSERT INTO executions").WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "executions_one_active_idx"})
	pool.ExpectExec("INSERT INTO executions").WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "executions_pkey"})

	err := s.CreateExecution(context.Background(), &Execution{ID: "e-2", TaskID: "t-1", Status: ExecutionQueued})
	require.ErrorIs(t, err, resilience.ErrTaskActive)

	err = s.CreateExecution(context.Background(), &Execution{ID: "e-1", TaskID: "t-1", Status: ExecutionQueued})
	require.Error(t, err)
	assert.False(t, errors.Is(err, resilience.ErrTaskActive))
	assert.NoError(t, pool.ExpectationsWereMet())
}

// anyArgs returns n pgxmock.AnyArg matchers; pgxmock v4 rejects calls whose
// argument count differs from the expectation's WithArgs list.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}
