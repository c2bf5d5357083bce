package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "t-1", Title: "one", DependsOnIDs: []string{"t-0"}}))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	got.DependsOnIDs[0] = "mutated"
	got.Title = "mutated"

	again, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "one", again.Title)
	assert.Equal(t, []string{"t-0"}, again.DependsOnIDs)

	missing, err := s.GetTask(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStoreListDependents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "b"}))
	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "a", DependsOnIDs: []string{"b"}}))
	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "c", DependsOnIDs: []string{"x", "b"}}))
	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "d", DependsOnIDs: []string{"x"}}))

	deps, err := s.ListDependents(ctx, "b")
	require.NoError(t, err)
	ids := make([]string, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestMemoryStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertTask(ctx, &Task{ID: "t-1", Status: TaskQueued}))
	require.NoError(t, s.CreateExecution(ctx, &Execution{ID: "e-1", TaskID: "t-1", Status: ExecutionRunning}))

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, func(tx Store) error {
		task, _ := tx.GetTask(ctx, "t-1")
		task.Status = TaskCompleted
		require.NoError(t, tx.UpsertTask(ctx, task))

		exec, _ := tx.GetExecution(ctx, "e-1")
		exec.Status = ExecutionCompleted
		require.NoError(t, tx.UpdateExecution(ctx, exec))
		return boom
	})
	require.ErrorIs(t, err, boom)

	task, _ := s.GetTask(ctx, "t-1")
	exec, _ := s.GetExecution(ctx, "e-1")
	assert.Equal(t, TaskQueued, task.Status)
	assert.Equal(t, ExecutionRunning, exec.Status)

	err = s.WithTransaction(ctx, func(tx Store) error {
		exec, _ := tx.GetExecution(ctx, "e-1")
		exec.Status = ExecutionCompleted
		return tx.UpdateExecution(ctx, exec)
	})
	require.NoError(t, err)
	exec, _ = s.GetExecution(ctx, "e-1")
	assert.Equal(t, ExecutionCompleted, exec.Status)
}

func TestMemoryStoreCompareAndSetAgentStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "a-1", Status: AgentActive}))

	ok, err := s.CompareAndSetAgentStatus(ctx, "a-1", AgentActive, AgentBusy)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetAgentStatus(ctx, "a-1", AgentActive, AgentBusy)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CompareAndSetAgentStatus(ctx, "missing", AgentActive, AgentBusy)
	assert.Error(t, err)
}

func TestMemoryStoreExecutionQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateExecution(ctx, &Execution{ID: "e-1", TaskID: "t-1", Status: ExecutionQueued}))
	require.NoError(t, s.CreateExecution(ctx, &Execution{ID: "e-2", TaskID: "t-1", Status: ExecutionCompleted}))
	require.NoError(t, s.CreateExecution(ctx, &Execution{ID: "e-3", TaskID: "t-2", Status: ExecutionRunning}))
	assert.Error(t, s.CreateExecution(ctx, &Execution{ID: "e-1", TaskID: "t-1"}))
	err := s.CreateExecution(ctx, &Execution{ID: "e-4", TaskID: "t-1", Status: ExecutionRunning})
	assert.ErrorIs(t, err, resilience.ErrTaskActive)

	active, err := s.ListActiveExecutions(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "e-1", active[0].ID)

	running, err := s.ListExecutionsByStatus(ctx, ExecutionRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "e-3", running[0].ID)

	counts, err := s.CountExecutionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ExecutionQueued])
	assert.Equal(t, 1, counts[ExecutionCompleted])
	assert.Equal(t, 1, counts[ExecutionRunning])

	require.NoError(t, s.AppendExecutionOutput(ctx, "e-3", "hello "))
	require.NoError(t, s.AppendExecutionOutput(ctx, "e-3", "world"))
	e3, _ := s.GetExecution(ctx, "e-3")
	assert.Equal(t, "hello world", e3.Output)
}
