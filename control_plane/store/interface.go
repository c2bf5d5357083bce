package store

import (
	"context"
)

// Store is the single source of truth for Task, Execution, Agent and Server
// state. Get methods return (nil, nil) when the record does not exist.
type Store interface {
	// Task Operations
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTasks(ctx context.Context, ids []string) ([]*Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error)
	// ListDependents returns tasks whose DependsOnIDs contains taskID.
	ListDependents(ctx context.Context, taskID string) ([]*Task, error)
	UpsertTask(ctx context.Context, task *Task) error

	// Execution Operations
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	AppendExecutionOutput(ctx context.Context, id string, chunk string) error
	ListExecutionsByStatus(ctx context.Context, statuses ...ExecutionStatus) ([]*Execution, error)
	ListActiveExecutions(ctx context.Context, taskID string) ([]*Execution, error)
	CountExecutionsByStatus(ctx context.Context) (map[ExecutionStatus]int, error)

	// Agent Operations
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpsertAgent(ctx context.Context, agent *Agent) error
	ListAgentsByStatus(ctx context.Context, statuses ...AgentStatus) ([]*Agent, error)
	// CompareAndSetAgentStatus moves the agent to next only if its current
	// status is expected. It reports whether the swap happened.
	CompareAndSetAgentStatus(ctx context.Context, id string, expected, next AgentStatus) (bool, error)

	// Server Operations
	GetServer(ctx context.Context, id string) (*Server, error)
	UpsertServer(ctx context.Context, server *Server) error

	// WithTransaction runs fn against a transactional view of the store.
	// Writes made through tx become visible together when fn returns nil
	// and are discarded when it returns an error.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}
