package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lookup and precondition failures. These are never retried.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrServerNotFound    = errors.New("server not found")
	ErrUnauthorized      = errors.New("unauthorized")

	ErrAgentNotActive           = errors.New("agent not active")
	ErrDependenciesNotSatisfied = errors.New("dependencies not satisfied")
	ErrTaskActive               = errors.New("task already has an active execution")
	ErrTaskBusy                 = errors.New("task cannot be modified while queued or running")
	ErrSelfDependency           = errors.New("task cannot depend on itself")
	ErrDependencyCycle          = errors.New("dependency cycle detected")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrInvalidSchedule          = errors.New("invalid schedule")
	ErrOverloaded               = errors.New("scheduler is overloaded")
	ErrShuttingDown             = errors.New("scheduler is shutting down")
)

// Transient failures. These are retried by the scheduler's backoff policy.
var (
	ErrTimeout           = errors.New("operation timed out")
	ErrRemoteUnavailable = errors.New("remote agent server unavailable")
	ErrExecutionFailed   = errors.New("remote execution failed")
)

// NotFoundError carries the id of the missing record.
type NotFoundError struct {
	Kind error
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Kind }

func TaskNotFound(id string) error      { return &NotFoundError{Kind: ErrTaskNotFound, ID: id} }
func AgentNotFound(id string) error     { return &NotFoundError{Kind: ErrAgentNotFound, ID: id} }
func ExecutionNotFound(id string) error { return &NotFoundError{Kind: ErrExecutionNotFound, ID: id} }
func ServerNotFound(id string) error    { return &NotFoundError{Kind: ErrServerNotFound, ID: id} }

// AgentNotActiveError is returned when a dispatch targets an agent that is not ACTIVE.
type AgentNotActiveError struct {
	AgentID       string
	CurrentStatus string
}

func (e *AgentNotActiveError) Error() string {
	return fmt.Sprintf("agent %s is not active (status %s)", e.AgentID, e.CurrentStatus)
}

func (e *AgentNotActiveError) Unwrap() error { return ErrAgentNotActive }

// DependenciesNotSatisfiedError lists the titles of the tasks blocking execution.
type DependenciesNotSatisfiedError struct {
	TaskID    string
	BlockedBy []string
}

func (e *DependenciesNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s is blocked by: %s", e.TaskID, strings.Join(e.BlockedBy, ", "))
}

func (e *DependenciesNotSatisfiedError) Unwrap() error { return ErrDependenciesNotSatisfied }

// TimeoutError is raised when a single attempt exceeds its bound.
type TimeoutError struct {
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("attempt %d timed out after %v", e.Attempt, e.Timeout)
	}
	return fmt.Sprintf("timed out after %v", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteUnavailableError wraps the last transport failure for a server.
type RemoteUnavailableError struct {
	ServerID string
	Err      error
}

func (e *RemoteUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote server %s unavailable", e.ServerID)
	}
	return fmt.Sprintf("remote server %s unavailable: %v", e.ServerID, e.Err)
}

func (e *RemoteUnavailableError) Is(target error) bool { return target == ErrRemoteUnavailable }

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// TaskError is the user-facing failure returned by the scheduler facade.
type TaskError struct {
	TaskID string
	Phase  string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID, e.Phase, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// WrapTask annotates err with the task and phase it happened in.
func WrapTask(taskID, phase string, err error) error {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return err
	}
	return &TaskError{TaskID: taskID, Phase: phase, Err: err}
}

// IsRetryable reports whether err is a transient execution failure.
// Lookup, precondition, authorization and cancellation errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrExecutionNotFound),
		errors.Is(err, ErrServerNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrAgentNotActive),
		errors.Is(err, ErrDependenciesNotSatisfied),
		errors.Is(err, ErrInvalidTransition):
		return false
	}
	return true
}

// IsAgentMalfunction reports whether err indicates the agent side is broken
// rather than the prompt or task failing.
func IsAgentMalfunction(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}
