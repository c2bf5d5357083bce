package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

// Result carries the terminal fields of an execution.
type Result struct {
	Output     string
	Error      string
	ExitCode   *int
	TokensUsed int
	DurationMs int64
}

// Manager owns the Execution state machine:
//
//	QUEUED -> RUNNING -> COMPLETED | FAILED | TIMEOUT | CANCELLED
//	QUEUED -> CANCELLED
//
// Terminal states are final. Every transition that touches the owning task
// is written in the same transaction as the execution row.
type Manager struct {
	store store.Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		log:   logging.For("executions"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create records a QUEUED execution for taskID and marks the task QUEUED.
// It fails with ErrTaskActive if the task already has an active execution.
func (m *Manager) Create(ctx context.Context, taskID, agentID, prompt string) (*store.Execution, error) {
	return m.CreateScheduled(ctx, taskID, agentID, prompt, time.Time{})
}

// CreateScheduled is Create for an execution due at runAt. A non-recurring
// task keeps runAt as its nextRunAt so a restart can restore the delay.
// Recurring tasks keep the nextRunAt of their cron rule.
func (m *Manager) CreateScheduled(ctx context.Context, taskID, agentID, prompt string, runAt time.Time) (*store.Execution, error) {
	var created *store.Execution
	err := m.store.WithTransaction(ctx, func(tx store.Store) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return resilience.TaskNotFound(taskID)
		}
		active, err := tx.ListActiveExecutions(ctx, taskID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return fmt.Errorf("%w: %s", resilience.ErrTaskActive, active[0].ID)
		}

		exec := &store.Execution{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			AgentID:   agentID,
			Status:    store.ExecutionQueued,
			Prompt:    prompt,
			CreatedAt: m.now(),
		}
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		task.Status = store.TaskQueued
		if !runAt.IsZero() && task.ExecutionMode != store.ModeRecurring {
			due := runAt.UTC()
			task.NextRunAt = &due
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		created = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkRunning moves a QUEUED execution and its task to RUNNING.
func (m *Manager) MarkRunning(ctx context.Context, id string) (*store.Execution, error) {
	var updated *store.Execution
	err := m.store.WithTransaction(ctx, func(tx store.Store) error {
		exec, err := tx.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec == nil {
			return resilience.ExecutionNotFound(id)
		}
		if exec.Status != store.ExecutionQueued {
			return fmt.Errorf("%w: execution %s is %s", resilience.ErrInvalidTransition, id, exec.Status)
		}

		now := m.now()
		exec.Status = store.ExecutionRunning
		exec.StartedAt = &now
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}

		task, err := tx.GetTask(ctx, exec.TaskID)
		if err != nil {
			return err
		}
		if task != nil {
			task.Status = store.TaskRunning
			if err := tx.UpsertTask(ctx, task); err != nil {
				return err
			}
		}
		updated = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkTerminal finishes an execution and updates the task's status,
// lastRunAt and runCount in the same transaction. If the execution is
// already terminal nothing is written and changed is false.
func (m *Manager) MarkTerminal(ctx context.Context, id string, status store.ExecutionStatus, res Result) (exec *store.Execution, changed bool, err error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: %s is not a terminal status", resilience.ErrInvalidTransition, status)
	}

	err = m.store.WithTransaction(ctx, func(tx store.Store) error {
		current, err := tx.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return resilience.ExecutionNotFound(id)
		}
		exec = current
		if current.Status.IsTerminal() {
			return nil
		}

		now := m.now()
		current.Status = status
		current.CompletedAt = &now
		current.Error = res.Error
		current.ExitCode = res.ExitCode
		current.TokensUsed = res.TokensUsed
		current.DurationMs = res.DurationMs
		if current.DurationMs == 0 && current.StartedAt != nil {
			current.DurationMs = now.Sub(*current.StartedAt).Milliseconds()
		}
		// Streamed chunks are already in Output; a final payload only
		// replaces them when it carries more.
		if len(res.Output) > len(current.Output) {
			current.Output = res.Output
		}
		if err := tx.UpdateExecution(ctx, current); err != nil {
			return err
		}

		task, err := tx.GetTask(ctx, current.TaskID)
		if err != nil {
			return err
		}
		if task != nil {
			m.applyTerminal(task, status, now)
			if err := tx.UpsertTask(ctx, task); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		observability.ExecutionsFinished.WithLabelValues(string(status)).Inc()
		observability.ExecutionRuntimeSeconds.Observe(float64(exec.DurationMs) / 1000)
		m.log.WithFields(logrus.Fields{
			"execution_id": id,
			"task_id":      exec.TaskID,
			"status":       status,
			"duration_ms":  exec.DurationMs,
		}).Info("execution finished")
	}
	return exec, changed, nil
}

func (m *Manager) applyTerminal(task *store.Task, status store.ExecutionStatus, now time.Time) {
	task.LastRunAt = &now
	task.RunCount++
	task.NextRunAt = nil

	if task.ExecutionMode == store.ModeRecurring && status != store.ExecutionCancelled && task.CronExpression != "" {
		next, ok, err := RepeatRuleFor(task).NextRun(now)
		if err != nil {
			m.log.WithError(err).WithField("task_id", task.ID).Warn("cannot compute next run")
		}
		if ok {
			task.Status = store.TaskScheduled
			task.NextRunAt = &next
			return
		}
	}
	task.Status = TaskStatusFor(status)
}

// TaskStatusFor maps a terminal execution status to the task status.
func TaskStatusFor(status store.ExecutionStatus) store.TaskStatus {
	switch status {
	case store.ExecutionCompleted:
		return store.TaskCompleted
	case store.ExecutionCancelled:
		return store.TaskCancelled
	default:
		return store.TaskFailed
	}
}

// RepeatRuleFor builds the queue repeat rule of a recurring task.
func RepeatRuleFor(task *store.Task) queue.RepeatRule {
	return queue.RepeatRule{
		Cron:     task.CronExpression,
		Timezone: task.Timezone,
		StartAt:  task.StartDate,
		EndAt:    task.EndDate,
	}
}

// AppendOutput adds a streamed chunk. Chunks arriving after the execution
// finished are dropped.
func (m *Manager) AppendOutput(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	exec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec == nil {
		return resilience.ExecutionNotFound(id)
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	return m.store.AppendExecutionOutput(ctx, id, chunk)
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Execution, error) {
	exec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, resilience.ExecutionNotFound(id)
	}
	return exec, nil
}

// ActiveForTask returns the QUEUED or RUNNING execution of taskID, or nil.
func (m *Manager) ActiveForTask(ctx context.Context, taskID string) (*store.Execution, error) {
	active, err := m.store.ListActiveExecutions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}
