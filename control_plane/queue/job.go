package queue

import (
	"context"
	"time"
)

// Job is a queue-level dispatch unit. Immediate and scheduled jobs carry the
// execution they were created for; recurring occurrences leave ExecutionID
// empty and get an execution when a worker picks them up.
type Job struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	ExecutionID string      `json:"execution_id,omitempty"`
	AgentID     string      `json:"agent_id"`
	Prompt      string      `json:"prompt"`
	Priority    int         `json:"priority"`
	RunAt       time.Time   `json:"run_at"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	Deferrals   int         `json:"deferrals,omitempty"`
	Repeat      *RepeatRule `json:"repeat,omitempty"`
}

// Recurring reports whether the job belongs to a cron schedule.
func (j *Job) Recurring() bool { return j.Repeat != nil }

// Options controls when and in which order a job is dispatched.
type Options struct {
	Delay    time.Duration
	Priority int
}

// Stats is a point-in-time count of jobs per state. Completed and Failed
// are cumulative.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Queue persists jobs and hands them to workers. Re-enqueueing a job id that
// is already pending replaces the pending entry.
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts Options) (string, error)
	// EnqueueCron stores the repeat rule under job.ID and schedules its next
	// occurrence. Calling it again for the same id replaces both.
	EnqueueCron(ctx context.Context, job Job, rule RepeatRule) (string, error)
	// Dequeue moves the highest-priority ready job to active. It returns
	// (nil, nil) when nothing is ready.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete and Fail finish an active job. A job with a repeat rule is
	// rescheduled for its next occurrence.
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	// Defer moves an active job back to delayed without finishing it.
	Defer(ctx context.Context, job *Job, delay time.Duration) error
	// Cancel removes every waiting, delayed and active job of the task and
	// any repeat rule. It reports whether anything was removed.
	Cancel(ctx context.Context, taskID string) (bool, error)
	// Pending reports whether jobID is waiting or delayed.
	Pending(ctx context.Context, jobID string) (bool, error)
	// RecoverActive fails every job left active by a previous process and
	// returns their ids. Repeat jobs get their next occurrence scheduled.
	// It must run before workers start dequeuing.
	RecoverActive(ctx context.Context, reason string) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

const (
	minPriority = -500
	maxPriority = 500
)

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// ExecutionJobID is the job id of an immediate or scheduled execution.
func ExecutionJobID(taskID, executionID string) string {
	return "task-" + taskID + "-exec-" + executionID
}

// RecurringJobID is the stable job id of a task's cron schedule.
func RecurringJobID(taskID string) string {
	return "recurring-task-" + taskID
}
