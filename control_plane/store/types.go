package store

import (
	"maps"
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskDraft     TaskStatus = "DRAFT"
	TaskPending   TaskStatus = "PENDING"
	TaskScheduled TaskStatus = "SCHEDULED"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsBusy reports whether the task has work in flight and must not be edited.
func (s TaskStatus) IsBusy() bool {
	return s == TaskQueued || s == TaskRunning
}

type ExecutionMode string

const (
	ModeImmediate ExecutionMode = "IMMEDIATE"
	ModeScheduled ExecutionMode = "SCHEDULED"
	ModeRecurring ExecutionMode = "RECURRING"
)

type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "QUEUED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// ActiveExecutionStatuses are the statuses counted against the
// one-active-execution-per-task rule.
var ActiveExecutionStatuses = []ExecutionStatus{ExecutionQueued, ExecutionRunning}

func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionQueued || s == ExecutionRunning
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCancelled:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentPendingValidation AgentStatus = "PENDING_VALIDATION"
	AgentActive            AgentStatus = "ACTIVE"
	AgentBusy              AgentStatus = "BUSY"
	AgentError             AgentStatus = "ERROR"
	AgentInactive          AgentStatus = "INACTIVE"
	AgentStopped           AgentStatus = "STOPPED"
)

// AgentRole places an agent in the MASTER -> SUPERVISOR -> WORKER tree.
type AgentRole string

const (
	RoleMaster     AgentRole = "MASTER"
	RoleSupervisor AgentRole = "SUPERVISOR"
	RoleWorker     AgentRole = "WORKER"
)

// Task is a user-defined unit of work executed by an agent.
type Task struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"user_id" db:"user_id"`
	Title           string            `json:"title" db:"title"`
	Prompt          string            `json:"prompt" db:"prompt"`
	PromptVariables map[string]string `json:"prompt_variables,omitempty" db:"prompt_variables"` // JSONB
	Status          TaskStatus        `json:"status" db:"status"`
	ExecutionMode   ExecutionMode     `json:"execution_mode" db:"execution_mode"`
	ScheduledAt     *time.Time        `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartDate       *time.Time        `json:"start_date,omitempty" db:"start_date"`
	EndDate         *time.Time        `json:"end_date,omitempty" db:"end_date"`
	CronExpression  string            `json:"cron_expression,omitempty" db:"cron_expression"`
	Timezone        string            `json:"timezone,omitempty" db:"timezone"`
	TimeoutMs       int64             `json:"timeout_ms" db:"timeout_ms"`
	MaxRetries      int               `json:"max_retries" db:"max_retries"`
	RetryDelayMs    int64             `json:"retry_delay_ms" db:"retry_delay_ms"`
	Priority        int               `json:"priority" db:"priority"`
	DependsOnIDs    []string          `json:"depends_on_ids" db:"depends_on_ids"` // TEXT[]
	AgentID         string            `json:"agent_id" db:"agent_id"`
	ServerID        string            `json:"server_id" db:"server_id"`
	RunCount        int               `json:"run_count" db:"run_count"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt       *time.Time        `json:"next_run_at,omitempty" db:"next_run_at"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// Timeout returns the configured per-attempt bound or def when unset.
func (t *Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// RetryLimit returns how many retries follow the first attempt. Zero is
// honored as "no retries"; only a negative value falls back to def.
func (t *Task) RetryLimit(def int) int {
	if t.MaxRetries < 0 {
		return def
	}
	return t.MaxRetries
}

// RetryDelay returns the configured base retry delay or def when unset.
func (t *Task) RetryDelay(def time.Duration) time.Duration {
	if t.RetryDelayMs <= 0 {
		return def
	}
	return time.Duration(t.RetryDelayMs) * time.Millisecond
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.PromptVariables = maps.Clone(t.PromptVariables)
	c.DependsOnIDs = slices.Clone(t.DependsOnIDs)
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.StartDate = cloneTime(t.StartDate)
	c.EndDate = cloneTime(t.EndDate)
	c.LastRunAt = cloneTime(t.LastRunAt)
	c.NextRunAt = cloneTime(t.NextRunAt)
	return &c
}

// Execution is one concrete attempt to run a Task.
type Execution struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"task_id" db:"task_id"`
	AgentID     string          `json:"agent_id" db:"agent_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	Prompt      string          `json:"prompt" db:"prompt"`
	Output      string          `json:"output" db:"output"`
	Error       string          `json:"error,omitempty" db:"error"`
	ExitCode    *int            `json:"exit_code,omitempty" db:"exit_code"`
	TokensUsed  int             `json:"tokens_used" db:"tokens_used"`
	DurationMs  int64           `json:"duration_ms" db:"duration_ms"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExitCode != nil {
		code := *e.ExitCode
		c.ExitCode = &code
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

// Agent is a remote worker identity hosted on an MCP server.
type Agent struct {
	ID           string      `json:"id" db:"id"`
	Name         string      `json:"name" db:"name"`
	ServerID     string      `json:"server_id" db:"server_id"`
	Status       AgentStatus `json:"status" db:"status"`
	Role         AgentRole   `json:"role" db:"role"`
	Capabilities []string    `json:"capabilities" db:"capabilities"`
	SupervisorID string      `json:"supervisor_id,omitempty" db:"supervisor_id"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

// Server is a remote MCP server hosting agents.
type Server struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
