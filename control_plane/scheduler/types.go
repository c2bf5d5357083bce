package scheduler

import (
	"time"

	"github.com/itskum47/agentforge/control_plane/queue"
)

// Config holds configuration for the scheduler.
type Config struct {
	// Concurrency is the number of jobs executed at once.
	Concurrency int // Default: 5

	// PollInterval is how often idle workers look for ready jobs.
	PollInterval time.Duration // Default: 250ms

	// Task defaults, used when the task leaves the field unset.
	DefaultMaxRetries int           // Default: 3
	DefaultRetryDelay time.Duration // Default: 60s
	DefaultTimeout    time.Duration // Default: 5 minutes

	// DependencyRecheck is how long a blocked job waits before the worker
	// looks at its dependencies again.
	DependencyRecheck time.Duration // Default: 30s

	// CircuitBreakerThreshold is the queue depth that opens the circuit.
	CircuitBreakerThreshold int // Default: 1000

	// AgentRateLimit and AgentBurst bound dispatches per agent.
	AgentRateLimit float64 // Default: 5/s
	AgentBurst     int     // Default: 5

	TimelineCapacity int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:             5,
		PollInterval:            250 * time.Millisecond,
		DefaultMaxRetries:       3,
		DefaultRetryDelay:       60 * time.Second,
		DefaultTimeout:          5 * time.Minute,
		DependencyRecheck:       30 * time.Second,
		CircuitBreakerThreshold: 1000,
		AgentRateLimit:          5,
		AgentBurst:              5,
		TimelineCapacity:        1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = d.DefaultRetryDelay
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DependencyRecheck <= 0 {
		c.DependencyRecheck = d.DependencyRecheck
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if c.AgentRateLimit <= 0 {
		c.AgentRateLimit = d.AgentRateLimit
	}
	if c.AgentBurst <= 0 {
		c.AgentBurst = d.AgentBurst
	}
	if c.TimelineCapacity <= 0 {
		c.TimelineCapacity = d.TimelineCapacity
	}
	return c
}

// ScheduleOptions controls when a scheduled execution becomes ready.
// ScheduledAt wins over Delay when both are set.
type ScheduleOptions struct {
	Delay       time.Duration
	ScheduledAt *time.Time
	Priority    int
}

// AdmissionMode controls whether new work is accepted.
type AdmissionMode int

const (
	AdmissionNormal AdmissionMode = iota
	AdmissionDrain                // Finish running, reject new
)

// String returns the string representation of AdmissionMode.
func (m AdmissionMode) String() string {
	switch m {
	case AdmissionNormal:
		return "Normal"
	case AdmissionDrain:
		return "Drain"
	default:
		return "Unknown"
	}
}

// SchedulingDecision represents a structured log entry for scheduler actions.
type SchedulingDecision struct {
	Decision string      `json:"decision"` // ENQUEUE, DISPATCH, DEPENDENCY_WAIT, RATE_LIMIT_DELAY, SKIP_ACTIVE, REJECT
	JobID    string      `json:"job_id,omitempty"`
	TaskID   string      `json:"task_id"`
	AgentID  string      `json:"agent_id,omitempty"`
	Priority int         `json:"priority"`
	DelayMS  int64       `json:"delay_ms,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Metadata interface{} `json:"metadata,omitempty"`
}

// QueueStats exposes queue counts plus worker state.
type QueueStats struct {
	queue.Stats
	ActiveWorkers       int     `json:"active_workers"`
	MaxConcurrency      int     `json:"max_concurrency"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	AdmissionMode       string  `json:"admission_mode"`
}

// TaskRef is a short reference to a task in dependency listings.
type TaskRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// DependencyInfo is the dependency view of one task.
type DependencyInfo struct {
	TaskID     string    `json:"task_id"`
	DependsOn  []TaskRef `json:"depends_on"`
	Dependents []TaskRef `json:"dependents"`
	CanExecute bool      `json:"can_execute"`
	BlockedBy  []string  `json:"blocked_by"`
}
