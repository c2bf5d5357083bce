package incident

import (
	"context"
	"time"

	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/timeline"
)

// IncidentReport is the context gathered around one execution for debugging.
type IncidentReport struct {
	ExecutionID string              `json:"execution_id"`
	Execution   *store.Execution    `json:"execution"`
	Task        *store.Task         `json:"task"`
	Agent       *store.Agent        `json:"agent"`
	Events      []timeline.JobEvent `json:"events"`
	CapturedAt  time.Time           `json:"captured_at"`
	Analysis    string              `json:"analysis,omitempty"`
}

// StoreInterface defines dependencies needed for capture.
type StoreInterface interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// TimelineInterface defines timeline dependencies.
type TimelineInterface interface {
	GetEventsByTask(taskID string) []timeline.JobEvent
}

// CaptureIncident gathers the execution, its task and agent, and the
// timeline events recorded for it. It returns (nil, nil) when the
// execution does not exist.
func CaptureIncident(ctx context.Context, s StoreInterface, tl TimelineInterface, executionID string) (*IncidentReport, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}

	task, err := s.GetTask(ctx, exec.TaskID)
	if err != nil {
		return nil, err
	}
	agent, err := s.GetAgent(ctx, exec.AgentID)
	if err != nil {
		return nil, err
	}

	// Recurring jobs share one job id across executions, so filter on the
	// execution rather than the job.
	var events []timeline.JobEvent
	for _, ev := range tl.GetEventsByTask(exec.TaskID) {
		if ev.ExecutionID == executionID {
			events = append(events, ev)
		}
	}

	return &IncidentReport{
		ExecutionID: executionID,
		Execution:   exec,
		Task:        task,
		Agent:       agent,
		Events:      events,
		CapturedAt:  time.Now(),
		Analysis:    analyze(exec, agent, events),
	}, nil
}

func analyze(exec *store.Execution, agent *store.Agent, events []timeline.JobEvent) string {
	retries := 0
	for _, ev := range events {
		if ev.Stage == timeline.StageRetrying {
			retries++
		}
	}

	switch exec.Status {
	case store.ExecutionCompleted:
		if retries > 0 {
			return "completed after retries"
		}
		return ""
	case store.ExecutionTimeout:
		return "execution exceeded its timeout"
	case store.ExecutionCancelled:
		return "cancelled by request"
	case store.ExecutionFailed:
		if agent != nil && agent.Status == store.AgentError {
			return "remote server unavailable; agent moved to ERROR"
		}
		if retries > 0 {
			return "failed after exhausting retries"
		}
		return "failed without retry"
	default:
		return "execution still in progress"
	}
}
