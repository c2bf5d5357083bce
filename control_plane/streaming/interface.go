package streaming

import (
	"context"
	"time"
)

// Event is what subscribers and publishers receive. Timestamp is taken at
// broadcast time.
type Event struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// Publisher forwards events to an out-of-process sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}

// Topic names.
const (
	TopicAgents = "agents"
	TopicTasks  = "tasks"
)

func AgentTopic(agentID string) string   { return "agent:" + agentID }
func TaskTopic(taskID string) string     { return "task:" + taskID }
func ServerTopic(serverID string) string { return "server:" + serverID }

// ExecutionPhase is the coarse lifecycle position of an execution.
type ExecutionPhase string

const (
	PhaseStarting  ExecutionPhase = "starting"
	PhaseRunning   ExecutionPhase = "running"
	PhaseCompleted ExecutionPhase = "completed"
	PhaseFailed    ExecutionPhase = "failed"
)

// ExecutionUpdate is the payload of execution events. Kind narrows a
// running update (output, tool_call, file_change, progress, retry,
// cancelled).
type ExecutionUpdate struct {
	AgentID     string         `json:"agent_id"`
	TaskID      string         `json:"task_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Phase       ExecutionPhase `json:"phase"`
	Kind        string         `json:"kind,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	Data        interface{}    `json:"data,omitempty"`
}

// AgentStatusUpdate is the payload of agent status events.
type AgentStatusUpdate struct {
	AgentID        string `json:"agent_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
	Reason         string `json:"reason,omitempty"`
}
