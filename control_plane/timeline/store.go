package timeline

import (
	"sync"
	"time"
)

// Stages of a job.
const (
	StageQueued    = "QUEUED"
	StageDeferred  = "DEFERRED"
	StageSkipped   = "SKIPPED"
	StageStarted   = "EXEC_STARTED"
	StageRetrying  = "RETRYING"
	StageFinished  = "EXEC_FINISHED"
	StageFailed    = "FAILED"
	StageCancelled = "CANCELLED"
)

const DefaultCapacity = 1000

type JobEvent struct {
	JobID       string            `json:"job_id"`
	TaskID      string            `json:"task_id"`
	ExecutionID string            `json:"execution_id,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Stage       string            `json:"stage"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store keeps the most recent events in a ring; the oldest are evicted
// once capacity is reached.
type Store struct {
	events []JobEvent
	next   int
	full   bool
	mu     sync.RWMutex
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		events: make([]JobEvent, capacity),
	}
}

func (s *Store) Record(e JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events[s.next] = e
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
}

// ordered returns events oldest first. Caller holds the read lock.
func (s *Store) ordered() []JobEvent {
	if !s.full {
		out := make([]JobEvent, s.next)
		copy(out, s.events[:s.next])
		return out
	}
	out := make([]JobEvent, 0, len(s.events))
	out = append(out, s.events[s.next:]...)
	out = append(out, s.events[:s.next]...)
	return out
}

func (s *Store) GetEvents(jobID string) []JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []JobEvent
	for _, e := range s.ordered() {
		if e.JobID == jobID {
			results = append(results, e)
		}
	}
	return results
}

func (s *Store) GetEventsByTask(taskID string) []JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []JobEvent
	for _, e := range s.ordered() {
		if e.TaskID == taskID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the retained events, oldest first.
func (s *Store) GetAllEvents() []JobEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordered()
}
