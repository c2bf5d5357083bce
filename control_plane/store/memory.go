package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

type memoryData struct {
	tasks      map[string]*Task
	executions map[string]*Execution
	agents     map[string]*Agent
	servers    map[string]*Server
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		tasks:      make(map[string]*Task, len(d.tasks)),
		executions: make(map[string]*Execution, len(d.executions)),
		agents:     make(map[string]*Agent, len(d.agents)),
		servers:    maps.Clone(d.servers),
	}
	for k, v := range d.tasks {
		c.tasks[k] = v.Clone()
	}
	for k, v := range d.executions {
		c.executions[k] = v.Clone()
	}
	for k, v := range d.agents {
		c.agents[k] = v.Clone()
	}
	return c
}

// MemoryStore holds tasks, executions, agents and servers in memory.
// It implements the Store interface.
type MemoryStore struct {
	mu   *sync.RWMutex
	data *memoryData
	inTx bool // the transaction owner already holds mu
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		data: &memoryData{
			tasks:      make(map[string]*Task),
			executions: make(map[string]*Execution),
			agents:     make(map[string]*Agent),
			servers:    make(map[string]*Server),
		},
	}
}

func (s *MemoryStore) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *MemoryStore) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

func (s *MemoryStore) rlock() {
	if !s.inTx {
		s.mu.RLock()
	}
}

func (s *MemoryStore) runlock() {
	if !s.inTx {
		s.mu.RUnlock()
	}
}

// WithTransaction holds the store lock for the duration of fn and restores
// the pre-transaction snapshot if fn fails.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	tx := &MemoryStore{mu: s.mu, data: s.data, inTx: true}
	if err := fn(tx); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

// --- Task Operations ---

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.rlock()
	defer s.runlock()
	return s.data.tasks[id].Clone(), nil
}

func (s *MemoryStore) GetTasks(ctx context.Context, ids []string) ([]*Task, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.data.tasks[id]; ok {
			result = append(result, t.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Task, 0)
	for _, t := range s.data.tasks {
		if len(statuses) == 0 || slices.Contains(statuses, t.Status) {
			result = append(result, t.Clone())
		}
	}
	sortTasks(result)
	return result, nil
}

func (s *MemoryStore) ListDependents(ctx context.Context, taskID string) ([]*Task, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Task, 0)
	for _, t := range s.data.tasks {
		if slices.Contains(t.DependsOnIDs, taskID) {
			result = append(result, t.Clone())
		}
	}
	sortTasks(result)
	return result, nil
}

func (s *MemoryStore) UpsertTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	s.lock()
	defer s.unlock()

	now := time.Now().UTC()
	if existing, ok := s.data.tasks[task.ID]; ok {
		task.CreatedAt = existing.CreatedAt
	} else if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.data.tasks[task.ID] = task.Clone()
	return nil
}

// --- Execution Operations ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		return errors.New("execution id is required")
	}
	s.lock()
	defer s.unlock()

	if _, exists := s.data.executions[exec.ID]; exists {
		return errors.New("execution already exists")
	}
	if exec.Status.IsActive() {
		for _, other := range s.data.executions {
			if other.TaskID == exec.TaskID && other.Status.IsActive() {
				return fmt.Errorf("%w: task %s", resilience.ErrTaskActive, exec.TaskID)
			}
		}
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	s.data.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.rlock()
	defer s.runlock()
	return s.data.executions[id].Clone(), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	s.lock()
	defer s.unlock()

	if _, ok := s.data.executions[exec.ID]; !ok {
		return errors.New("execution not found")
	}
	s.data.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) AppendExecutionOutput(ctx context.Context, id string, chunk string) error {
	s.lock()
	defer s.unlock()

	e, ok := s.data.executions[id]
	if !ok {
		return errors.New("execution not found")
	}
	var b strings.Builder
	b.Grow(len(e.Output) + len(chunk))
	b.WriteString(e.Output)
	b.WriteString(chunk)
	e.Output = b.String()
	return nil
}

func (s *MemoryStore) ListExecutionsByStatus(ctx context.Context, statuses ...ExecutionStatus) ([]*Execution, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Execution, 0)
	for _, e := range s.data.executions {
		if len(statuses) == 0 || slices.Contains(statuses, e.Status) {
			result = append(result, e.Clone())
		}
	}
	sortExecutions(result)
	return result, nil
}

func (s *MemoryStore) ListActiveExecutions(ctx context.Context, taskID string) ([]*Execution, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Execution, 0)
	for _, e := range s.data.executions {
		if e.TaskID == taskID && e.Status.IsActive() {
			result = append(result, e.Clone())
		}
	}
	sortExecutions(result)
	return result, nil
}

func (s *MemoryStore) CountExecutionsByStatus(ctx context.Context) (map[ExecutionStatus]int, error) {
	s.rlock()
	defer s.runlock()

	counts := make(map[ExecutionStatus]int)
	for _, e := range s.data.executions {
		counts[e.Status]++
	}
	return counts, nil
}

// --- Agent Operations ---

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.rlock()
	defer s.runlock()
	return s.data.agents[id].Clone(), nil
}

func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		return errors.New("agent id is required")
	}
	s.lock()
	defer s.unlock()

	agent.UpdatedAt = time.Now().UTC()
	s.data.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) ListAgentsByStatus(ctx context.Context, statuses ...AgentStatus) ([]*Agent, error) {
	s.rlock()
	defer s.runlock()

	result := make([]*Agent, 0)
	for _, a := range s.data.agents {
		if len(statuses) == 0 || slices.Contains(statuses, a.Status) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CompareAndSetAgentStatus(ctx context.Context, id string, expected, next AgentStatus) (bool, error) {
	s.lock()
	defer s.unlock()

	a, ok := s.data.agents[id]
	if !ok {
		return false, errors.New("agent not found")
	}
	if a.Status != expected {
		return false, nil
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// --- Server Operations ---

func (s *MemoryStore) GetServer(ctx context.Context, id string) (*Server, error) {
	s.rlock()
	defer s.runlock()

	srv, ok := s.data.servers[id]
	if !ok {
		return nil, nil
	}
	c := *srv
	return &c, nil
}

func (s *MemoryStore) UpsertServer(ctx context.Context, server *Server) error {
	if server.ID == "" {
		return errors.New("server id is required")
	}
	s.lock()
	defer s.unlock()

	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	c := *server
	s.data.servers[server.ID] = &c
	return nil
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortExecutions(execs []*Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		}
		return execs[i].ID < execs[j].ID
	})
}
