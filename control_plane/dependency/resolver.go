package dependency

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

// Executor runs a task immediately. The scheduler facade implements it.
type Executor interface {
	ExecuteTask(ctx context.Context, taskID string) (string, error)
}

// Blocker is a dependency that has not completed yet.
type Blocker struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Status store.TaskStatus `json:"status"`
}

// Verdict is the answer to "may this task run now".
type Verdict struct {
	CanExecute bool     `json:"can_execute"`
	BlockedBy  []string `json:"blocked_by"`
}

// Resolver answers dependency questions over the flat DependsOnIDs sets
// stored on each task.
type Resolver struct {
	store    store.Store
	executor Executor
	log      *logrus.Entry

	wg sync.WaitGroup
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{
		store: s,
		log:   logging.For("dependency"),
	}
}

// SetExecutor wires the execute path used by TriggerDependents. The facade
// and the resolver reference each other, so this is set after construction.
func (r *Resolver) SetExecutor(e Executor) {
	r.executor = e
}

// UncompletedDependencies returns the dependencies of task that are not
// COMPLETED. A dependency id that no longer resolves counts as blocking.
func (r *Resolver) UncompletedDependencies(ctx context.Context, task *store.Task) ([]Blocker, error) {
	if len(task.DependsOnIDs) == 0 {
		return nil, nil
	}
	deps, err := r.store.GetTasks(ctx, task.DependsOnIDs)
	if err != nil {
		return nil, fmt.Errorf("load dependencies of %s: %w", task.ID, err)
	}
	found := make(map[string]*store.Task, len(deps))
	for _, d := range deps {
		found[d.ID] = d
	}

	var blockers []Blocker
	for _, id := range task.DependsOnIDs {
		d, ok := found[id]
		if !ok {
			blockers = append(blockers, Blocker{ID: id, Title: id})
			continue
		}
		if d.Status != store.TaskCompleted {
			blockers = append(blockers, Blocker{ID: d.ID, Title: d.Title, Status: d.Status})
		}
	}
	return blockers, nil
}

// CanExecute reports whether every dependency of taskID is COMPLETED.
func (r *Resolver) CanExecute(ctx context.Context, taskID string) (Verdict, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return Verdict{}, err
	}
	if task == nil {
		return Verdict{}, resilience.TaskNotFound(taskID)
	}
	return r.verdict(ctx, task)
}

func (r *Resolver) verdict(ctx context.Context, task *store.Task) (Verdict, error) {
	blockers, err := r.UncompletedDependencies(ctx, task)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{CanExecute: len(blockers) == 0, BlockedBy: []string{}}
	for _, b := range blockers {
		v.BlockedBy = append(v.BlockedBy, b.Title)
	}
	return v, nil
}

// Require fails with DependenciesNotSatisfiedError when task is blocked.
func (r *Resolver) Require(ctx context.Context, task *store.Task) error {
	v, err := r.verdict(ctx, task)
	if err != nil {
		return err
	}
	if !v.CanExecute {
		return &resilience.DependenciesNotSatisfiedError{TaskID: task.ID, BlockedBy: v.BlockedBy}
	}
	return nil
}

// DependentsOf returns the tasks that list taskID as a dependency.
func (r *Resolver) DependentsOf(ctx context.Context, taskID string) ([]*store.Task, error) {
	return r.store.ListDependents(ctx, taskID)
}

// ValidateDependencies checks a proposed dependency set for taskID. It
// rejects self-dependency, unknown tasks, and any edge that would close a
// cycle in the dependency graph.
func (r *Resolver) ValidateDependencies(ctx context.Context, taskID string, dependsOn []string) error {
	if slices.Contains(dependsOn, taskID) {
		return resilience.ErrSelfDependency
	}

	deps, err := r.store.GetTasks(ctx, dependsOn)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(deps))
	for _, d := range deps {
		known[d.ID] = true
	}
	for _, id := range dependsOn {
		if !known[id] {
			return resilience.TaskNotFound(id)
		}
	}

	// taskID -> dep closes a cycle iff taskID is reachable from dep.
	visited := map[string]bool{}
	stack := slices.Clone(dependsOn)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == taskID {
			return fmt.Errorf("%w: %s would depend on itself transitively", resilience.ErrDependencyCycle, taskID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t != nil {
			stack = append(stack, t.DependsOnIDs...)
		}
	}
	return nil
}

// TriggerDependents starts every PENDING or SCHEDULED dependent of
// completedTaskID whose dependencies are now all COMPLETED. Each dependent
// is started on its own goroutine; a failure is logged and does not affect
// the others. It returns the ids it started.
func (r *Resolver) TriggerDependents(ctx context.Context, completedTaskID string) ([]string, error) {
	dependents, err := r.DependentsOf(ctx, completedTaskID)
	if err != nil {
		return nil, err
	}
	if r.executor == nil {
		return nil, nil
	}

	// Dependent runs outlive the worker that completed their prerequisite.
	runCtx := context.WithoutCancel(ctx)

	var triggered []string
	for _, dep := range dependents {
		if dep.Status != store.TaskPending && dep.Status != store.TaskScheduled {
			continue
		}
		v, err := r.verdict(ctx, dep)
		if err != nil {
			r.log.WithError(err).WithField("task_id", dep.ID).Warn("dependency check failed")
			observability.DependentsTriggered.WithLabelValues("error").Inc()
			continue
		}
		if !v.CanExecute {
			continue
		}

		triggered = append(triggered, dep.ID)
		r.wg.Add(1)
		go func(taskID string) {
			defer r.wg.Done()
			jobID, err := r.executor.ExecuteTask(runCtx, taskID)
			if err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"task_id":   taskID,
					"parent_id": completedTaskID,
				}).Error("failed to trigger dependent task")
				observability.DependentsTriggered.WithLabelValues("error").Inc()
				return
			}
			r.log.WithFields(logrus.Fields{
				"task_id":   taskID,
				"parent_id": completedTaskID,
				"job_id":    jobID,
			}).Info("triggered dependent task")
			observability.DependentsTriggered.WithLabelValues("ok").Inc()
		}(dep.ID)
	}
	return triggered, nil
}

// Wait blocks until every dependent started by TriggerDependents has been
// handed to the executor.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
