package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/agentforge/control_plane/agents"
	"github.com/itskum47/agentforge/control_plane/dependency"
	"github.com/itskum47/agentforge/control_plane/execution"
	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/remote"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/streaming"
	"github.com/itskum47/agentforge/control_plane/timeline"
)

// RemoteExecutor runs a prompt on the server hosting an agent.
type RemoteExecutor interface {
	Execute(ctx context.Context, serverID string, req remote.Request, cb remote.Callbacks) (*remote.Outcome, error)
}

// Dependencies are the collaborators a Scheduler is built from.
type Dependencies struct {
	Store  store.Store
	Queue  queue.Queue
	Remote RemoteExecutor
	Events *streaming.Broadcaster
}

// Scheduler is the orchestration surface: it turns schedule requests into
// execution records and queue jobs, and its worker pool turns jobs into
// remote executions.
type Scheduler struct {
	cfg        Config
	store      store.Store
	queue      queue.Queue
	remote     RemoteExecutor
	events     *streaming.Broadcaster
	guard      *agents.Guard
	deps       *dependency.Resolver
	executions *execution.Manager
	breaker    *CircuitBreaker
	limiter    *AgentLimiter
	timeline   *timeline.Store
	log        *logrus.Entry

	mu       sync.RWMutex
	mode     AdmissionMode
	inflight map[string]*run // by task id

	busy       atomic.Int64
	startOnce  sync.Once
	group      *errgroup.Group
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
}

// run is one execution currently held by a worker.
type run struct {
	executionID string
	cancel      context.CancelFunc
	cancelled   atomic.Bool
	done        chan struct{}
}

var decisionLog = logging.For("scheduler")

// New wires a Scheduler. Call Start to begin draining the queue.
func New(cfg Config, d Dependencies) *Scheduler {
	cfg = cfg.withDefaults()
	if d.Events == nil {
		d.Events = streaming.NewBroadcaster()
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      d.Store,
		queue:      d.Queue,
		remote:     d.Remote,
		events:     d.Events,
		guard:      agents.NewGuard(d.Store, d.Events),
		deps:       dependency.NewResolver(d.Store),
		executions: execution.NewManager(d.Store),
		breaker:    NewCircuitBreaker(cfg.CircuitBreakerThreshold),
		limiter:    NewAgentLimiter(cfg.AgentRateLimit, cfg.AgentBurst),
		timeline:   timeline.NewStore(cfg.TimelineCapacity),
		log:        logging.For("scheduler"),
		mode:       AdmissionNormal,
		inflight:   make(map[string]*run),
	}
	s.deps.SetExecutor(s)
	return s
}

// Mode returns the current admission mode.
func (s *Scheduler) Mode() AdmissionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Scheduler) setMode(mode AdmissionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != mode {
		s.log.Infof("scheduler switched to %s mode", mode)
	}
	s.mode = mode
}

// Timeline exposes the recent job events.
func (s *Scheduler) Timeline() *timeline.Store { return s.timeline }

// Executions exposes the execution record manager.
func (s *Scheduler) Executions() *execution.Manager { return s.executions }

// Resolver exposes the dependency resolver.
func (s *Scheduler) Resolver() *dependency.Resolver { return s.deps }

func (s *Scheduler) admit(ctx context.Context, taskID string) error {
	if s.Mode() == AdmissionDrain {
		observability.SchedulerRejections.WithLabelValues("draining").Inc()
		return resilience.WrapTask(taskID, "admission", resilience.ErrShuttingDown)
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		// Admission control is advisory; a queue that cannot report stats
		// will fail the enqueue itself.
		s.log.WithError(err).Warn("queue stats unavailable for admission")
		return nil
	}
	if err := s.breaker.Admit(int(stats.Waiting+stats.Delayed), s.saturation()); err != nil {
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		logDecision(SchedulingDecision{Decision: "REJECT", TaskID: taskID, Reason: "circuit_open"})
		return resilience.WrapTask(taskID, "admission", err)
	}
	return nil
}

func (s *Scheduler) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, resilience.WrapTask(taskID, "lookup", err)
	}
	if task == nil {
		return nil, resilience.WrapTask(taskID, "lookup", resilience.TaskNotFound(taskID))
	}
	return task, nil
}

// ScheduleTask creates a QUEUED execution for the task and enqueues its job.
// An empty agentID or prompt falls back to the task's own. The agent must be
// ACTIVE now; otherwise nothing is created.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID, agentID, prompt string, opts ScheduleOptions) (string, error) {
	if err := s.admit(ctx, taskID); err != nil {
		return "", err
	}
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if agentID == "" {
		agentID = task.AgentID
	}
	if prompt == "" {
		prompt = ResolvePrompt(task.Prompt, task.PromptVariables)
	}

	if _, err := s.guard.Check(ctx, agentID); err != nil {
		observability.SchedulerRejections.WithLabelValues("agent_unavailable").Inc()
		return "", resilience.WrapTask(taskID, "dispatch", err)
	}

	delay := opts.Delay
	if opts.ScheduledAt != nil {
		delay = time.Until(*opts.ScheduledAt)
	}
	if delay < 0 {
		delay = 0
	}

	exec, err := s.executions.CreateScheduled(ctx, taskID, agentID, prompt, time.Now().Add(delay))
	if err != nil {
		return "", resilience.WrapTask(taskID, "create", err)
	}

	job := queue.Job{
		ID:          queue.ExecutionJobID(taskID, exec.ID),
		TaskID:      taskID,
		ExecutionID: exec.ID,
		AgentID:     agentID,
		Prompt:      prompt,
	}
	jobID, err := s.queue.Enqueue(ctx, job, queue.Options{Delay: delay, Priority: opts.Priority})
	if err != nil {
		// The execution must not stay QUEUED without a job behind it.
		if _, _, ferr := s.executions.MarkTerminal(context.WithoutCancel(ctx), exec.ID, store.ExecutionFailed,
			execution.Result{Error: "enqueue failed: " + err.Error()}); ferr != nil {
			s.log.WithError(ferr).WithField("execution_id", exec.ID).Error("failed to fail unqueued execution")
		}
		return "", resilience.WrapTask(taskID, "enqueue", err)
	}

	s.timeline.Record(timeline.JobEvent{
		JobID:       jobID,
		TaskID:      taskID,
		ExecutionID: exec.ID,
		AgentID:     agentID,
		Stage:       timeline.StageQueued,
	})
	logDecision(SchedulingDecision{
		Decision: "ENQUEUE",
		JobID:    jobID,
		TaskID:   taskID,
		AgentID:  agentID,
		Priority: opts.Priority,
		DelayMS:  delay.Milliseconds(),
	})
	return jobID, nil
}

// ExecuteTask runs the task now if all of its dependencies are COMPLETED.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string) (string, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := s.deps.Require(ctx, task); err != nil {
		return "", resilience.WrapTask(taskID, "dependencies", err)
	}
	return s.ScheduleTask(ctx, taskID, task.AgentID, "", ScheduleOptions{Priority: task.Priority})
}

// ScheduleRecurringTask installs the task's cron schedule under its stable
// recurring job id. Scheduling the same task again replaces the rule.
func (s *Scheduler) ScheduleRecurringTask(ctx context.Context, taskID, agentID, prompt, cronExpression string) (string, error) {
	if err := s.admit(ctx, taskID); err != nil {
		return "", err
	}
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if agentID == "" {
		agentID = task.AgentID
	}
	if prompt == "" {
		prompt = ResolvePrompt(task.Prompt, task.PromptVariables)
	}

	task.ExecutionMode = store.ModeRecurring
	task.CronExpression = cronExpression
	task.AgentID = agentID
	rule := execution.RepeatRuleFor(task)
	if err := rule.Validate(); err != nil {
		return "", resilience.WrapTask(taskID, "schedule", err)
	}

	job := queue.Job{
		ID:       queue.RecurringJobID(taskID),
		TaskID:   taskID,
		AgentID:  agentID,
		Prompt:   prompt,
		Priority: task.Priority,
	}
	jobID, err := s.queue.EnqueueCron(ctx, job, rule)
	if err != nil {
		return "", resilience.WrapTask(taskID, "enqueue", err)
	}

	next, more, err := rule.NextRun(time.Now())
	if err != nil {
		return "", resilience.WrapTask(taskID, "schedule", err)
	}
	task.NextRunAt = nil
	if more {
		task.NextRunAt = &next
	}
	if !task.Status.IsBusy() && more {
		task.Status = store.TaskScheduled
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return "", resilience.WrapTask(taskID, "persist", err)
	}

	s.timeline.Record(timeline.JobEvent{JobID: jobID, TaskID: taskID, AgentID: agentID, Stage: timeline.StageQueued,
		Metadata: map[string]string{"cron": cronExpression}})
	logDecision(SchedulingDecision{
		Decision: "ENQUEUE",
		JobID:    jobID,
		TaskID:   taskID,
		AgentID:  agentID,
		Priority: task.Priority,
		Reason:   "recurring",
	})
	return jobID, nil
}

// CancelTask removes the task's pending jobs and repeat rule, aborts an
// in-flight run, and marks the active execution and the task CANCELLED.
// It returns once the agent of an aborted run has been released.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	if _, err := s.loadTask(ctx, taskID); err != nil {
		return false, err
	}

	removed, err := s.queue.Cancel(ctx, taskID)
	if err != nil {
		return false, resilience.WrapTask(taskID, "cancel", err)
	}

	// Executions go terminal before the in-flight lookup so a worker that
	// has not registered yet fails its QUEUED -> RUNNING transition.
	active, err := s.store.ListActiveExecutions(ctx, taskID)
	if err != nil {
		return false, resilience.WrapTask(taskID, "cancel", err)
	}
	cancelled := removed
	for _, exec := range active {
		_, changed, err := s.executions.MarkTerminal(ctx, exec.ID, store.ExecutionCancelled,
			execution.Result{Error: "cancelled by user"})
		if err != nil {
			return false, resilience.WrapTask(taskID, "cancel", err)
		}
		if changed {
			cancelled = true
			s.events.BroadcastExecution(streaming.ExecutionUpdate{
				AgentID:     exec.AgentID,
				TaskID:      taskID,
				ExecutionID: exec.ID,
				Phase:       streaming.PhaseFailed,
				Kind:        "cancelled",
				Error:       "cancelled by user",
			})
		}
	}

	if r := s.inflightRun(taskID); r != nil {
		cancelled = true
		r.cancelled.Store(true)
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	err = s.store.WithTransaction(ctx, func(tx store.Store) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil || task == nil {
			return err
		}
		switch task.Status {
		case store.TaskCompleted, store.TaskFailed, store.TaskCancelled:
			return nil
		}
		task.Status = store.TaskCancelled
		task.NextRunAt = nil
		cancelled = true
		return tx.UpsertTask(ctx, task)
	})
	if err != nil {
		return cancelled, resilience.WrapTask(taskID, "cancel", err)
	}

	s.timeline.Record(timeline.JobEvent{TaskID: taskID, Stage: timeline.StageCancelled})
	s.log.WithFields(logrus.Fields{"task_id": taskID, "removed_jobs": removed}).Info("task cancelled")
	return cancelled, nil
}

// RetryExecution schedules a fresh execution of the task behind execID with
// the same agent and prompt. Only the task's owner may retry it.
func (s *Scheduler) RetryExecution(ctx context.Context, execID, userID string) (string, error) {
	exec, err := s.executions.Get(ctx, execID)
	if err != nil {
		return "", err
	}
	task, err := s.loadTask(ctx, exec.TaskID)
	if err != nil {
		return "", err
	}
	if task.UserID != userID {
		return "", resilience.WrapTask(task.ID, "authorize", resilience.ErrUnauthorized)
	}
	return s.ScheduleTask(ctx, task.ID, exec.AgentID, exec.Prompt, ScheduleOptions{Priority: task.Priority})
}

// GetDependencies describes the task's place in the dependency graph.
func (s *Scheduler) GetDependencies(ctx context.Context, taskID string) (*DependencyInfo, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	parents, err := s.store.GetTasks(ctx, task.DependsOnIDs)
	if err != nil {
		return nil, resilience.WrapTask(taskID, "dependencies", err)
	}
	children, err := s.deps.DependentsOf(ctx, taskID)
	if err != nil {
		return nil, resilience.WrapTask(taskID, "dependencies", err)
	}
	verdict, err := s.deps.CanExecute(ctx, taskID)
	if err != nil {
		return nil, resilience.WrapTask(taskID, "dependencies", err)
	}

	info := &DependencyInfo{
		TaskID:     taskID,
		DependsOn:  refs(parents),
		Dependents: refs(children),
		CanExecute: verdict.CanExecute,
		BlockedBy:  verdict.BlockedBy,
	}
	return info, nil
}

// UpdateDependencies replaces the task's dependency list. It is rejected
// while the task is QUEUED or RUNNING, and when the new edges would
// introduce a self-dependency, an unknown task or a cycle.
func (s *Scheduler) UpdateDependencies(ctx context.Context, taskID string, dependsOn []string) (*DependencyInfo, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsBusy() {
		return nil, resilience.WrapTask(taskID, "dependencies", resilience.ErrTaskBusy)
	}

	ids := slices.Clone(dependsOn)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if err := s.deps.ValidateDependencies(ctx, taskID, ids); err != nil {
		return nil, resilience.WrapTask(taskID, "dependencies", err)
	}

	err = s.store.WithTransaction(ctx, func(tx store.Store) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return resilience.TaskNotFound(taskID)
		}
		if current.Status.IsBusy() {
			return resilience.ErrTaskBusy
		}
		current.DependsOnIDs = ids
		return tx.UpsertTask(ctx, current)
	})
	if err != nil {
		return nil, resilience.WrapTask(taskID, "dependencies", err)
	}
	return s.GetDependencies(ctx, taskID)
}

func refs(tasks []*store.Task) []TaskRef {
	out := make([]TaskRef, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskRef{ID: t.ID, Title: t.Title, Status: string(t.Status)})
	}
	return out
}

// GetQueueStats returns queue counts and worker state.
func (s *Scheduler) GetQueueStats(ctx context.Context) (QueueStats, error) {
	qs, err := s.queue.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	observability.QueueJobs.WithLabelValues("waiting").Set(float64(qs.Waiting))
	observability.QueueJobs.WithLabelValues("active").Set(float64(qs.Active))
	observability.QueueJobs.WithLabelValues("delayed").Set(float64(qs.Delayed))
	observability.QueueJobs.WithLabelValues("completed").Set(float64(qs.Completed))
	observability.QueueJobs.WithLabelValues("failed").Set(float64(qs.Failed))

	return QueueStats{
		Stats:               qs,
		ActiveWorkers:       int(s.busy.Load()),
		MaxConcurrency:      s.cfg.Concurrency,
		WorkerSaturation:    s.saturation(),
		CircuitBreakerState: s.breaker.GetState().String(),
		AdmissionMode:       s.Mode().String(),
	}, nil
}

// RestoreOnStartup puts persisted work back into the queue after a
// restart: recurring schedules, QUEUED executions and scheduled one-shot
// tasks without an execution. RUNNING executions are expected to have been
// reconciled before this runs. Failures are logged per task; the number of
// restored jobs is returned.
func (s *Scheduler) RestoreOnStartup(ctx context.Context) (int, error) {
	// Nothing dequeued by the previous process is still running.
	stale, err := s.queue.RecoverActive(ctx, "interrupted by control plane restart")
	if err != nil {
		return 0, fmt.Errorf("recover active jobs: %w", err)
	}
	if len(stale) > 0 {
		s.log.WithField("jobs", stale).Warn("failed jobs left active by previous process")
	}

	tasks, err := s.store.ListTasksByStatus(ctx, store.TaskScheduled, store.TaskQueued)
	if err != nil {
		return 0, fmt.Errorf("list tasks to restore: %w", err)
	}

	restored := 0
	for _, task := range tasks {
		log := s.log.WithField("task_id", task.ID)
		if task.ExecutionMode == store.ModeRecurring && task.CronExpression != "" {
			if err := s.restoreRecurring(ctx, task); err != nil {
				log.WithError(err).Error("failed to restore recurring schedule")
			} else {
				restored++
			}
		}

		exec, err := s.executions.ActiveForTask(ctx, task.ID)
		if err != nil {
			log.WithError(err).Error("failed to load active execution")
			continue
		}
		switch {
		case exec != nil && exec.Status == store.ExecutionQueued:
			jobID := queue.ExecutionJobID(task.ID, exec.ID)
			pending, err := s.queue.Pending(ctx, jobID)
			if err != nil {
				log.WithError(err).Error("failed to look up queued job")
				continue
			}
			if pending {
				// A durable queue kept the job and its run time.
				restored++
				continue
			}
			job := queue.Job{
				ID:          jobID,
				TaskID:      task.ID,
				ExecutionID: exec.ID,
				AgentID:     exec.AgentID,
				Prompt:      exec.Prompt,
			}
			opts := queue.Options{Delay: restoreDelay(task), Priority: task.Priority}
			if _, err := s.queue.Enqueue(ctx, job, opts); err != nil {
				log.WithError(err).Error("failed to restore queued execution")
				continue
			}
			restored++
		case exec == nil && task.Status == store.TaskScheduled && task.ExecutionMode == store.ModeScheduled:
			opts := ScheduleOptions{ScheduledAt: task.ScheduledAt, Priority: task.Priority}
			if _, err := s.ScheduleTask(ctx, task.ID, task.AgentID, "", opts); err != nil {
				log.WithError(err).Error("failed to restore scheduled task")
				continue
			}
			restored++
		}
	}

	s.log.WithFields(logrus.Fields{"tasks": len(tasks), "restored": restored}).Info("restored jobs on startup")
	return restored, nil
}

// restoreDelay is the time left until a queued execution of task was due.
func restoreDelay(task *store.Task) time.Duration {
	due := task.ScheduledAt
	if task.ExecutionMode != store.ModeRecurring && task.NextRunAt != nil {
		due = task.NextRunAt
	}
	if due == nil {
		return 0
	}
	return max(time.Until(*due), 0)
}

func (s *Scheduler) restoreRecurring(ctx context.Context, task *store.Task) error {
	rule := execution.RepeatRuleFor(task)
	job := queue.Job{
		ID:       queue.RecurringJobID(task.ID),
		TaskID:   task.ID,
		AgentID:  task.AgentID,
		Prompt:   ResolvePrompt(task.Prompt, task.PromptVariables),
		Priority: task.Priority,
	}
	_, err := s.queue.EnqueueCron(ctx, job, rule)
	return err
}

// Shutdown stops dequeuing, waits for in-flight executions and closes the
// queue. If ctx expires first, in-flight executions are aborted and marked
// FAILED.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.setMode(AdmissionDrain)
	if s.loopCancel != nil {
		s.loopCancel()
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		if s.group != nil {
			_ = s.group.Wait()
		}
		s.deps.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown deadline reached, aborting in-flight executions")
		if s.runCancel != nil {
			s.runCancel()
		}
		<-done
		err = ctx.Err()
	}
	if s.runCancel != nil {
		s.runCancel()
	}

	if qerr := s.queue.Close(); qerr != nil && err == nil {
		err = qerr
	}
	s.log.Info("scheduler stopped")
	return err
}

// GetSnapshot returns the internal state for debugging.
func (s *Scheduler) GetSnapshot() map[string]interface{} {
	s.mu.RLock()
	running := make(map[string]string, len(s.inflight))
	for taskID, r := range s.inflight {
		running[taskID] = r.executionID
	}
	s.mu.RUnlock()

	return map[string]interface{}{
		"in_flight":       running,
		"active_workers":  s.busy.Load(),
		"circuit_state":   s.breaker.GetState().String(),
		"timeline_events": s.timeline.GetAllEvents(),
		"mode":            s.Mode().String(),
		"limited_agents":  s.limiter.Tracked(),
	}
}

func (s *Scheduler) saturation() float64 {
	return float64(s.busy.Load()) / float64(s.cfg.Concurrency)
}

func (s *Scheduler) inflightRun(taskID string) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight[taskID]
}

func (s *Scheduler) track(taskID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[taskID] = r
}

func (s *Scheduler) untrack(taskID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[taskID] == r {
		delete(s.inflight, taskID)
	}
}

func logDecision(d SchedulingDecision) {
	fields := logrus.Fields{
		"decision": d.Decision,
		"task_id":  d.TaskID,
		"priority": d.Priority,
	}
	if d.JobID != "" {
		fields["job_id"] = d.JobID
	}
	if d.AgentID != "" {
		fields["agent_id"] = d.AgentID
	}
	if d.DelayMS > 0 {
		fields["delay_ms"] = d.DelayMS
	}
	if d.Reason != "" {
		fields["reason"] = d.Reason
	}
	if d.Metadata != nil {
		fields["metadata"] = d.Metadata
	}
	decisionLog.WithFields(fields).Info("scheduling decision")

	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}
