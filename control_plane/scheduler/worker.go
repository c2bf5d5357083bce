package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/agentforge/control_plane/execution"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/remote"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/streaming"
	"github.com/itskum47/agentforge/control_plane/timeline"
)

var errNoServer = errors.New("agent has no server")

// Start begins draining the queue with at most Concurrency workers.
// Cancelling ctx stops dequeuing; executions already running continue until
// Shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.loopCancel = cancel
		s.loopDone = make(chan struct{})
		s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
		s.group = new(errgroup.Group)
		s.group.SetLimit(s.cfg.Concurrency)

		go s.pollLoop(loopCtx)
		s.log.WithField("concurrency", s.cfg.Concurrency).Info("scheduler started")
	})
}

// pollLoop dequeues while a worker slot is free and sleeps for PollInterval
// when the queue is empty or the pool is full.
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.dispatchNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchNext hands one ready job to a worker. It reports whether it did.
func (s *Scheduler) dispatchNext(ctx context.Context) bool {
	if int(s.busy.Load()) >= s.cfg.Concurrency {
		return false
	}
	job, err := s.queue.Dequeue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.WithError(err).Error("dequeue failed")
		}
		return false
	}
	if job == nil {
		return false
	}

	s.busy.Add(1)
	observability.SchedulerWorkerSaturation.Set(s.saturation())
	s.group.Go(func() error {
		defer func() {
			s.busy.Add(-1)
			observability.SchedulerWorkerSaturation.Set(s.saturation())
		}()
		s.runJob(s.runCtx, job)
		return nil
	})
	return true
}

// runJob takes one dequeued job through the dependency gate, the agent
// rate limit and the agent guard, then runs it.
func (s *Scheduler) runJob(ctx context.Context, job *queue.Job) {
	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "task_id": job.TaskID})

	task, err := s.store.GetTask(ctx, job.TaskID)
	if err != nil {
		log.WithError(err).Error("failed to load task, deferring job")
		s.deferJob(ctx, job, s.cfg.DependencyRecheck)
		return
	}
	if task == nil {
		log.Warn("task no longer exists, dropping job")
		s.failJob(ctx, job, "task not found")
		return
	}

	blockers, err := s.deps.UncompletedDependencies(ctx, task)
	if err != nil {
		log.WithError(err).Error("dependency check failed, deferring job")
		s.deferJob(ctx, job, s.cfg.DependencyRecheck)
		return
	}
	if len(blockers) > 0 {
		titles := make([]string, 0, len(blockers))
		for _, b := range blockers {
			titles = append(titles, b.Title)
		}
		s.deferJob(ctx, job, s.cfg.DependencyRecheck)
		logDecision(SchedulingDecision{
			Decision: "DEPENDENCY_WAIT",
			JobID:    job.ID,
			TaskID:   job.TaskID,
			Priority: job.Priority,
			DelayMS:  s.cfg.DependencyRecheck.Milliseconds(),
			Reason:   "dependencies_pending",
			Metadata: map[string][]string{"blocked_by": titles},
		})
		return
	}

	if ok, delay := s.limiter.Reserve(job.AgentID); !ok {
		s.deferJob(ctx, job, delay)
		logDecision(SchedulingDecision{
			Decision: "RATE_LIMIT_DELAY",
			JobID:    job.ID,
			TaskID:   job.TaskID,
			AgentID:  job.AgentID,
			Priority: job.Priority,
			DelayMS:  delay.Milliseconds(),
			Reason:   "agent_rate_limit",
		})
		return
	}

	exec, ok := s.executionFor(ctx, job, log)
	if !ok {
		return
	}

	logDecision(SchedulingDecision{
		Decision: "DISPATCH",
		JobID:    job.ID,
		TaskID:   job.TaskID,
		AgentID:  exec.AgentID,
		Priority: job.Priority,
	})
	s.dispatch(ctx, job, task, exec)
}

// executionFor returns the QUEUED execution the job should run. Recurring
// occurrences create theirs here and are skipped while the previous run is
// still active.
func (s *Scheduler) executionFor(ctx context.Context, job *queue.Job, log *logrus.Entry) (*store.Execution, bool) {
	if !job.Recurring() {
		exec, err := s.executions.Get(ctx, job.ExecutionID)
		if err != nil {
			log.WithError(err).Error("execution of job not found")
			s.failJob(ctx, job, err.Error())
			return nil, false
		}
		if exec.Status != store.ExecutionQueued {
			// Cancelled or otherwise finished while waiting in the queue.
			s.completeJob(ctx, job)
			return nil, false
		}
		return exec, true
	}

	exec, err := s.executions.Create(ctx, job.TaskID, job.AgentID, job.Prompt)
	if errors.Is(err, resilience.ErrTaskActive) {
		s.timeline.Record(timeline.JobEvent{JobID: job.ID, TaskID: job.TaskID, Stage: timeline.StageSkipped})
		logDecision(SchedulingDecision{
			Decision: "SKIP_ACTIVE",
			JobID:    job.ID,
			TaskID:   job.TaskID,
			Priority: job.Priority,
			Reason:   "previous_run_active",
		})
		s.completeJob(ctx, job)
		return nil, false
	}
	if err != nil {
		log.WithError(err).Error("failed to create recurring execution")
		s.failJob(ctx, job, err.Error())
		return nil, false
	}
	job.ExecutionID = exec.ID
	return exec, true
}

// dispatch runs the execution while holding its agent and finalizes it
// after the agent has been released.
func (s *Scheduler) dispatch(ctx context.Context, job *queue.Job, task *store.Task, exec *store.Execution) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{executionID: exec.ID, cancel: cancel, done: make(chan struct{})}
	s.track(task.ID, r)
	defer func() {
		s.untrack(task.ID, r)
		cancel()
		close(r.done)
	}()

	var outcome *remote.Outcome
	err := s.guard.WithAgent(runCtx, exec.AgentID, func(ctx context.Context) error {
		if _, err := s.executions.MarkRunning(ctx, exec.ID); err != nil {
			return err
		}
		observability.SchedulerTaskWaitSeconds.Observe(time.Since(exec.CreatedAt).Seconds())
		s.timeline.Record(timeline.JobEvent{JobID: job.ID, TaskID: task.ID, ExecutionID: exec.ID, AgentID: exec.AgentID,
			Stage: timeline.StageStarted})
		s.events.BroadcastExecution(streaming.ExecutionUpdate{
			AgentID:     exec.AgentID,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			Phase:       streaming.PhaseStarting,
		})

		var err error
		outcome, err = s.ExecuteWithRetry(ctx, task, exec)
		return err
	})

	s.finish(context.WithoutCancel(ctx), job, task, exec, outcome, err, r.cancelled.Load())
}

// ExecuteWithRetry runs the execution on the agent's server, retrying
// transient failures up to the task's maxRetries with exponential backoff.
// Streamed output is appended to the execution in arrival order and relayed
// to subscribers. The last outcome received is returned even on failure.
func (s *Scheduler) ExecuteWithRetry(ctx context.Context, task *store.Task, exec *store.Execution) (*remote.Outcome, error) {
	serverID, err := s.serverFor(ctx, task, exec.AgentID)
	if err != nil {
		return nil, err
	}

	maxRetries := task.RetryLimit(s.cfg.DefaultMaxRetries)
	timeout := task.Timeout(s.cfg.DefaultTimeout)

	update := func(kind string) streaming.ExecutionUpdate {
		return streaming.ExecutionUpdate{
			AgentID:     exec.AgentID,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			Phase:       streaming.PhaseRunning,
			Kind:        kind,
		}
	}

	// Chunks must land even if the run is being cancelled.
	appendCtx := context.WithoutCancel(ctx)
	cb := remote.Callbacks{
		OnOutput: func(chunk string) {
			if err := s.executions.AppendOutput(appendCtx, exec.ID, chunk); err != nil {
				s.log.WithError(err).WithField("execution_id", exec.ID).Warn("failed to append output")
			}
			u := update("output")
			u.Output = chunk
			s.events.BroadcastExecution(u)
		},
		OnToolCall: func(tc remote.ToolCall) {
			u := update("tool_call")
			u.Data = tc
			s.events.BroadcastExecution(u)
		},
		OnFileChange: func(fc remote.FileChange) {
			u := update("file_change")
			u.Data = fc
			s.events.BroadcastExecution(u)
		},
		OnProgress: func(p remote.Progress) {
			u := update("progress")
			u.Data = p
			s.events.BroadcastExecution(u)
		},
	}

	req := remote.Request{
		Prompt:    exec.Prompt,
		AgentID:   exec.AgentID,
		TimeoutMs: timeout.Milliseconds(),
	}

	// An abandoned attempt may still store its outcome after a timeout.
	var last atomic.Pointer[remote.Outcome]
	op := func(ctx context.Context) (*remote.Outcome, error) {
		out, err := s.remote.Execute(ctx, serverID, req, cb)
		if err != nil {
			return nil, err
		}
		last.Store(out)
		if !out.Success {
			return out, fmt.Errorf("%w: %s", resilience.ErrExecutionFailed, out.Error)
		}
		return out, nil
	}

	out, err := resilience.WithRetry(ctx, op, resilience.RetryOptions{
		MaxAttempts: maxRetries + 1,
		Timeout:     timeout,
		BaseDelay:   task.RetryDelay(s.cfg.DefaultRetryDelay),
		Backoff:     resilience.BackoffExponential,
		OnRetry: func(attempt int, err error) {
			observability.ExecutionRetries.Inc()
			if errors.Is(err, resilience.ErrTimeout) {
				observability.ExecutionTimeouts.Inc()
			}
			s.log.WithError(err).WithFields(logrus.Fields{
				"execution_id": exec.ID,
				"task_id":      task.ID,
				"attempt":      attempt,
			}).Warn("execution attempt failed, retrying")
			s.timeline.Record(timeline.JobEvent{
				JobID:       queue.ExecutionJobID(task.ID, exec.ID),
				TaskID:      task.ID,
				ExecutionID: exec.ID,
				AgentID:     exec.AgentID,
				Stage:       timeline.StageRetrying,
				Metadata:    map[string]string{"attempt": fmt.Sprint(attempt), "error": err.Error()},
			})
			u := update("retry")
			u.Attempt = attempt
			u.Error = err.Error()
			s.events.BroadcastExecution(u)
		},
	})
	if err != nil {
		return last.Load(), err
	}
	return out, nil
}

// serverFor resolves the server hosting the agent, falling back to the
// task's server.
func (s *Scheduler) serverFor(ctx context.Context, task *store.Task, agentID string) (string, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent != nil && agent.ServerID != "" {
		return agent.ServerID, nil
	}
	if task.ServerID != "" {
		return task.ServerID, nil
	}
	return "", fmt.Errorf("%w: %s: %w", resilience.ErrServerNotFound, agentID, errNoServer)
}

// finish writes the terminal status, settles the queue job and triggers
// dependents of a completed task.
func (s *Scheduler) finish(ctx context.Context, job *queue.Job, task *store.Task, exec *store.Execution,
	outcome *remote.Outcome, runErr error, userCancelled bool) {

	status, res := classify(outcome, runErr, userCancelled)
	final, changed, err := s.executions.MarkTerminal(ctx, exec.ID, status, res)
	if err != nil {
		s.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to finalize execution")
	}
	if final != nil {
		// Someone else may have finished it first, typically a cancel.
		status = final.Status
	}

	stage := timeline.StageFinished
	switch status {
	case store.ExecutionCompleted:
		s.completeJob(ctx, job)
		s.breaker.RecordSuccess()
	case store.ExecutionCancelled:
		stage = timeline.StageCancelled
		s.failJob(ctx, job, "cancelled")
	default:
		stage = timeline.StageFailed
		if status == store.ExecutionTimeout {
			observability.ExecutionTimeouts.Inc()
		}
		s.failJob(ctx, job, res.Error)
		s.breaker.RecordFailure()
	}

	meta := map[string]string{"status": string(status)}
	if res.Error != "" {
		meta["error"] = res.Error
	}
	s.timeline.Record(timeline.JobEvent{JobID: job.ID, TaskID: task.ID, ExecutionID: exec.ID, AgentID: exec.AgentID,
		Stage: stage, Metadata: meta})

	if changed {
		u := streaming.ExecutionUpdate{
			AgentID:     exec.AgentID,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			Phase:       streaming.PhaseCompleted,
			Output:      final.Output,
		}
		if status != store.ExecutionCompleted {
			u.Phase = streaming.PhaseFailed
			u.Error = res.Error
		}
		s.events.BroadcastExecution(u)
	}

	if changed && status == store.ExecutionCompleted {
		if _, err := s.deps.TriggerDependents(ctx, task.ID); err != nil {
			s.log.WithError(err).WithField("task_id", task.ID).Error("failed to trigger dependents")
		}
	}
}

// classify maps the end of a run to a terminal status. The last error
// message is kept verbatim.
func classify(outcome *remote.Outcome, runErr error, userCancelled bool) (store.ExecutionStatus, execution.Result) {
	var res execution.Result
	if outcome != nil {
		res.Output = outcome.Output
		res.TokensUsed = outcome.TokensUsed
	}

	switch {
	case runErr == nil:
		code := 0
		res.ExitCode = &code
		return store.ExecutionCompleted, res
	case userCancelled:
		res.Error = "cancelled by user"
		return store.ExecutionCancelled, res
	}

	code := 1
	res.ExitCode = &code
	res.Error = runErr.Error()
	if outcome != nil && !outcome.Success && outcome.Error != "" && errors.Is(runErr, resilience.ErrExecutionFailed) {
		res.Error = outcome.Error
	}

	switch {
	case errors.Is(runErr, resilience.ErrTimeout):
		return store.ExecutionTimeout, res
	case errors.Is(runErr, context.Canceled):
		res.Error = "execution aborted: scheduler shutting down"
		return store.ExecutionFailed, res
	default:
		return store.ExecutionFailed, res
	}
}

func (s *Scheduler) deferJob(ctx context.Context, job *queue.Job, delay time.Duration) {
	if err := s.queue.Defer(ctx, job, delay); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to defer job")
		return
	}
	s.timeline.Record(timeline.JobEvent{JobID: job.ID, TaskID: job.TaskID, Stage: timeline.StageDeferred,
		Metadata: map[string]string{"delay": delay.String()}})
}

func (s *Scheduler) completeJob(ctx context.Context, job *queue.Job) {
	if err := s.queue.Complete(ctx, job.ID); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to complete job")
	}
}

func (s *Scheduler) failJob(ctx context.Context, job *queue.Job, reason string) {
	if err := s.queue.Fail(ctx, job.ID, reason); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("failed to fail job")
	}
}
