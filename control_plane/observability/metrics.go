package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueJobs tracks jobs in the durable queue by state.
	QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentforge_queue_jobs",
		Help: "Current number of jobs in the queue by state (waiting, delayed, active)",
	}, []string{"state"})

	// QueueOperations tracks queue calls by operation and result.
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_queue_operations_total",
		Help: "Queue operations by type and result",
	}, []string{"op", "result"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentforge_redis_roundtrip_latency_seconds",
		Help:    "Redis queue operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// SchedulerDecisions tracks the number of decisions made by type.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	// SchedulerWorkerSaturation tracks worker utilization (circuit breaker signal).
	SchedulerWorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentforge_scheduler_worker_saturation",
		Help: "Ratio of active workers to max concurrency (0.0-1.0)",
	})

	// SchedulerRejections tracks schedule requests rejected by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_scheduler_rejections_total",
		Help: "Schedule requests rejected by scheduler admission control",
	}, []string{"reason"}) // circuit_open, shutting_down, task_active

	// SchedulerCircuitState tracks circuit breaker state.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentforge_scheduler_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// SchedulerTaskWaitSeconds tracks queue wait time (overload early signal).
	SchedulerTaskWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentforge_scheduler_task_wait_seconds",
		Help:    "Time jobs spend between their run time and dispatch",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// ExecutionsFinished tracks executions reaching a terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_executions_finished_total",
		Help: "Executions reaching a terminal status",
	}, []string{"status"})

	// ExecutionRuntimeSeconds tracks end-to-end execution time including retries.
	ExecutionRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentforge_execution_runtime_seconds",
		Help:    "Execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	})

	// ExecutionRetries tracks scheduler-level retry attempts.
	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentforge_execution_retries_total",
		Help: "Total number of execution retry attempts",
	})

	// ExecutionTimeouts tracks attempts that exceeded the task timeout.
	ExecutionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentforge_execution_timeouts_total",
		Help: "Execution attempts terminated by the per-attempt timeout",
	})

	// RemoteRequests tracks remote agent calls by transport strategy and result.
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_remote_requests_total",
		Help: "Remote agent requests by transport strategy and result",
	}, []string{"strategy", "result"})

	// RemoteConnectionState tracks the streaming client state per server (1 = current).
	RemoteConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentforge_remote_connection_state",
		Help: "Streaming connection state per server (1 = current state)",
	}, []string{"server_id", "state"})

	// AgentsByStatus tracks known agents by status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentforge_agents",
		Help: "Current number of agents by status",
	}, []string{"status"})

	// AgentReleases tracks agent releases by resulting status.
	AgentReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_agent_releases_total",
		Help: "Agent releases after an execution by resulting status",
	}, []string{"status"})

	// AgentsRecovered tracks agents reset from BUSY by the monitor or the crash sweep.
	AgentsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_agents_recovered_total",
		Help: "Agents reset from BUSY outside the normal release path",
	}, []string{"source"})

	// DependentsTriggered tracks dependent-task triggers by result.
	DependentsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_dependents_triggered_total",
		Help: "Dependent tasks triggered after a completion",
	}, []string{"result"})

	// BroadcastEvents tracks events fanned out by topic kind.
	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_broadcast_events_total",
		Help: "Events broadcast to subscribers by topic kind",
	}, []string{"kind"})

	// BroadcastDropped tracks events dropped because a subscriber buffer was full.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentforge_broadcast_dropped_total",
		Help: "Events dropped for slow subscribers",
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"publisher", "reason"})

	// StreamConnections tracks connected WebSocket subscribers.
	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentforge_stream_connections",
		Help: "Current number of connected stream subscribers",
	})

	// InterruptedExecutions tracks executions failed by the restart reconciliation sweep.
	InterruptedExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentforge_interrupted_executions_total",
		Help: "Executions left RUNNING at startup and marked FAILED",
	})

	// DependencyUp reports whether a backing service answered its last probe.
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentforge_dependency_up",
		Help: "Backing service availability (1 = up)",
	}, []string{"dependency"})

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentforge_http_requests_total",
		Help: "API requests by route and status code",
	}, []string{"route", "status"})

	// IdempotentReplays counts responses replayed for a repeated idempotency key.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentforge_idempotent_replays_total",
		Help: "Responses replayed for a repeated Idempotency-Key",
	})
)
