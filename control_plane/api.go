package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/idempotency"
	"github.com/itskum47/agentforge/control_plane/incident"
	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/middleware"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/remote"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/scheduler"
	"github.com/itskum47/agentforge/control_plane/store"
)

// IdempotencyHeader makes a POST safe to repeat: the first response is
// replayed for the same caller, path and key.
const IdempotencyHeader = "Idempotency-Key"

// ToolLister lists the tools a remote agent server exposes.
type ToolLister interface {
	ListTools(ctx context.Context, serverID string) ([]remote.Tool, error)
}

type API struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	tools     ToolLister
	hub       *StreamHub

	idempotency idempotency.Store
	health      *resilience.DegradedMode

	log *logrus.Entry
}

func NewAPI(s store.Store, sched *scheduler.Scheduler, tools ToolLister, hub *StreamHub,
	idem idempotency.Store, health *resilience.DegradedMode) *API {
	if idem == nil {
		idem = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	if health == nil {
		health = resilience.NewDegradedMode()
	}
	return &API{
		store:       s,
		scheduler:   sched,
		tools:       tools,
		hub:         hub,
		idempotency: idem,
		health:      health,
		log:         logging.For("api"),
	}
}

// Router builds the HTTP handler.
func (a *API) Router(corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORS(corsOrigins), a.requestMetrics())

	r.GET("/health", a.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/v1/stream", a.handleStream)

	v1 := r.Group("/api/v1", middleware.RequireUser())
	{
		tasks := v1.Group("/tasks/:id")
		tasks.POST("/execute", a.withIdempotency(a.handleExecute))
		tasks.POST("/schedule", a.withIdempotency(a.handleSchedule))
		tasks.POST("/recurring", a.handleRecurring)
		tasks.POST("/cancel", a.handleCancel)
		tasks.GET("/dependencies", a.handleGetDependencies)
		tasks.PUT("/dependencies", a.handleUpdateDependencies)

		v1.GET("/executions/:id", a.handleGetExecution)
		v1.GET("/executions/:id/report", a.handleExecutionReport)
		v1.POST("/executions/:id/retry", a.withIdempotency(a.handleRetry))

		v1.GET("/stats", a.handleStats)
		v1.GET("/servers/:id/tools", a.handleListTools)
		v1.GET("/debug/scheduler", a.handleSnapshot)
	}
	return r
}

func (a *API) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// bodyRecorder captures what the handler writes so it can be replayed.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

func (a *API) withIdempotency(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			next(c)
			return
		}
		userID, _ := middleware.UserFromContext(c)
		scoped := userID + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key

		resp, found, err := a.idempotency.Get(c.Request.Context(), scoped)
		if err != nil {
			a.log.WithError(err).Warn("idempotency lookup failed; handling request normally")
		}
		if found {
			observability.IdempotentReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					c.Writer.Header().Add(k, val)
				}
			}
			c.Data(resp.StatusCode, c.Writer.Header().Get("Content-Type"), resp.Body)
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		next(c)

		// Server errors are left out so the client can retry them.
		if rec.Status() >= http.StatusInternalServerError {
			return
		}
		err = a.idempotency.Set(c.Request.Context(), scoped, idempotency.Response{
			StatusCode: rec.Status(),
			Body:       rec.body.Bytes(),
			Headers:    map[string][]string{"Content-Type": {rec.Header().Get("Content-Type")}},
		})
		if err != nil {
			a.log.WithError(err).Warn("failed to record idempotent response")
		}
	}
}

// errorStatus maps the scheduler's error taxonomy to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, resilience.ErrTaskNotFound),
		errors.Is(err, resilience.ErrAgentNotFound),
		errors.Is(err, resilience.ErrExecutionNotFound),
		errors.Is(err, resilience.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, resilience.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, resilience.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrAgentNotActive),
		errors.Is(err, resilience.ErrDependenciesNotSatisfied),
		errors.Is(err, resilience.ErrTaskActive),
		errors.Is(err, resilience.ErrTaskBusy),
		errors.Is(err, resilience.ErrSelfDependency),
		errors.Is(err, resilience.ErrDependencyCycle),
		errors.Is(err, resilience.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrOverloaded),
		errors.Is(err, resilience.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, resilience.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	body := gin.H{"error": err.Error()}
	var te *resilience.TaskError
	if errors.As(err, &te) {
		body["error"] = te.Err.Error()
		body["task_id"] = te.TaskID
		body["phase"] = te.Phase
	}
	if status == http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (a *API) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (a *API) handleHealth(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if a.health.IsDegraded() {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"dependencies": a.health.HealthCheck(),
		"admission":    a.scheduler.Mode().String(),
	})
}

func (a *API) handleExecute(c *gin.Context) {
	taskID := c.Param("id")
	jobID, err := a.scheduler.ExecuteTask(c.Request.Context(), taskID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "task_id": taskID})
}

type scheduleRequest struct {
	AgentID     string     `json:"agent_id"`
	Prompt      string     `json:"prompt"`
	DelayMs     int64      `json:"delay_ms" binding:"gte=0"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Priority    int        `json:"priority"`
}

func (a *API) handleSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := bindOptional(c, &req); err != nil {
		a.badRequest(c, err)
		return
	}
	taskID := c.Param("id")
	jobID, err := a.scheduler.ScheduleTask(c.Request.Context(), taskID, req.AgentID, req.Prompt, scheduler.ScheduleOptions{
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		ScheduledAt: req.ScheduledAt,
		Priority:    req.Priority,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "task_id": taskID})
}

type recurringRequest struct {
	AgentID        string `json:"agent_id"`
	Prompt         string `json:"prompt"`
	CronExpression string `json:"cron_expression" binding:"required"`
}

func (a *API) handleRecurring(c *gin.Context) {
	var req recurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	taskID := c.Param("id")
	jobID, err := a.scheduler.ScheduleRecurringTask(c.Request.Context(), taskID, req.AgentID, req.Prompt, req.CronExpression)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "task_id": taskID})
}

func (a *API) handleCancel(c *gin.Context) {
	taskID := c.Param("id")
	cancelled, err := a.scheduler.CancelTask(c.Request.Context(), taskID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "cancelled": cancelled})
}

func (a *API) handleRetry(c *gin.Context) {
	userID, _ := middleware.UserFromContext(c)
	jobID, err := a.scheduler.RetryExecution(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (a *API) handleGetExecution(c *gin.Context) {
	exec, err := a.scheduler.Executions().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (a *API) handleExecutionReport(c *gin.Context) {
	id := c.Param("id")
	report, err := incident.CaptureIncident(c.Request.Context(), a.store, a.scheduler.Timeline(), id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if report == nil {
		a.writeError(c, resilience.ExecutionNotFound(id))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleGetDependencies(c *gin.Context) {
	info, err := a.scheduler.GetDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type dependenciesRequest struct {
	DependsOnIDs []string `json:"depends_on_ids"`
}

func (a *API) handleUpdateDependencies(c *gin.Context) {
	var req dependenciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.badRequest(c, err)
		return
	}
	info, err := a.scheduler.UpdateDependencies(c.Request.Context(), c.Param("id"), req.DependsOnIDs)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *API) handleStats(c *gin.Context) {
	stats, err := a.scheduler.GetQueueStats(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) handleListTools(c *gin.Context) {
	if a.tools == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "no remote adapter configured"})
		return
	}
	tools, err := a.tools.ListTools(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": c.Param("id"), "tools": tools})
}

func (a *API) handleSnapshot(c *gin.Context) {
	snapshot := a.scheduler.GetSnapshot()
	if a.hub != nil {
		snapshot["stream_clients"] = a.hub.ClientCount()
	}
	c.JSON(http.StatusOK, snapshot)
}
