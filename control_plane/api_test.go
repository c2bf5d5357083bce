package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/idempotency"
	"github.com/itskum47/agentforge/control_plane/middleware"
	"github.com/itskum47/agentforge/control_plane/queue"
	"github.com/itskum47/agentforge/control_plane/remote"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/scheduler"
	"github.com/itskum47/agentforge/control_plane/store"
	"github.com/itskum47/agentforge/control_plane/streaming"
)

type stubRemote struct{}

func (stubRemote) Execute(ctx context.Context, serverID string, req remote.Request, cb remote.Callbacks) (*remote.Outcome, error) {
	return &remote.Outcome{Success: true, Output: "ok"}, nil
}

type stubTools struct {
	tools []remote.Tool
	err   error
}

func (s stubTools) ListTools(ctx context.Context, serverID string) ([]remote.Tool, error) {
	return s.tools, s.err
}

type apiHarness struct {
	api    *API
	router *gin.Engine
	store  *store.MemoryStore
	sched  *scheduler.Scheduler
	events *streaming.Broadcaster
	hub    *StreamHub
	health *resilience.DegradedMode
}

func newAPIHarness(t *testing.T, tools ToolLister) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{ID: "a1", ServerID: "srv1", Status: store.AgentActive}))
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{ID: "a-off", ServerID: "srv1", Status: store.AgentInactive}))
	for _, task := range []*store.Task{
		{ID: "t1", Title: "Fetch data", UserID: "u1", AgentID: "a1", Prompt: "hello", Status: store.TaskPending, ExecutionMode: store.ModeImmediate},
		{ID: "t2", UserID: "u1", AgentID: "a-off", Prompt: "hello", Status: store.TaskPending, ExecutionMode: store.ModeImmediate},
		{ID: "t3", UserID: "u1", AgentID: "a1", Prompt: "after t1", Status: store.TaskPending, ExecutionMode: store.ModeImmediate, DependsOnIDs: []string{"t1"}},
	} {
		require.NoError(t, st.UpsertTask(ctx, task))
	}

	events := streaming.NewBroadcaster()
	sched := scheduler.New(scheduler.Config{Concurrency: 1, PollInterval: 5 * time.Millisecond}, scheduler.Dependencies{
		Store:  st,
		Queue:  queue.NewMemoryQueue(),
		Remote: stubRemote{},
		Events: events,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := NewStreamHub(events)
	go hub.Run(hubCtx)

	health := resilience.NewDegradedMode()
	api := NewAPI(st, sched, tools, hub, idempotency.NewMemoryStore(time.Minute), health)

	t.Cleanup(func() {
		stopHub()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		_ = events.Close()
	})
	return &apiHarness{
		api:    api,
		router: api.Router([]string{"*"}),
		store:  st,
		sched:  sched,
		events: events,
		hub:    hub,
		health: health,
	}
}

func (h *apiHarness) do(t *testing.T, method, path, user string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestExecuteRequiresUser(t *testing.T) {
	h := newAPIHarness(t, nil)
	w, _ := h.do(t, http.MethodPost, "/api/v1/tasks/t1/execute", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExecuteTask(t *testing.T) {
	h := newAPIHarness(t, nil)

	w, body := h.do(t, http.MethodPost, "/api/v1/tasks/t1/execute", "u1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(body["job_id"].(string), "task-t1-exec-"))

	// A second run while the first is still queued is refused.
	w, body = h.do(t, http.MethodPost, "/api/v1/tasks/t1/execute", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "t1", body["task_id"])
}

func TestErrorMapping(t *testing.T) {
	h := newAPIHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		phase  string
	}{
		{"unknown task", http.MethodPost, "/api/v1/tasks/nope/execute", nil, http.StatusNotFound, "lookup"},
		{"inactive agent", http.MethodPost, "/api/v1/tasks/t2/execute", nil, http.StatusConflict, "dispatch"},
		{"unmet dependencies", http.MethodPost, "/api/v1/tasks/t3/execute", nil, http.StatusConflict, "dependencies"},
		{"bad cron", http.MethodPost, "/api/v1/tasks/t1/recurring", map[string]string{"cron_expression": "every day"}, http.StatusBadRequest, ""},
		{"self dependency", http.MethodPut, "/api/v1/tasks/t1/dependencies", map[string][]string{"depends_on_ids": {"t1"}}, http.StatusConflict, "dependencies"},
		{"cycle", http.MethodPut, "/api/v1/tasks/t1/dependencies", map[string][]string{"depends_on_ids": {"t3"}}, http.StatusConflict, "dependencies"},
		{"unknown execution", http.MethodGet, "/api/v1/executions/nope", nil, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := h.do(t, tt.method, tt.path, "u1", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, body["error"])
			if tt.phase != "" {
				assert.Equal(t, tt.phase, body["phase"])
			}
		})
	}
}

func TestRecurringMissingCronIsBadRequest(t *testing.T) {
	h := newAPIHarness(t, nil)
	w, _ := h.do(t, http.MethodPost, "/api/v1/tasks/t1/recurring", "u1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotentExecute(t *testing.T) {
	h := newAPIHarness(t, nil)

	w1, first := h.do(t, http.MethodPost, "/api/v1/tasks/t1/execute", "u1", nil, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusAccepted, w1.Code)
	w2, second := h.do(t, http.MethodPost, "/api/v1/tasks/t1/execute", "u1", nil, IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusAccepted, w2.Code)
	assert.Equal(t, first["job_id"], second["job_id"])

	execs, err := h.store.ListExecutionsByStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestScheduleAndCancel(t *testing.T) {
	h := newAPIHarness(t, nil)

	w, body := h.do(t, http.MethodPost, "/api/v1/tasks/t1/schedule", "u1", map[string]interface{}{"delay_ms": 60000, "priority": 3})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, body["job_id"])

	w, body = h.do(t, http.MethodGet, "/api/v1/stats", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["delayed"])
	assert.Equal(t, float64(1), body["max_concurrency"])

	w, body = h.do(t, http.MethodPost, "/api/v1/tasks/t1/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["cancelled"])

	task, err := h.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, task.Status)
}

func TestRetryChecksOwnership(t *testing.T) {
	h := newAPIHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateExecution(ctx, &store.Execution{
		ID: "e-old", TaskID: "t1", AgentID: "a1", Status: store.ExecutionFailed, Prompt: "hello", CreatedAt: time.Now(),
	}))

	w, body := h.do(t, http.MethodPost, "/api/v1/executions/e-old/retry", "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "authorize", body["phase"])

	w, body = h.do(t, http.MethodPost, "/api/v1/executions/e-old/retry", "u1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, body["job_id"])
}

func TestDependenciesRoundTrip(t *testing.T) {
	h := newAPIHarness(t, nil)

	w, body := h.do(t, http.MethodGet, "/api/v1/tasks/t3/dependencies", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["can_execute"])
	assert.Equal(t, []interface{}{"Fetch data"}, body["blocked_by"])

	w, body = h.do(t, http.MethodPut, "/api/v1/tasks/t3/dependencies", "u1", map[string][]string{"depends_on_ids": {}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["can_execute"])
}

func TestListTools(t *testing.T) {
	h := newAPIHarness(t, stubTools{tools: []remote.Tool{{Name: "search"}}})
	w, body := h.do(t, http.MethodGet, "/api/v1/servers/srv1/tools", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["tools"], 1)

	down := &resilience.RemoteUnavailableError{ServerID: "srv1", Err: assert.AnError}
	h = newAPIHarness(t, stubTools{err: down})
	w, _ = h.do(t, http.MethodGet, "/api/v1/servers/srv1/tools", "u1", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestExecutionReport(t *testing.T) {
	h := newAPIHarness(t, nil)
	require.NoError(t, h.store.CreateExecution(context.Background(), &store.Execution{
		ID: "e1", TaskID: "t1", AgentID: "a1", Status: store.ExecutionTimeout, CreatedAt: time.Now(),
	}))

	w, body := h.do(t, http.MethodGet, "/api/v1/executions/e1/report", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "execution exceeded its timeout", body["analysis"])

	w, _ = h.do(t, http.MethodGet, "/api/v1/executions/missing/report", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.health.Register("redis", func(ctx context.Context) error { return nil })

	w, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	h.health.MarkUnavailable("redis", assert.AnError)
	w, body = h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])

	w, _ = h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentforge_http_requests_total")
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(resilience.WrapTask("t", "admission", resilience.ErrOverloaded)))
	assert.Equal(t, http.StatusGatewayTimeout, errorStatus(&resilience.TimeoutError{Attempt: 1, Timeout: time.Second}))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(assert.AnError))
}
