package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

type notifyFunc func(method string, params map[string]any)

type handlerFunc func(method string, params json.RawMessage, notify notifyFunc) (any, *RPCError)

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// fakeServer is a remote agent server exposing /ws and /rpc.
type fakeServer struct {
	srv       *httptest.Server
	handle    handlerFunc
	wsEnabled bool

	mu    sync.Mutex
	auth  []string
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T, wsEnabled bool, handle handlerFunc) *fakeServer {
	t.Helper()
	f := &fakeServer{handle: handle, wsEnabled: wsEnabled}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.serveWS)
	mux.HandleFunc("/rpc", f.serveRPC)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
}

func (f *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	if !f.wsEnabled {
		http.NotFound(w, r)
		return
	}
	f.record(r)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}
	for {
		var req inbound
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.ID == "" {
			continue
		}
		notify := func(method string, params map[string]any) {
			params["requestId"] = req.ID
			write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
		}
		result, rpcErr := f.handle(req.Method, req.Params, notify)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		write(resp)
	}
}

func (f *fakeServer) serveRPC(w http.ResponseWriter, r *http.Request) {
	f.record(r)
	var req inbound
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result, rpcErr := f.handle(req.Method, req.Params, func(string, map[string]any) {})
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// dropConnections closes every server-side socket.
func (f *fakeServer) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeServer) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func newTestAdapter(f *fakeServer, token string) (*Adapter, *Registry) {
	servers := StaticServers{"s1": f.srv.URL}
	reg := NewRegistry(servers, StaticCredentials{"s1": token}, nil)
	return NewAdapter(reg), reg
}

func streamingHandler(method string, params json.RawMessage, notify notifyFunc) (any, *RPCError) {
	switch method {
	case methodExecute:
		var p executeParams
		_ = json.Unmarshal(params, &p)
		notify(notifyProgress, map[string]any{"percent": 10, "message": "thinking"})
		notify(notifyToolCall, map[string]any{"name": "search", "arguments": map[string]any{"q": p.Prompt}})
		for _, chunk := range []string{"Hel", "lo, ", p.AgentID} {
			notify(notifyOutput, map[string]any{"chunk": chunk})
		}
		notify(notifyFileChange, map[string]any{"path": "out.txt", "action": "create"})
		return map[string]any{"success": true, "tokensUsed": 42}, nil
	case methodListTools:
		return map[string]any{"tools": []map[string]any{{"name": "search", "description": "web search"}}}, nil
	case methodCallTool:
		return map[string]any{"content": []map[string]any{{"type": "text", "text": "ok"}}}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found"}
}

type recorded struct {
	mu     sync.Mutex
	events []string
}

func (r *recorded) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorded) callbacks() Callbacks {
	return Callbacks{
		OnOutput:     func(chunk string) { r.add("out:" + chunk) },
		OnToolCall:   func(tc ToolCall) { r.add("tool:" + tc.Name) },
		OnFileChange: func(fc FileChange) { r.add("file:" + fc.Action + ":" + fc.Path) },
		OnProgress:   func(p Progress) { r.add("progress:" + p.Message) },
	}
}

func TestStreamStrategyDeliversCallbacksInOrder(t *testing.T) {
	f := newFakeServer(t, true, streamingHandler)
	adapter, reg := newTestAdapter(f, "secret")
	defer reg.CloseAll()

	rec := &recorded{}
	out, err := adapter.Execute(context.Background(), "s1", Request{Prompt: "p", AgentID: "a1"}, rec.callbacks())
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, StrategyStream, out.Strategy)
	assert.Equal(t, "Hello, a1", out.Output)
	assert.Equal(t, 42, out.TokensUsed)
	assert.Equal(t, []string{
		"progress:thinking",
		"tool:search",
		"out:Hel",
		"out:lo, ",
		"out:a1",
		"file:create:out.txt",
	}, rec.events)
	assert.Contains(t, f.authHeaders(), "Bearer secret")
}

func TestFallsBackToHTTPWhenStreamUnavailable(t *testing.T) {
	f := newFakeServer(t, false, func(method string, params json.RawMessage, notify notifyFunc) (any, *RPCError) {
		return map[string]any{
			"success":     true,
			"output":      "done",
			"toolCalls":   []map[string]any{{"name": "grep"}},
			"fileChanges": []map[string]any{{"path": "a.go", "action": "edit"}},
		}, nil
	})
	adapter, reg := newTestAdapter(f, "")
	defer reg.CloseAll()

	rec := &recorded{}
	out, err := adapter.Execute(context.Background(), "s1", Request{Prompt: "p", AgentID: "a1"}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, StrategyHTTP, out.Strategy)
	assert.Equal(t, "done", out.Output)
	assert.Equal(t, []string{"tool:grep", "file:edit:a.go", "out:done"}, rec.events)
}

func TestAllStrategiesFailingIsRemoteUnavailable(t *testing.T) {
	f := newFakeServer(t, false, func(string, json.RawMessage, notifyFunc) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "agent crashed"}
	})
	adapter, reg := newTestAdapter(f, "")
	defer reg.CloseAll()

	_, err := adapter.Execute(context.Background(), "s1", Request{Prompt: "p"}, Callbacks{})
	var unavailable *resilience.RemoteUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "s1", unavailable.ServerID)
	assert.Contains(t, err.Error(), "agent crashed")
	assert.True(t, resilience.IsAgentMalfunction(err))
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	f := newFakeServer(t, true, func(method string, params json.RawMessage, notify notifyFunc) (any, *RPCError) {
		notify(notifyOutput, map[string]any{"chunk": "partial"})
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return map[string]any{"success": true}, nil
	})
	t.Cleanup(func() { close(release) })
	adapter, reg := newTestAdapter(f, "")
	defer reg.CloseAll()

	rec := &recorded{}
	_, err := adapter.Execute(context.Background(), "s1", Request{Prompt: "p", TimeoutMs: 200}, rec.callbacks())
	var timeout *resilience.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 200*time.Millisecond, timeout.Timeout)
	assert.Equal(t, []string{"out:partial"}, rec.events)
}

func TestExecuteCancelled(t *testing.T) {
	release := make(chan struct{})
	f := newFakeServer(t, true, func(string, json.RawMessage, notifyFunc) (any, *RPCError) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return map[string]any{"success": true}, nil
	})
	t.Cleanup(func() { close(release) })
	adapter, reg := newTestAdapter(f, "")
	defer reg.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := adapter.Execute(ctx, "s1", Request{Prompt: "p"}, Callbacks{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolsOverHTTP(t *testing.T) {
	f := newFakeServer(t, false, streamingHandler)
	adapter, reg := newTestAdapter(f, "")
	defer reg.CloseAll()

	tools, err := adapter.ListTools(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)

	res, err := adapter.CallTool(context.Background(), "s1", "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content[0].Text)
}

func TestStreamClientReconnects(t *testing.T) {
	f := newFakeServer(t, true, streamingHandler)
	wsURL, err := websocketURL(f.srv.URL + "/ws")
	require.NoError(t, err)

	c := NewStreamClient("s1", wsURL, "")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	f.dropConnections()
	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.conns) == 1 && c.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 1)

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRegistryLifecycle(t *testing.T) {
	var closed []Strategy
	reg := NewRegistry(StaticServers{"s1": "http://example.invalid"}, nil, nil)
	reg.factory = func(kind Strategy, server *store.Server, token string) (Client, error) {
		return &stubClient{onClose: func() { closed = append(closed, kind) }}, nil
	}
	ctx := context.Background()

	first, err := reg.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, StrategyStream, first[0].Kind)
	assert.Equal(t, StrategyHTTP, first[1].Kind)

	second, err := reg.Acquire(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, first[0].Client, second[0].Client)

	reg.Release("s1")
	assert.Empty(t, closed)
	reg.Release("s1")
	assert.Equal(t, []Strategy{StrategyStream, StrategyHTTP}, closed)
	assert.Equal(t, 0, reg.Len())

	_, err = reg.Acquire(ctx, "unknown")
	assert.ErrorIs(t, err, resilience.ErrServerNotFound)

	_, err = reg.Acquire(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, reg.CloseAll())
	_, err = reg.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://agents.example.com/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://agents.example.com/ws", u)

	_, err = websocketURL("ftp://x/ws")
	assert.Error(t, err)
}

type stubClient struct {
	onClose func()
}

func (s *stubClient) Execute(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	return &Outcome{Success: true}, nil
}

func (s *stubClient) ListTools(ctx context.Context) ([]Tool, error) { return nil, nil }

func (s *stubClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	return &ToolResult{}, nil
}

func (s *stubClient) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
