package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

const jsonRPCVersion = "2.0"

// Methods spoken with remote agent servers.
const (
	methodExecute    = "agent/execute"
	methodCancel     = "agent/cancel"
	methodListTools  = "tools/list"
	methodCallTool   = "tools/call"
	notifyOutput     = "agent/output"
	notifyToolCall   = "agent/toolCall"
	notifyFileChange = "agent/fileChange"
	notifyProgress   = "agent/progress"
)

var (
	ErrNotConnected   = errors.New("remote client is not connected")
	ErrConnectionLost = errors.New("remote connection lost")
	ErrClientClosed   = errors.New("remote client closed")
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is anything the server sends: a response (ID set) or a
// notification (Method set).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// executeParams is the agent/execute request body.
type executeParams struct {
	Prompt    string         `json:"prompt"`
	AgentID   string         `json:"agentId"`
	Context   map[string]any `json:"context,omitempty"`
	Tools     []string       `json:"tools,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

// executeResult is the agent/execute response. The one-shot HTTP transport
// returns tool calls and file changes inline since it cannot stream them.
type executeResult struct {
	Success     bool         `json:"success"`
	Output      string       `json:"output"`
	Error       string       `json:"error,omitempty"`
	TokensUsed  int          `json:"tokensUsed,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	FileChanges []FileChange `json:"fileChanges,omitempty"`
}

// notification params all carry the request they belong to.
type notificationParams struct {
	RequestID string `json:"requestId"`
}

type outputParams struct {
	Chunk string `json:"chunk"`
}

func newExecuteParams(req Request) executeParams {
	return executeParams{
		Prompt:    req.Prompt,
		AgentID:   req.AgentID,
		Context:   req.Context,
		Tools:     req.Tools,
		TimeoutMs: req.TimeoutMs,
	}
}

func (r executeResult) outcome() *Outcome {
	return &Outcome{
		Success:    r.Success,
		Output:     r.Output,
		Error:      r.Error,
		TokensUsed: r.TokensUsed,
	}
}
