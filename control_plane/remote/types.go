package remote

import (
	"context"
)

// Request is one prompt execution on a remote agent.
type Request struct {
	Prompt    string
	AgentID   string
	Context   map[string]any
	Tools     []string
	TimeoutMs int64
}

// ToolCall is a tool invocation reported by the agent.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// FileChange is a file touched by the agent. Action is create, edit or delete.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// Progress is a 0-100 progress report.
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Callbacks receive streamed events of a single execution, in the order
// the server sent them. Nil callbacks are skipped. Callbacks run on the
// connection's read goroutine and must not block.
type Callbacks struct {
	OnOutput     func(chunk string)
	OnToolCall   func(ToolCall)
	OnFileChange func(FileChange)
	OnProgress   func(Progress)
}

func (c Callbacks) output(chunk string) {
	if c.OnOutput != nil && chunk != "" {
		c.OnOutput(chunk)
	}
}

func (c Callbacks) toolCall(tc ToolCall) {
	if c.OnToolCall != nil {
		c.OnToolCall(tc)
	}
}

func (c Callbacks) fileChange(fc FileChange) {
	if c.OnFileChange != nil {
		c.OnFileChange(fc)
	}
}

func (c Callbacks) progress(p Progress) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

// Outcome is the normalized result of an execution, whichever transport
// produced it.
type Outcome struct {
	Success    bool     `json:"success"`
	Output     string   `json:"output"`
	Error      string   `json:"error,omitempty"`
	TokensUsed int      `json:"tokens_used,omitempty"`
	Strategy   Strategy `json:"strategy"`
}

// Tool describes a tool exposed by a remote server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Client is a transport to a single remote agent server.
type Client interface {
	Execute(ctx context.Context, req Request, cb Callbacks) (*Outcome, error)
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Close() error
}

// CredentialResolver returns the bearer token used to talk to a server.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, serverID string) (string, error)
}

// StaticCredentials resolves tokens from a fixed serverID -> token map.
// Servers without an entry get an empty token.
type StaticCredentials map[string]string

func (c StaticCredentials) ResolveCredential(ctx context.Context, serverID string) (string, error) {
	return c[serverID], nil
}
