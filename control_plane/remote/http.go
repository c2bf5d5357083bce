package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HTTPClient sends one JSON-RPC request per HTTP POST. It cannot stream,
// so tool calls and file changes are replayed from the final result.
type HTTPClient struct {
	serverID string
	url      string
	token    string
	http     *http.Client
}

func NewHTTPClient(serverID, url, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{serverID: serverID, url: url, token: token, http: hc}
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var msg rpcMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

func (c *HTTPClient) Execute(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	raw, err := c.call(ctx, methodExecute, newExecuteParams(req))
	if err != nil {
		return nil, err
	}
	var res executeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodExecute, err)
	}
	for _, tc := range res.ToolCalls {
		cb.toolCall(tc)
	}
	for _, fc := range res.FileChanges {
		cb.fileChange(fc)
	}
	cb.output(res.Output)
	return res.outcome(), nil
}

func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodListTools, err)
	}
	return res.Tools, nil
}

func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.call(ctx, methodCallTool, map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodCallTool, err)
	}
	return &res, nil
}

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
