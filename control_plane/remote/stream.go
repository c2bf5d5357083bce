package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
)

const (
	writeWait = 10 * time.Second
	dialWait  = 10 * time.Second
)

// ConnState is the connection state of a StreamClient.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

var connStates = []ConnState{StateDisconnected, StateConnecting, StateConnected, StateError}

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

type pendingCall struct {
	cb     Callbacks
	resp   chan *rpcMessage
	errc   chan error
	output strings.Builder
}

func (p *pendingCall) fail(err error) {
	select {
	case p.errc <- err:
	default:
	}
}

// StreamClient speaks JSON-RPC over a persistent WebSocket. Streamed
// notifications are routed to the callbacks of the request they name.
// A dropped connection fails every pending call and is re-established in
// the background with exponential backoff.
type StreamClient struct {
	serverID string
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	log      *logrus.Entry

	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	pending      map[string]*pendingCall
	closed       bool
	reconnecting bool

	writeMu sync.Mutex
}

func NewStreamClient(serverID, url, token string) *StreamClient {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &StreamClient{
		serverID: serverID,
		url:      url,
		header:   header,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialWait},
		log:      logging.For("remote-stream").WithField("server_id", serverID),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingCall),
	}
	c.publishState()
	return c
}

func (c *StreamClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *StreamClient) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	c.publishState()
}

func (c *StreamClient) publishState() {
	for _, s := range connStates {
		v := 0.0
		if s == c.state {
			v = 1
		}
		observability.RemoteConnectionState.WithLabelValues(c.serverID, s.String()).Set(v)
	}
}

// Connect dials the server unless a connection is already up.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !c.closed && c.state != StateConnected {
			c.setStateLocked(StateError)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if c.closed {
		_ = conn.Close()
		return ErrClientClosed
	}
	if c.state == StateConnected {
		// Lost a race with another dialer.
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	go c.readLoop(conn)
	c.log.Info("connected")
	return nil
}

func (c *StreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("dropping malformed message")
			continue
		}
		if msg.Method != "" {
			c.dispatchNotification(&msg)
			continue
		}

		c.mu.Lock()
		call := c.pending[msg.ID]
		c.mu.Unlock()
		if call == nil {
			c.log.WithField("request_id", msg.ID).Debug("response for unknown request")
			continue
		}
		select {
		case call.resp <- &msg:
		default:
		}
	}
}

func (c *StreamClient) dispatchNotification(msg *rpcMessage) {
	var head notificationParams
	if err := json.Unmarshal(msg.Params, &head); err != nil {
		return
	}
	c.mu.Lock()
	call := c.pending[head.RequestID]
	c.mu.Unlock()
	if call == nil {
		// The caller gave up on this request.
		return
	}

	switch msg.Method {
	case notifyOutput:
		var p outputParams
		if json.Unmarshal(msg.Params, &p) == nil && p.Chunk != "" {
			call.output.WriteString(p.Chunk)
			call.cb.output(p.Chunk)
		}
	case notifyToolCall:
		var p ToolCall
		if json.Unmarshal(msg.Params, &p) == nil {
			call.cb.toolCall(p)
		}
	case notifyFileChange:
		var p FileChange
		if json.Unmarshal(msg.Params, &p) == nil {
			call.cb.fileChange(p)
		}
	case notifyProgress:
		var p Progress
		if json.Unmarshal(msg.Params, &p) == nil {
			call.cb.progress(p)
		}
	default:
		c.log.WithField("method", msg.Method).Debug("ignoring notification")
	}
}

func (c *StreamClient) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	closed := c.closed
	if closed {
		c.setStateLocked(StateDisconnected)
	} else {
		c.setStateLocked(StateError)
	}
	c.mu.Unlock()

	_ = conn.Close()
	for _, call := range pending {
		call.fail(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	}
	if !closed {
		c.log.WithError(cause).Warn("connection lost, reconnecting")
		go c.reconnect()
	}
}

func (c *StreamClient) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := backoff.WithContext(c.newBackOff(), c.ctx)
	err := backoff.RetryNotify(func() error {
		return c.Connect(c.ctx)
	}, b, func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait).Debug("reconnect failed")
	})
	if err != nil && c.ctx.Err() == nil {
		c.log.WithError(err).Error("giving up reconnecting")
	}
}

func (c *StreamClient) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *StreamClient) call(ctx context.Context, method string, params any, cb Callbacks) (*rpcMessage, *pendingCall, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	call := &pendingCall{
		cb:   cb,
		resp: make(chan *rpcMessage, 1),
		errc: make(chan error, 1),
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		return nil, nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg := <-call.resp:
		if msg.Error != nil {
			return nil, nil, msg.Error
		}
		return msg, call, nil
	case err := <-call.errc:
		return nil, nil, err
	case <-ctx.Done():
		// Ask the server to stop; it may not honor it.
		_ = c.write(conn, rpcRequest{
			JSONRPC: jsonRPCVersion,
			Method:  methodCancel,
			Params:  notificationParams{RequestID: id},
		})
		return nil, nil, ctx.Err()
	}
}

func (c *StreamClient) Execute(ctx context.Context, req Request, cb Callbacks) (*Outcome, error) {
	msg, call, err := c.call(ctx, methodExecute, newExecuteParams(req), cb)
	if err != nil {
		return nil, err
	}
	var res executeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodExecute, err)
	}
	out := res.outcome()
	if out.Output == "" {
		out.Output = call.output.String()
	}
	return out, nil
}

func (c *StreamClient) ListTools(ctx context.Context) ([]Tool, error) {
	msg, _, err := c.call(ctx, methodListTools, nil, Callbacks{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodListTools, err)
	}
	return res.Tools, nil
}

func (c *StreamClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	msg, _, err := c.call(ctx, methodCallTool, map[string]any{"name": name, "arguments": args}, Callbacks{})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", methodCallTool, err)
	}
	return &res, nil
}

// Close stops reconnecting, fails pending calls and closes the socket.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	for _, call := range pending {
		call.fail(ErrClientClosed)
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
