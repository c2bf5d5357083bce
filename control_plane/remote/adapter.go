package remote

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/resilience"
)

// Adapter runs a prompt on a remote agent through the ordered transport
// strategies of its server. It does not retry; the first strategy that
// returns an outcome wins.
type Adapter struct {
	registry *Registry
	log      *logrus.Entry
}

func NewAdapter(registry *Registry) *Adapter {
	return &Adapter{
		registry: registry,
		log:      logging.For("remote-adapter"),
	}
}

// Execute runs req against serverID. A deadline hit surfaces as
// TimeoutError, cancellation as ctx.Err(), and exhaustion of every strategy
// as RemoteUnavailableError. Output streamed before a failure has already
// been delivered to cb.
func (a *Adapter) Execute(ctx context.Context, serverID string, req Request, cb Callbacks) (*Outcome, error) {
	var timeout time.Duration
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	strategies, err := a.registry.Acquire(ctx, serverID)
	if err != nil {
		if errors.Is(err, resilience.ErrServerNotFound) {
			return nil, err
		}
		return nil, &resilience.RemoteUnavailableError{ServerID: serverID, Err: err}
	}
	defer a.registry.Release(serverID)

	return RunStrategies(ctx, serverID, strategies, timeout, func(ctx context.Context, c Client) (*Outcome, error) {
		return c.Execute(ctx, req, cb)
	}, a.log)
}

// RunStrategies tries each strategy in order until one produces an outcome.
func RunStrategies(ctx context.Context, serverID string, strategies []TransportStrategy, timeout time.Duration,
	run func(ctx context.Context, c Client) (*Outcome, error), log *logrus.Entry) (*Outcome, error) {

	var lastErr error
	for _, s := range strategies {
		out, err := run(ctx, s.Client)
		if err == nil {
			out.Strategy = s.Kind
			observability.RemoteRequests.WithLabelValues(string(s.Kind), "ok").Inc()
			return out, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.RemoteRequests.WithLabelValues(string(s.Kind), "aborted").Inc()
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &resilience.TimeoutError{Timeout: timeout}
			}
			return nil, ctxErr
		}

		observability.RemoteRequests.WithLabelValues(string(s.Kind), "error").Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"server_id": serverID,
			"strategy":  s.Kind,
		}).Warn("transport failed, trying next strategy")
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no transport strategies configured")
	}
	return nil, &resilience.RemoteUnavailableError{ServerID: serverID, Err: lastErr}
}

// ListTools lists the tools of serverID through the first working strategy.
func (a *Adapter) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	strategies, err := a.registry.Acquire(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer a.registry.Release(serverID)

	var lastErr error
	for _, s := range strategies {
		tools, err := s.Client.ListTools(ctx)
		if err == nil {
			return tools, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, &resilience.RemoteUnavailableError{ServerID: serverID, Err: lastErr}
}

// CallTool invokes a tool on serverID through the first working strategy.
func (a *Adapter) CallTool(ctx context.Context, serverID, name string, args map[string]any) (*ToolResult, error) {
	strategies, err := a.registry.Acquire(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer a.registry.Release(serverID)

	var lastErr error
	for _, s := range strategies {
		res, err := s.Client.CallTool(ctx, name, args)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, &resilience.RemoteUnavailableError{ServerID: serverID, Err: lastErr}
}

// Close releases every remote client.
func (a *Adapter) Close() error {
	return a.registry.CloseAll()
}
