package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

// releaseTimeout bounds the release write. Release runs on a fresh context
// so a cancelled execution still frees its agent.
const releaseTimeout = 10 * time.Second

// StatusNotifier receives agent status transitions.
type StatusNotifier interface {
	BroadcastAgentStatus(agentID, newStatus, prevStatus, reason string)
}

// Outcome tells Release which status the agent returns to.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeMalfunction marks an agent-side failure; the agent goes to ERROR.
	OutcomeMalfunction
)

// OutcomeFor classifies the final error of an execution.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case resilience.IsAgentMalfunction(err):
		return OutcomeMalfunction
	default:
		return OutcomeFailure
	}
}

// Guard enforces that an agent runs one execution at a time and is always
// released afterwards.
type Guard struct {
	store    store.Store
	notifier StatusNotifier
	log      *logrus.Entry
}

func NewGuard(s store.Store, notifier StatusNotifier) *Guard {
	return &Guard{
		store:    s,
		notifier: notifier,
		log:      logging.For("agent-guard"),
	}
}

// CanDispatch reports whether the agent may take new work.
func CanDispatch(a *store.Agent) bool {
	return a != nil && a.Status == store.AgentActive
}

// Check loads the agent and fails fast unless it is ACTIVE.
func (g *Guard) Check(ctx context.Context, agentID string) (*store.Agent, error) {
	a, err := g.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, resilience.AgentNotFound(agentID)
	}
	if !CanDispatch(a) {
		return nil, &resilience.AgentNotActiveError{AgentID: agentID, CurrentStatus: string(a.Status)}
	}
	return a, nil
}

// Lease is a held agent. Release is safe to call more than once; only the
// first call has an effect.
type Lease struct {
	AgentID string
	guard   *Guard
	once    sync.Once
	err     error
}

// Acquire moves the agent ACTIVE -> BUSY. The swap is conditional, so two
// workers racing for the same agent cannot both win.
func (g *Guard) Acquire(ctx context.Context, agentID string) (*Lease, error) {
	if _, err := g.Check(ctx, agentID); err != nil {
		return nil, err
	}
	ok, err := g.store.CompareAndSetAgentStatus(ctx, agentID, store.AgentActive, store.AgentBusy)
	if err != nil {
		return nil, fmt.Errorf("acquire agent %s: %w", agentID, err)
	}
	if !ok {
		a, err := g.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		status := "UNKNOWN"
		if a != nil {
			status = string(a.Status)
		}
		return nil, &resilience.AgentNotActiveError{AgentID: agentID, CurrentStatus: status}
	}

	g.notify(agentID, store.AgentBusy, store.AgentActive, "execution started")
	return &Lease{AgentID: agentID, guard: g}, nil
}

// Release moves the agent BUSY -> ACTIVE, or BUSY -> ERROR for a
// malfunction.
func (l *Lease) Release(outcome Outcome, reason string) error {
	l.once.Do(func() {
		l.err = l.guard.release(l.AgentID, outcome, reason)
	})
	return l.err
}

func (g *Guard) release(agentID string, outcome Outcome, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	next := store.AgentActive
	if outcome == OutcomeMalfunction {
		next = store.AgentError
	}

	ok, err := g.store.CompareAndSetAgentStatus(ctx, agentID, store.AgentBusy, next)
	if err != nil {
		g.log.WithError(err).WithField("agent_id", agentID).Error("failed to release agent")
		return fmt.Errorf("release agent %s: %w", agentID, err)
	}
	if !ok {
		// Someone else moved the agent (operator, monitor); leave it.
		g.log.WithField("agent_id", agentID).Warn("agent was not BUSY at release")
		return nil
	}

	observability.AgentReleases.WithLabelValues(string(next)).Inc()
	g.notify(agentID, next, store.AgentBusy, reason)
	return nil
}

func (g *Guard) notify(agentID string, next, prev store.AgentStatus, reason string) {
	if g.notifier != nil {
		g.notifier.BroadcastAgentStatus(agentID, string(next), string(prev), reason)
	}
}

// WithAgent acquires the agent, runs fn and releases the agent on every
// exit path, including panics. The outcome is derived from fn's error.
func (g *Guard) WithAgent(ctx context.Context, agentID string, fn func(ctx context.Context) error) (err error) {
	lease, err := g.Acquire(ctx, agentID)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = lease.Release(OutcomeFailure, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
		reason := "execution finished"
		if err != nil {
			reason = err.Error()
			if errors.Is(err, context.Canceled) {
				reason = "execution cancelled"
			}
		}
		if relErr := lease.Release(OutcomeFor(err), reason); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(ctx)
}
