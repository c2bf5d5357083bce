package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/resilience"
	"github.com/itskum47/agentforge/control_plane/store"
)

type statusEvent struct {
	agentID, next, prev string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []statusEvent
}

func (n *recordingNotifier) BroadcastAgentStatus(agentID, newStatus, prevStatus, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, statusEvent{agentID, newStatus, prevStatus})
}

func setup(t *testing.T, status store.AgentStatus) (*Guard, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.UpsertAgent(context.Background(), &store.Agent{ID: "a1", Status: status}))
	n := &recordingNotifier{}
	return NewGuard(s, n), s, n
}

func agentStatus(t *testing.T, s *store.MemoryStore) store.AgentStatus {
	t.Helper()
	a, err := s.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	return a.Status
}

func TestCheckRejectsInactiveAgent(t *testing.T) {
	g, _, _ := setup(t, store.AgentError)

	_, err := g.Check(context.Background(), "a1")
	var notActive *resilience.AgentNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, "ERROR", notActive.CurrentStatus)

	_, err = g.Check(context.Background(), "missing")
	assert.ErrorIs(t, err, resilience.ErrAgentNotFound)
}

func TestAcquireReleaseTransitions(t *testing.T) {
	g, s, n := setup(t, store.AgentActive)
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentBusy, agentStatus(t, s))

	_, err = g.Acquire(ctx, "a1")
	assert.ErrorIs(t, err, resilience.ErrAgentNotActive)

	require.NoError(t, lease.Release(OutcomeSuccess, "done"))
	require.NoError(t, lease.Release(OutcomeMalfunction, "again"))
	assert.Equal(t, store.AgentActive, agentStatus(t, s))

	assert.Equal(t, []statusEvent{
		{"a1", "BUSY", "ACTIVE"},
		{"a1", "ACTIVE", "BUSY"},
	}, n.events)
}

func TestWithAgentReleasesOnEveryPath(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		require.NoError(t, g.WithAgent(ctx, "a1", func(ctx context.Context) error { return nil }))
		assert.Equal(t, store.AgentActive, agentStatus(t, s))
	})

	t.Run("task failure", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		err := g.WithAgent(ctx, "a1", func(ctx context.Context) error { return resilience.ErrExecutionFailed })
		assert.ErrorIs(t, err, resilience.ErrExecutionFailed)
		assert.Equal(t, store.AgentActive, agentStatus(t, s))
	})

	t.Run("timeout", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		err := g.WithAgent(ctx, "a1", func(ctx context.Context) error { return &resilience.TimeoutError{} })
		assert.ErrorIs(t, err, resilience.ErrTimeout)
		assert.Equal(t, store.AgentActive, agentStatus(t, s))
	})

	t.Run("malfunction", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		err := g.WithAgent(ctx, "a1", func(ctx context.Context) error {
			return &resilience.RemoteUnavailableError{ServerID: "s1", Err: errors.New("refused")}
		})
		assert.ErrorIs(t, err, resilience.ErrRemoteUnavailable)
		assert.Equal(t, store.AgentError, agentStatus(t, s))
	})

	t.Run("cancelled", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		cctx, cancel := context.WithCancel(ctx)
		err := g.WithAgent(cctx, "a1", func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, store.AgentActive, agentStatus(t, s))
	})

	t.Run("panic", func(t *testing.T) {
		g, s, _ := setup(t, store.AgentActive)
		assert.Panics(t, func() {
			_ = g.WithAgent(ctx, "a1", func(ctx context.Context) error { panic("boom") })
		})
		assert.Equal(t, store.AgentActive, agentStatus(t, s))
	})
}

func TestWithAgentNeverRunsOnInactiveAgent(t *testing.T) {
	g, _, n := setup(t, store.AgentStopped)
	called := false
	err := g.WithAgent(context.Background(), "a1", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, resilience.ErrAgentNotActive)
	assert.False(t, called)
	assert.Empty(t, n.events)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFor(nil))
	assert.Equal(t, OutcomeFailure, OutcomeFor(errors.New("bad prompt")))
	assert.Equal(t, OutcomeMalfunction, OutcomeFor(&resilience.RemoteUnavailableError{}))
}
