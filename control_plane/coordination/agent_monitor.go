package coordination

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/agents"
	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/store"
)

var agentStatuses = []store.AgentStatus{
	store.AgentPendingValidation,
	store.AgentActive,
	store.AgentBusy,
	store.AgentError,
	store.AgentInactive,
	store.AgentStopped,
}

// AgentMonitor periodically resets agents stuck BUSY with no RUNNING
// execution and publishes agent counts by status.
type AgentMonitor struct {
	store      store.Store
	notifier   agents.StatusNotifier
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// NewAgentMonitor creates a monitor. An agent must have been BUSY for at
// least staleAfter before it is reset, so a worker between acquiring the
// agent and starting its execution is left alone.
func NewAgentMonitor(s store.Store, notifier agents.StatusNotifier, interval, staleAfter time.Duration) *AgentMonitor {
	return &AgentMonitor{
		store:      s,
		notifier:   notifier,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logging.For("agent-monitor"),
	}
}

func (m *AgentMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *AgentMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.WithFields(logrus.Fields{"interval": m.interval, "stale_after": m.staleAfter}).Info("starting agent monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.WithError(err).Error("agent sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns the ids of the agents it reset.
func (m *AgentMonitor) Sweep(ctx context.Context) ([]string, error) {
	all, err := m.store.ListAgentsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[store.AgentStatus]int, len(agentStatuses))
	var busy []*store.Agent
	for _, a := range all {
		counts[a.Status]++
		if a.Status == store.AgentBusy {
			busy = append(busy, a)
		}
	}
	for _, status := range agentStatuses {
		observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	if len(busy) == 0 {
		return nil, nil
	}

	running, err := m.store.ListExecutionsByStatus(ctx, store.ExecutionRunning)
	if err != nil {
		return nil, err
	}
	holding := make(map[string]bool, len(running))
	for _, e := range running {
		holding[e.AgentID] = true
	}

	var reset []string
	for _, a := range busy {
		if holding[a.ID] || m.now().Sub(a.UpdatedAt) < m.staleAfter {
			continue
		}
		ok, err := m.store.CompareAndSetAgentStatus(ctx, a.ID, store.AgentBusy, store.AgentActive)
		if err != nil {
			m.log.WithError(err).WithField("agent_id", a.ID).Error("failed to reset stuck agent")
			continue
		}
		if !ok {
			continue
		}
		reset = append(reset, a.ID)
		observability.AgentsRecovered.WithLabelValues("monitor").Inc()
		if m.notifier != nil {
			m.notifier.BroadcastAgentStatus(a.ID, string(store.AgentActive), string(store.AgentBusy), "no running execution")
		}
		m.log.WithField("agent_id", a.ID).Warn("reset agent stuck in BUSY")
	}
	return reset, nil
}
