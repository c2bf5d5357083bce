package coordination

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/agents"
	"github.com/itskum47/agentforge/control_plane/execution"
	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/store"
)

const interruptedReason = "interrupted by control plane restart"

// ReconcileReport summarizes a restart sweep.
type ReconcileReport struct {
	Executions []string `json:"executions"`
	Agents     []string `json:"agents"`
}

// ReconcileInterrupted fails every execution left RUNNING by a previous
// process, along with its task, and moves the agents that were running them
// from BUSY back to ACTIVE. No worker holds anything at startup, so every
// RUNNING execution is orphaned. Run it before restoring the queue.
func ReconcileInterrupted(ctx context.Context, s store.Store, notifier agents.StatusNotifier) (*ReconcileReport, error) {
	log := logging.For("reconcile")

	running, err := s.ListExecutionsByStatus(ctx, store.ExecutionRunning)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}

	manager := execution.NewManager(s)
	report := &ReconcileReport{Executions: []string{}, Agents: []string{}}
	seen := make(map[string]bool)

	for _, e := range running {
		_, changed, err := manager.MarkTerminal(ctx, e.ID, store.ExecutionFailed, execution.Result{Error: interruptedReason})
		if err != nil {
			return report, fmt.Errorf("fail execution %s: %w", e.ID, err)
		}
		if changed {
			report.Executions = append(report.Executions, e.ID)
			observability.InterruptedExecutions.Inc()
		}

		if e.AgentID == "" || seen[e.AgentID] {
			continue
		}
		seen[e.AgentID] = true
		ok, err := s.CompareAndSetAgentStatus(ctx, e.AgentID, store.AgentBusy, store.AgentActive)
		if err != nil {
			log.WithError(err).WithField("agent_id", e.AgentID).Warn("failed to reset agent")
			continue
		}
		if ok {
			report.Agents = append(report.Agents, e.AgentID)
			observability.AgentsRecovered.WithLabelValues("reconcile").Inc()
			if notifier != nil {
				notifier.BroadcastAgentStatus(e.AgentID, string(store.AgentActive), string(store.AgentBusy), interruptedReason)
			}
		}
	}

	log.WithFields(logrus.Fields{
		"executions": len(report.Executions),
		"agents":     len(report.Agents),
	}).Info("reconciled interrupted executions")
	return report, nil
}
