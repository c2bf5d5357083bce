package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
)

// Probe reports whether a backing service answers.
type Probe func(ctx context.Context) error

type dependency struct {
	probe     Probe
	available bool
	lastErr   string
	checkedAt time.Time
}

// DegradedMode tracks the availability of the control plane's backing
// services. The system is degraded while any of them is unavailable.
type DegradedMode struct {
	mu   sync.RWMutex
	deps map[string]*dependency
	log  *logrus.Entry
}

// DependencyHealth is the last probe result of one dependency.
type DependencyHealth struct {
	Available bool      `json:"available"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// NewDegradedMode creates a new degraded mode manager
func NewDegradedMode() *DegradedMode {
	return &DegradedMode{
		deps: make(map[string]*dependency),
		log:  logging.For("degraded-mode"),
	}
}

// Register adds a dependency. It starts out available.
func (d *DegradedMode) Register(name string, probe Probe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps[name] = &dependency{probe: probe, available: true}
	observability.DependencyUp.WithLabelValues(name).Set(1)
}

// MarkUnavailable records a failure observed outside a probe.
func (d *DegradedMode) MarkUnavailable(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(name, err)
}

// MarkAvailable records that a dependency answered again.
func (d *DegradedMode) MarkAvailable(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(name, nil)
}

func (d *DegradedMode) setLocked(name string, err error) {
	dep, ok := d.deps[name]
	if !ok {
		return
	}
	dep.checkedAt = time.Now()
	if err != nil {
		dep.lastErr = err.Error()
		if dep.available {
			d.log.WithField("dependency", name).WithError(err).Warn("dependency unavailable, entering degraded mode")
		}
		dep.available = false
		observability.DependencyUp.WithLabelValues(name).Set(0)
		return
	}
	if !dep.available {
		d.log.WithField("dependency", name).Info("dependency recovered")
	}
	dep.available = true
	dep.lastErr = ""
	observability.DependencyUp.WithLabelValues(name).Set(1)
}

// Check runs every probe with the given per-probe timeout.
func (d *DegradedMode) Check(ctx context.Context, timeout time.Duration) {
	d.mu.RLock()
	probes := make(map[string]Probe, len(d.deps))
	for name, dep := range d.deps {
		probes[name] = dep.probe
	}
	d.mu.RUnlock()

	for name, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := probe(pctx)
		cancel()
		d.mu.Lock()
		d.setLocked(name, err)
		d.mu.Unlock()
	}
}

// Start probes every interval until ctx is done.
func (d *DegradedMode) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Check(ctx, interval/2)
			}
		}
	}()
}

// IsAvailable reports the last known state of a dependency. Unknown
// dependencies are reported available.
func (d *DegradedMode) IsAvailable(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dep, ok := d.deps[name]
	return !ok || dep.available
}

// IsDegraded returns true if system is in degraded mode
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range d.deps {
		if !dep.available {
			return true
		}
	}
	return false
}

// HealthCheck returns the state of every dependency.
func (d *DegradedMode) HealthCheck() map[string]DependencyHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]DependencyHealth, len(d.deps))
	for name, dep := range d.deps {
		out[name] = DependencyHealth{Available: dep.available, Error: dep.lastErr, CheckedAt: dep.checkedAt}
	}
	return out
}

// Dependencies lists registered names in order.
func (d *DegradedMode) Dependencies() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.deps))
	for name := range d.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
