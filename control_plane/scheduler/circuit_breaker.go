package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/agentforge/control_plane/observability"
	"github.com/itskum47/agentforge/control_plane/resilience"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new tasks
)

var circuitStates = []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen}

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker rejects new schedule requests while the queue is backed
// up or every worker is busy.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex
	now   func() time.Time

	queueThreshold      int           // Max waiting+delayed jobs before opening
	saturationThreshold float64       // Max worker saturation before opening
	cooldownPeriod      time.Duration // Time before half-open

	openedAt  time.Time
	testCount int // Requests admitted while half-open
	testLimit int
}

// NewCircuitBreaker creates a new circuit breaker with production defaults.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:               CircuitClosed,
		now:                 time.Now,
		queueThreshold:      queueThreshold,
		saturationThreshold: 1.0,
		cooldownPeriod:      30 * time.Second,
		testLimit:           5,
	}
	cb.publish()
	return cb
}

// Admit returns ErrOverloaded when the request must be rejected.
//
// A full worker pool alone does not open the circuit; saturation only
// counts together with a queue that is already past half the threshold.
func (cb *CircuitBreaker) Admit(queueDepth int, workerSaturation float64) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	defer cb.publish()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	healthy := queueDepth < cb.queueThreshold/2 && workerSaturation < cb.saturationThreshold

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return nil
		}
		if healthy {
			cb.state = CircuitClosed
			return nil
		}
		return cb.rejection(queueDepth)
	}

	overloaded := queueDepth >= cb.queueThreshold ||
		(workerSaturation >= cb.saturationThreshold && queueDepth >= cb.queueThreshold/2)
	if overloaded {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		return cb.rejection(queueDepth)
	}

	if cb.state == CircuitOpen {
		return cb.rejection(queueDepth)
	}
	return nil
}

func (cb *CircuitBreaker) rejection(queueDepth int) error {
	return fmt.Errorf("%w: circuit %s at queue depth %d", resilience.ErrOverloaded, cb.state, queueDepth)
}

// RecordSuccess closes a half-open circuit once enough test requests ran.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
		cb.publish()
	}
}

// RecordFailure re-opens a half-open circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
		cb.testCount = 0
		cb.publish()
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) publish() {
	for _, s := range circuitStates {
		v := 0.0
		if s == cb.state {
			v = 1
		}
		observability.SchedulerCircuitState.WithLabelValues(s.String()).Set(v)
	}
}
