package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentLimiter spreads dispatches to the same agent over time. Each agent
// gets its own token bucket, created on first use.
type AgentLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	every   rate.Limit
	burst   int
}

// NewAgentLimiter allows perSecond dispatches per agent with the given
// burst. perSecond <= 0 disables limiting.
func NewAgentLimiter(perSecond float64, burst int) *AgentLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AgentLimiter{
		buckets: make(map[string]*rate.Limiter),
		every:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Reserve takes a dispatch slot for agentID. When none is free it returns
// false and the wait until the next slot; nothing is consumed in that case.
func (l *AgentLimiter) Reserve(agentID string) (bool, time.Duration) {
	if l.every <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[agentID]
	if !ok {
		bucket = rate.NewLimiter(l.every, l.burst)
		l.buckets[agentID] = bucket
	}
	res := bucket.Reserve()
	if wait := res.Delay(); wait > 0 {
		res.Cancel()
		return false, wait
	}
	return true, 0
}

// Tracked returns the number of agents with a bucket.
func (l *AgentLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
