package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentforge/control_plane/resilience"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(10)
	now := time.Now()
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Admit(3, 0.2))
	assert.Equal(t, CircuitClosed, cb.GetState())

	err := cb.Admit(10, 0.2)
	assert.ErrorIs(t, err, resilience.ErrOverloaded)
	assert.Equal(t, CircuitOpen, cb.GetState())

	// Still open before the cooldown, even once the queue drains.
	assert.ErrorIs(t, cb.Admit(0, 0), resilience.ErrOverloaded)

	now = now.Add(31 * time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Admit(0, 0))
		assert.Equal(t, CircuitHalfOpen, cb.GetState())
	}
	require.NoError(t, cb.Admit(0, 0))
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerSaturation(t *testing.T) {
	cb := NewCircuitBreaker(10)

	// A full pool with a short queue is normal operation.
	require.NoError(t, cb.Admit(2, 1.0))
	assert.ErrorIs(t, cb.Admit(5, 1.0), resilience.ErrOverloaded)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(10)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Admit(10, 0)
	now = now.Add(time.Minute)
	require.NoError(t, cb.Admit(0, 0))
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}

func TestAgentLimiter(t *testing.T) {
	l := NewAgentLimiter(1, 2)

	ok, _ := l.Reserve("a1")
	assert.True(t, ok)
	ok, _ = l.Reserve("a1")
	assert.True(t, ok)
	ok, delay := l.Reserve("a1")
	assert.False(t, ok)
	assert.Greater(t, delay, time.Duration(0))

	// Buckets are per agent.
	ok, _ = l.Reserve("a2")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Tracked())

	unlimited := NewAgentLimiter(0, 0)
	for i := 0; i < 10; i++ {
		ok, _ = unlimited.Reserve("a1")
		assert.True(t, ok)
	}
}

func TestResolvePrompt(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{"no vars", "Hello {{name}}", nil, "Hello {{name}}"},
		{"simple", "Hello {{name}}", map[string]string{"name": "Ada"}, "Hello Ada"},
		{"whitespace", "Hello {{  name }}!", map[string]string{"name": "Ada"}, "Hello Ada!"},
		{"unknown kept", "{{a}} and {{b}}", map[string]string{"a": "1"}, "1 and {{b}}"},
		{"dotted", "repo {{repo.name}}", map[string]string{"repo.name": "core"}, "repo core"},
		{"repeated", "{{x}}{{x}}", map[string]string{"x": "ab"}, "abab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePrompt(tt.template, tt.vars))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DefaultMaxRetries: -1}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{DefaultMaxRetries: 0, Concurrency: 8}.withDefaults()
	assert.Equal(t, 0, cfg.DefaultMaxRetries)
	assert.Equal(t, 8, cfg.Concurrency)
}
