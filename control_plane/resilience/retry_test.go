package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryBoundsAttempts(t *testing.T) {
	var calls int32
	boom := errors.New("boom")

	_, err := WithRetry(context.Background(), func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", boom
	}, RetryOptions{MaxAttempts: 4, BaseDelay: time.Millisecond})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	var calls int32
	var retried []int

	out, err := WithRetry(context.Background(), func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}, RetryOptions{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	})

	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestWithRetryTimeoutIsDistinguished(t *testing.T) {
	var calls int32
	_, err := WithRetry(context.Background(), func(ctx context.Context) (struct{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return struct{}{}, nil
	}, RetryOptions{MaxAttempts: 2, Timeout: 20 * time.Millisecond, BaseDelay: time.Millisecond})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, te.Attempt)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWithRetryFiresAttemptCancellation(t *testing.T) {
	cancelled := make(chan struct{})
	_, err := WithRetry(context.Background(), func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	}, RetryOptions{MaxAttempts: 1, Timeout: 10 * time.Millisecond})

	assert.ErrorIs(t, err, ErrTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("attempt context was not cancelled on timeout")
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int32
	_, err := WithRetry(context.Background(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, TaskNotFound("t-1")
	}, RetryOptions{MaxAttempts: 5, BaseDelay: time.Millisecond})

	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	_, err := WithRetry(ctx, func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
		return 0, errors.New("transient")
	}, RetryOptions{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryDelay(t *testing.T) {
	exp := RetryOptions{BaseDelay: time.Second, Backoff: BackoffExponential}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))

	lin := RetryOptions{BaseDelay: time.Second, Backoff: BackoffLinear}
	assert.Equal(t, time.Second, lin.Delay(1))
	assert.Equal(t, 3*time.Second, lin.Delay(3))
}

func TestLinearBackOffSequence(t *testing.T) {
	b := &linearBackOff{base: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestErrorTaxonomy(t *testing.T) {
	err := WrapTask("t-1", "dispatch", &AgentNotActiveError{AgentID: "a-1", CurrentStatus: "ERROR"})
	assert.ErrorIs(t, err, ErrAgentNotActive)
	assert.False(t, IsRetryable(err))

	remote := &RemoteUnavailableError{ServerID: "s-1", Err: errors.New("dial refused")}
	assert.ErrorIs(t, remote, ErrRemoteUnavailable)
	assert.True(t, IsRetryable(remote))
	assert.True(t, IsAgentMalfunction(remote))
	assert.False(t, IsAgentMalfunction(&TimeoutError{Timeout: time.Second}))
}
