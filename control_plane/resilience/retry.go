package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxAttempts bounds the number of times the operation runs (minimum 1).
	MaxAttempts int
	// Timeout bounds a single attempt. Zero disables the per-attempt bound.
	Timeout time.Duration
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	Backoff   BackoffKind
	// OnRetry runs after a failed attempt when another attempt will follow.
	OnRetry func(attempt int, err error)
}

// Delay returns the wait after the given failed attempt (1-based):
// base*2^(attempt-1) for exponential, base*attempt for linear.
func (o RetryOptions) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if o.Backoff == BackoffLinear {
		return o.BaseDelay * time.Duration(attempt)
	}
	return o.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// linearBackOff implements backoff.BackOff with base*n delays.
type linearBackOff struct {
	base time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.base * time.Duration(l.n)
}

func (l *linearBackOff) Reset() { l.n = 0 }

func newBackOff(opts RetryOptions) backoff.BackOff {
	if opts.Backoff == BackoffLinear {
		return &linearBackOff{base: opts.BaseDelay}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	return b
}

type attemptResult[T any] struct {
	val T
	err error
}

// WithRetry runs op until it succeeds, returns a non-retryable error, the
// context is cancelled, or MaxAttempts is exhausted. The last error is
// returned as-is; a cancelled context returns the context error.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(opts), uint64(opts.MaxAttempts-1)), ctx)

	var (
		result  T
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		val, err := runAttempt(ctx, op, attempt, opts.Timeout)
		if err == nil {
			result = val
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, _ time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
	})
	return result, err
}

// runAttempt races op against the per-attempt timeout. On expiry the attempt
// context is cancelled and a TimeoutError is returned without waiting for op.
func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), attempt int, timeout time.Duration) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		val, err := op(attemptCtx)
		done <- attemptResult[T]{val: val, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil && timeout > 0 {
			return zero, &TimeoutError{Attempt: attempt, Timeout: timeout}
		}
		return res.val, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Attempt: attempt, Timeout: timeout}
	}
}
