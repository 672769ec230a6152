// Package retry wraps fallible operations with back-off, jitter, per-attempt
// timeouts, and cancellation. One context cancels both the in-flight attempt
// and any pending back-off sleep.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/crewline/crewline/pkg/crewerr"
)

// Backoff selects the delay schedule between attempts.
type Backoff string

// Back-off strategies.
const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffFibonacci   Backoff = "fibonacci"
)

// Options configures Do.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      Backoff
	// BackoffFactor is the multiplier k for the exponential schedule
	// d0·k^(n-1). Zero means 2.
	BackoffFactor float64
	Jitter        bool
	// JitterFactor j in [0,1]: delays are multiplied by 1 + U(-j, +j).
	JitterFactor float64
	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration
	// OperationName labels timeout errors.
	OperationName string
	// Retryable decides whether an error is worth another attempt.
	// Nil falls back to crewerr.Retryable.
	Retryable func(err error, attempt int) bool
}

// ExhaustedError is the terminal error after all attempts failed.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

func defaults(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffExponential
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = 2
	}
	if opts.JitterFactor < 0 {
		opts.JitterFactor = 0
	}
	if opts.JitterFactor > 1 {
		opts.JitterFactor = 1
	}
	return opts
}

// Do runs op until it succeeds, the retryable predicate rejects the error,
// attempts are exhausted, or ctx is cancelled. A cancelled ctx aborts the
// in-flight attempt (through the derived attempt context) and the back-off
// sleep.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	opts = defaults(opts)

	retryable := opts.Retryable
	if retryable == nil {
		retryable = func(err error, _ int) bool { return crewerr.Retryable(err) }
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// Cancelled before the attempt started: no invocation.
			if lastErr == nil {
				return zero, crewerr.Wrap(crewerr.CodeCancelled, "cancelled before first attempt", err)
			}
			break
		}

		attempts = attempt
		result, err := runAttempt(ctx, op, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == opts.MaxAttempts || !retryable(err, attempt) {
			break
		}
		if sleepErr := sleep(ctx, Delay(opts, attempt)); sleepErr != nil {
			break
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, LastError: lastErr}
}

func runAttempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	if opts.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	result, err := op(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, crewerr.Timeout(opts.OperationName, opts.Timeout)
	}
	return result, err
}

// Delay returns the back-off delay before attempt n+1 (n is 1-indexed),
// jittered and clamped to [InitialDelay, MaxDelay].
func Delay(opts Options, n int) time.Duration {
	opts = defaults(opts)
	d0 := float64(opts.InitialDelay)
	var d float64
	switch opts.Backoff {
	case BackoffConstant:
		d = d0
	case BackoffLinear:
		d = d0 * float64(n)
	case BackoffFibonacci:
		d = d0 * float64(fib(n))
	default: // exponential
		d = d0
		for i := 1; i < n; i++ {
			d *= opts.BackoffFactor
		}
	}
	if opts.Jitter && opts.JitterFactor > 0 {
		j := opts.JitterFactor
		d *= 1 + (rand.Float64()*2*j - j)
	}
	if d < float64(opts.InitialDelay) {
		d = float64(opts.InitialDelay)
	}
	if d > float64(opts.MaxDelay) {
		d = float64(opts.MaxDelay)
	}
	return time.Duration(d)
}

func fib(n int) int {
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
