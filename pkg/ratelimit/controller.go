// Package ratelimit gates outbound model calls behind a per-minute budget.
// Two interchangeable algorithms are provided: a token bucket (refilled by
// an x/time rate.Limiter) and a sliding fixed window. Blocked admissions
// wait in a priority-then-FIFO queue, and three consecutive upstream
// throttles shrink the budget multiplicatively until a call completes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Controller admits outbound calls within a per-minute budget.
type Controller interface {
	// Admit blocks until the caller may proceed or ctx is cancelled.
	// It never fails for any other reason.
	Admit(ctx context.Context, priority int) error
	// MarkCompleted records a successful call and resets the throttle streak.
	MarkCompleted(duration time.Duration)
	// MarkThrottled records an upstream throttle response.
	MarkThrottled()
	// CurrentRPM returns the number of admissions in the trailing minute.
	CurrentRPM() int
	// MaxRPM returns the current (possibly backed-off) budget.
	MaxRPM() int
	// EstimatedWait approximates how long a new admission would wait.
	EstimatedWait() time.Duration
	// Close releases the controller's dispatcher. Pending admissions are
	// released immediately.
	Close()
}

// Algorithm selects the admission strategy.
type Algorithm string

// Admission algorithms.
const (
	AlgorithmTokenBucket Algorithm = "token_bucket"
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// Config configures a Controller.
type Config struct {
	Algorithm Algorithm
	MaxRPM    int
	// Burst overrides the token-bucket capacity. Zero means MaxRPM.
	Burst int
	// OnThrottle is invoked on every MarkThrottled call, before the
	// adaptive back-off bookkeeping. Used to feed throttle telemetry.
	OnThrottle func()
}

// New builds a Controller for the configured algorithm.
func New(cfg Config) (Controller, error) {
	if cfg.MaxRPM <= 0 {
		return nil, fmt.Errorf("ratelimit: maxRPM must be positive, got %d", cfg.MaxRPM)
	}
	switch cfg.Algorithm {
	case "", AlgorithmTokenBucket:
		return newTokenBucket(cfg), nil
	case AlgorithmFixedWindow:
		return newFixedWindow(cfg), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown algorithm %q", cfg.Algorithm)
	}
}

// throttleBackoffThreshold is the consecutive-throttle count that triggers
// a budget reduction.
const throttleBackoffThreshold = 3

// backoffFactor is the multiplicative budget reduction on sustained throttling.
const backoffFactor = 0.8

// admissionLog tracks admission timestamps for CurrentRPM.
type admissionLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (l *admissionLog) record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	l.times = append(l.times, now)
}

func (l *admissionLog) count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.times)
}

func (l *admissionLog) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = l.times[i:]
	}
}
