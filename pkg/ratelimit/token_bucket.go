package ratelimit

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket admits calls from a rate.Limiter-refilled bucket. When the
// bucket is empty, admissions park in the priority queue and a single
// dispatcher goroutine grants them as tokens refill.
type tokenBucket struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	maxRPM         int
	queue          waiterHeap
	seq            uint64
	throttleStreak int
	dispatching    bool
	closed         bool
	log            admissionLog
	onThrottle     func()
}

func newTokenBucket(cfg Config) *tokenBucket {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxRPM
	}
	return &tokenBucket{
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxRPM)/60.0, burst),
		maxRPM:     cfg.MaxRPM,
		onThrottle: cfg.OnThrottle,
	}
}

func (tb *tokenBucket) Admit(ctx context.Context, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return nil
	}
	// Fast path: no one waiting and a token is available.
	if len(tb.queue) == 0 && tb.limiter.Allow() {
		tb.log.record(time.Now())
		tb.mu.Unlock()
		return nil
	}

	tb.seq++
	w := &waiter{priority: priority, seq: tb.seq, ready: make(chan struct{})}
	heap.Push(&tb.queue, w)
	tb.startDispatcher()
	tb.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		tb.mu.Lock()
		w.removed = true
		tb.mu.Unlock()
		// The dispatcher may have granted the slot concurrently; re-check so
		// a granted token is not lost silently.
		select {
		case <-w.ready:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// startDispatcher launches the grant loop if it is not already running.
// Caller holds tb.mu.
func (tb *tokenBucket) startDispatcher() {
	if tb.dispatching {
		return
	}
	tb.dispatching = true
	go tb.dispatch()
}

// dispatch grants queued waiters one token at a time, highest priority first.
func (tb *tokenBucket) dispatch() {
	for {
		tb.mu.Lock()
		if tb.closed || len(tb.queue) == 0 {
			tb.dispatching = false
			tb.mu.Unlock()
			return
		}
		res := tb.limiter.Reserve()
		delay := res.Delay()
		tb.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		tb.mu.Lock()
		if tb.closed {
			res.Cancel()
			tb.dispatching = false
			tb.mu.Unlock()
			return
		}
		granted := false
		for len(tb.queue) > 0 {
			w := heap.Pop(&tb.queue).(*waiter)
			if w.removed {
				continue
			}
			close(w.ready)
			tb.log.record(time.Now())
			granted = true
			break
		}
		if !granted {
			// Every waiter cancelled while the token refilled; return it.
			res.Cancel()
		}
		tb.mu.Unlock()
	}
}

func (tb *tokenBucket) MarkCompleted(time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.throttleStreak = 0
}

func (tb *tokenBucket) MarkThrottled() {
	if tb.onThrottle != nil {
		tb.onThrottle()
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.throttleStreak++
	if tb.throttleStreak < throttleBackoffThreshold {
		return
	}
	tb.throttleStreak = 0
	reduced := int(float64(tb.maxRPM) * backoffFactor)
	if reduced < 1 {
		reduced = 1
	}
	if reduced == tb.maxRPM {
		return
	}
	tb.maxRPM = reduced
	tb.limiter.SetLimit(rate.Limit(reduced) / 60.0)
	slog.Warn("Rate budget reduced after sustained throttling", "max_rpm", reduced)
}

func (tb *tokenBucket) CurrentRPM() int {
	return tb.log.count(time.Now())
}

func (tb *tokenBucket) MaxRPM() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.maxRPM
}

func (tb *tokenBucket) EstimatedWait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.limiter.Tokens() >= 1 && len(tb.queue) == 0 {
		return 0
	}
	// One token every 60s/maxRPM; queued callers wait their position out.
	perToken := time.Minute / time.Duration(tb.maxRPM)
	return perToken * time.Duration(len(tb.queue)+1)
}

func (tb *tokenBucket) Close() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}
	tb.closed = true
	for len(tb.queue) > 0 {
		w := heap.Pop(&tb.queue).(*waiter)
		if !w.removed {
			close(w.ready)
		}
	}
}
