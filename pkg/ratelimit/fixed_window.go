package ratelimit

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// jitterBuffer pads the fixed-window wait estimate so a grant scheduled for
// the instant the oldest timestamp expires does not race the clock.
const jitterBuffer = 50 * time.Millisecond

// fixedWindow admits calls while fewer than maxRPM admissions happened in
// the trailing 60 seconds.
type fixedWindow struct {
	mu             sync.Mutex
	maxRPM         int
	window         []time.Time
	queue          waiterHeap
	seq            uint64
	throttleStreak int
	dispatching    bool
	closed         bool
	log            admissionLog
	onThrottle     func()
}

func newFixedWindow(cfg Config) *fixedWindow {
	return &fixedWindow{maxRPM: cfg.MaxRPM, onThrottle: cfg.OnThrottle}
}

func (fw *fixedWindow) Admit(ctx context.Context, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	now := time.Now()
	fw.pruneLocked(now)
	if len(fw.queue) == 0 && len(fw.window) < fw.maxRPM {
		fw.window = append(fw.window, now)
		fw.log.record(now)
		fw.mu.Unlock()
		return nil
	}

	fw.seq++
	w := &waiter{priority: priority, seq: fw.seq, ready: make(chan struct{})}
	heap.Push(&fw.queue, w)
	fw.startDispatcher()
	fw.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		fw.mu.Lock()
		w.removed = true
		fw.mu.Unlock()
		select {
		case <-w.ready:
			return nil
		default:
		}
		return ctx.Err()
	}
}

// pruneLocked drops window timestamps older than one minute. Caller holds fw.mu.
func (fw *fixedWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(fw.window) && !fw.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		fw.window = fw.window[i:]
	}
}

func (fw *fixedWindow) startDispatcher() {
	if fw.dispatching {
		return
	}
	fw.dispatching = true
	go fw.dispatch()
}

func (fw *fixedWindow) dispatch() {
	for {
		fw.mu.Lock()
		if fw.closed || len(fw.queue) == 0 {
			fw.dispatching = false
			fw.mu.Unlock()
			return
		}
		now := time.Now()
		fw.pruneLocked(now)

		// Grant as many waiters as the window allows.
		for len(fw.queue) > 0 && len(fw.window) < fw.maxRPM {
			w := heap.Pop(&fw.queue).(*waiter)
			if w.removed {
				continue
			}
			close(w.ready)
			fw.window = append(fw.window, now)
			fw.log.record(now)
		}

		if len(fw.queue) == 0 {
			fw.dispatching = false
			fw.mu.Unlock()
			return
		}

		// Window is full: sleep until the oldest admission leaves it.
		wait := time.Until(fw.window[0].Add(time.Minute)) + jitterBuffer
		fw.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		time.Sleep(wait)
	}
}

func (fw *fixedWindow) MarkCompleted(time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.throttleStreak = 0
}

func (fw *fixedWindow) MarkThrottled() {
	if fw.onThrottle != nil {
		fw.onThrottle()
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.throttleStreak++
	if fw.throttleStreak < throttleBackoffThreshold {
		return
	}
	fw.throttleStreak = 0
	reduced := int(float64(fw.maxRPM) * backoffFactor)
	if reduced < 1 {
		reduced = 1
	}
	if reduced != fw.maxRPM {
		fw.maxRPM = reduced
		slog.Warn("Rate budget reduced after sustained throttling", "max_rpm", reduced)
	}
}

func (fw *fixedWindow) CurrentRPM() int {
	return fw.log.count(time.Now())
}

func (fw *fixedWindow) MaxRPM() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.maxRPM
}

func (fw *fixedWindow) EstimatedWait() time.Duration {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	now := time.Now()
	fw.pruneLocked(now)
	if len(fw.window) < fw.maxRPM && len(fw.queue) == 0 {
		return 0
	}
	if len(fw.window) == 0 {
		return jitterBuffer
	}
	return time.Until(fw.window[0].Add(time.Minute)) + jitterBuffer
}

func (fw *fixedWindow) Close() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return
	}
	fw.closed = true
	for len(fw.queue) > 0 {
		w := heap.Pop(&fw.queue).(*waiter)
		if !w.removed {
			close(w.ready)
		}
	}
}
