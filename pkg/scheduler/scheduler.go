// Package scheduler runs tasks through a dependency-aware state machine
// with priority dispatch, bounded concurrency, and cooperative
// cancellation.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/events"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/retry"
)

// DefaultConcurrency bounds simultaneously running tasks.
const DefaultConcurrency = 5

// State is a task's position in the lifecycle.
type State string

// Task states. Completed, Failed, and Cancelled are terminal.
const (
	StatePending   State = "pending"
	StateWaiting   State = "waiting"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Executor runs one task to completion. The agent runtime implements it.
type Executor func(ctx context.Context, task models.TaskSpec) (models.TaskOutput, error)

// Options configures a Scheduler.
type Options struct {
	Concurrency int
	Executor    Executor
	// Retry is the harness template for every execution; per-task
	// MaxRetries and Timeout override its attempt count and deadline.
	Retry retry.Options
	// DropFailedDependents silently cancels dependents of a failed task
	// instead of failing them with the propagated cause.
	DropFailedDependents bool
	Bus                  *events.Bus
}

// Handle is the caller's view of one submitted task.
type Handle struct {
	id     string
	done   chan struct{}
	output models.TaskOutput
	err    error
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done closes when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (models.TaskOutput, error) {
	select {
	case <-ctx.Done():
		return models.TaskOutput{}, ctx.Err()
	case <-h.done:
		return h.output, h.err
	}
}

type taskRecord struct {
	spec        models.TaskSpec
	state       State
	seq         uint64
	index       int // heap index; -1 while not queued
	pendingDeps int
	startedAt   time.Time
	// cancelled flags a Running task whose result must be discarded.
	cancelled bool
	ctx       context.Context
	handle    *Handle
}

// Scheduler is the dependency-aware task runner.
type Scheduler struct {
	concurrency int
	executor    Executor
	retryOpts   retry.Options
	dropFailed  bool
	bus         *events.Bus
	log         *slog.Logger

	mu         sync.Mutex
	tasks      map[string]*taskRecord
	ready      readyHeap
	waiting    map[string]*taskRecord
	dependents map[string]map[string]struct{}
	running    map[string]struct{}
	completed  map[string]struct{}
	failed     map[string]error
	paused     bool
	seq        uint64
	metrics    Metrics
	// emptyCh closes when the task map drains; Drain waits on it.
	emptyCh chan struct{}
}

// New creates a Scheduler. The executor is required.
func New(opts Options) (*Scheduler, error) {
	if opts.Executor == nil {
		return nil, crewerr.Configuration("scheduler requires an executor")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Scheduler{
		concurrency: concurrency,
		executor:    opts.Executor,
		retryOpts:   opts.Retry,
		dropFailed:  opts.DropFailedDependents,
		bus:         opts.Bus,
		log:         slog.With("component", "scheduler"),
		tasks:       make(map[string]*taskRecord),
		waiting:     make(map[string]*taskRecord),
		dependents:  make(map[string]map[string]struct{}),
		running:     make(map[string]struct{}),
		completed:   make(map[string]struct{}),
		failed:      make(map[string]error),
	}, nil
}

func (s *Scheduler) publish(eventType events.Type, payload any) {
	if s.bus != nil {
		s.bus.Publish(eventType, payload)
	}
}

// Submit enqueues one task. Duplicate ids are rejected. A task whose
// dependency already failed is rejected (or silently cancelled under the
// drop policy) immediately. ctx is the execution context for this task's
// port calls.
func (s *Scheduler) Submit(ctx context.Context, task models.TaskSpec) (*Handle, error) {
	if task.ID == "" {
		return nil, crewerr.Validation("task has no id")
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return nil, crewerr.Validation(fmt.Sprintf("task %q already submitted", task.ID)).
			With("task_id", task.ID)
	}
	if _, done := s.completed[task.ID]; done {
		s.mu.Unlock()
		return nil, crewerr.Validation(fmt.Sprintf("task %q already completed", task.ID)).
			With("task_id", task.ID)
	}

	rec := &taskRecord{
		spec:   task,
		state:  StatePending,
		seq:    s.nextSeqLocked(),
		index:  -1,
		ctx:    ctx,
		handle: &Handle{id: task.ID, done: make(chan struct{})},
	}
	s.tasks[task.ID] = rec
	s.metrics.Submitted++

	// A dependency that already failed terminates the task up front.
	for _, dep := range task.Dependencies {
		if cause, failed := s.failed[dep]; failed {
			s.rejectForDependencyLocked(rec, dep, cause)
			s.mu.Unlock()
			s.publish(events.TaskSubmitted, task.ID)
			return rec.handle, nil
		}
	}

	for _, dep := range task.Dependencies {
		if _, done := s.completed[dep]; done {
			continue
		}
		rec.pendingDeps++
		deps, ok := s.dependents[dep]
		if !ok {
			deps = make(map[string]struct{})
			s.dependents[dep] = deps
		}
		deps[task.ID] = struct{}{}
	}

	if rec.pendingDeps > 0 {
		rec.state = StateWaiting
		s.waiting[task.ID] = rec
	} else {
		s.enqueueReadyLocked(rec)
	}
	s.dispatchLocked()
	s.mu.Unlock()

	s.publish(events.TaskSubmitted, task.ID)
	return rec.handle, nil
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Scheduler) enqueueReadyLocked(rec *taskRecord) {
	rec.state = StateReady
	heap.Push(&s.ready, rec)
}

// dispatchLocked pops ready tasks into the running set while capacity
// allows and the scheduler is not paused.
func (s *Scheduler) dispatchLocked() {
	for !s.paused && len(s.running) < s.concurrency && s.ready.Len() > 0 {
		rec := heap.Pop(&s.ready).(*taskRecord)
		rec.state = StateRunning
		rec.startedAt = time.Now()
		s.running[rec.spec.ID] = struct{}{}
		go s.run(rec)
	}
}

func (s *Scheduler) run(rec *taskRecord) {
	s.publish(events.TaskStarted, rec.spec.ID)

	opts := s.retryOpts
	opts.OperationName = rec.spec.ID
	if rec.spec.MaxRetries > 0 {
		opts.MaxAttempts = rec.spec.MaxRetries + 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if rec.spec.Timeout > 0 {
		opts.Timeout = rec.spec.Timeout
	}

	output, err := retry.Do(rec.ctx, func(ctx context.Context) (models.TaskOutput, error) {
		return s.executor(ctx, rec.spec)
	}, opts)

	s.complete(rec, output, err)
}

// complete settles a finished execution: discards a flagged result,
// updates metrics, resolves the handle, and fans out to dependents.
func (s *Scheduler) complete(rec *taskRecord, output models.TaskOutput, err error) {
	id := rec.spec.ID

	s.mu.Lock()
	delete(s.running, id)
	delete(s.tasks, id)
	elapsed := float64(time.Since(rec.startedAt).Milliseconds())
	s.metrics.observeProcessing(elapsed)

	var eventType events.Type
	var payload any = id
	switch {
	case rec.cancelled:
		// The execute ran to completion but its result is discarded.
		s.metrics.Cancelled++
		rec.state = StateCancelled
		rec.reject(crewerr.New(crewerr.CodeCancelled, fmt.Sprintf("task %q cancelled while running", id)))
		s.cascadeLocked(id, fmt.Errorf("dependency %q was cancelled", id), true)
		eventType = events.TaskCancelled
		payload = events.CancelledPayload{ID: id, WasRunning: true}
	case err != nil:
		s.metrics.Failed++
		s.failed[id] = err
		rec.state = StateFailed
		rec.reject(err)
		s.cascadeLocked(id, fmt.Errorf("dependency %q failed: %w", id, err), s.dropFailed)
		eventType = events.TaskFailed
	default:
		s.metrics.Completed++
		s.completed[id] = struct{}{}
		rec.state = StateCompleted
		rec.resolve(output)
		s.releaseDependentsLocked(id)
		eventType = events.TaskCompleted
	}

	s.notifyIfEmptyLocked()
	s.dispatchLocked()
	s.mu.Unlock()

	s.publish(eventType, payload)
}

func (rec *taskRecord) resolve(output models.TaskOutput) {
	rec.handle.output = output
	close(rec.handle.done)
}

func (rec *taskRecord) reject(cause error) {
	rec.handle.err = cause
	close(rec.handle.done)
}

// releaseDependentsLocked decrements pendingDeps on every dependent and
// promotes the ones reaching zero.
func (s *Scheduler) releaseDependentsLocked(id string) {
	for depID := range s.dependents[id] {
		dep, ok := s.waiting[depID]
		if !ok {
			continue
		}
		dep.pendingDeps--
		if dep.pendingDeps == 0 {
			delete(s.waiting, depID)
			s.enqueueReadyLocked(dep)
		}
	}
	delete(s.dependents, id)
}

// cascadeLocked terminates every transitive dependent of a failed or
// cancelled task. With drop enabled the dependents are cancelled quietly;
// otherwise they fail with the propagated cause.
func (s *Scheduler) cascadeLocked(id string, cause error, drop bool) {
	for depID := range s.dependents[id] {
		dep, ok := s.waiting[depID]
		if !ok {
			continue
		}
		delete(s.waiting, depID)
		delete(s.tasks, depID)
		if drop {
			s.metrics.Cancelled++
			dep.state = StateCancelled
			dep.reject(crewerr.New(crewerr.CodeCancelled,
				fmt.Sprintf("task %q dropped: %v", depID, cause)))
			s.publish(events.TaskCancelled, events.CancelledPayload{ID: depID})
		} else {
			s.metrics.Failed++
			dep.state = StateFailed
			propagated := crewerr.Wrap(crewerr.CodeTaskExecution,
				fmt.Sprintf("task %q rejected", depID), cause)
			s.failed[depID] = propagated
			dep.reject(propagated)
			s.publish(events.TaskFailed, depID)
		}
		s.cascadeLocked(depID, fmt.Errorf("dependency %q failed: %w", depID, cause), drop)
	}
	delete(s.dependents, id)
}

func (s *Scheduler) rejectForDependencyLocked(rec *taskRecord, dep string, cause error) {
	id := rec.spec.ID
	delete(s.tasks, id)
	if s.dropFailed {
		s.metrics.Cancelled++
		rec.state = StateCancelled
		rec.reject(crewerr.New(crewerr.CodeCancelled,
			fmt.Sprintf("task %q dropped: dependency %q failed", id, dep)))
	} else {
		s.metrics.Failed++
		rec.state = StateFailed
		propagated := crewerr.Wrap(crewerr.CodeTaskExecution,
			fmt.Sprintf("task %q rejected: dependency %q failed", id, dep), cause)
		s.failed[id] = propagated
		rec.reject(propagated)
	}
	s.notifyIfEmptyLocked()
}

// Cancel cancels one task. From a non-Running state the cancellation is
// immediate and terminal; a Running task is flagged and its result
// discarded on completion. It reports whether the task was found.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	switch rec.state {
	case StateRunning:
		rec.cancelled = true
		s.mu.Unlock()
		return true
	case StateReady:
		if rec.index >= 0 {
			heap.Remove(&s.ready, rec.index)
		}
	case StateWaiting, StatePending:
		delete(s.waiting, id)
	}

	delete(s.tasks, id)
	s.metrics.Cancelled++
	rec.state = StateCancelled
	rec.reject(crewerr.New(crewerr.CodeCancelled, fmt.Sprintf("task %q cancelled", id)))
	s.cascadeLocked(id, fmt.Errorf("dependency %q was cancelled", id), true)
	s.notifyIfEmptyLocked()
	s.dispatchLocked()
	s.mu.Unlock()

	s.publish(events.TaskCancelled, events.CancelledPayload{ID: id})
	return true
}

// CancelAll rejects every pending, ready, and waiting task and flags the
// running ones so their results are discarded.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	var victims []string
	for id, rec := range s.tasks {
		if rec.state == StateRunning {
			rec.cancelled = true
			continue
		}
		victims = append(victims, id)
	}
	for _, id := range victims {
		rec, ok := s.tasks[id]
		if !ok {
			continue // already cascaded away
		}
		if rec.state == StateReady && rec.index >= 0 {
			heap.Remove(&s.ready, rec.index)
		}
		delete(s.waiting, id)
		delete(s.tasks, id)
		s.metrics.Cancelled++
		rec.state = StateCancelled
		rec.reject(crewerr.New(crewerr.CodeCancelled, fmt.Sprintf("task %q cancelled", id)))
		s.publish(events.TaskCancelled, events.CancelledPayload{ID: id})
	}
	s.notifyIfEmptyLocked()
	s.mu.Unlock()
}

// Pause blocks further dispatches; running tasks finish normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Debug("Scheduler paused")
}

// Resume restarts dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.dispatchLocked()
	s.mu.Unlock()
	s.log.Debug("Scheduler resumed")
}

// Drain blocks until no tasks remain in any non-terminal state.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return nil
		}
		if s.emptyCh == nil {
			s.emptyCh = make(chan struct{})
		}
		ch := s.emptyCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Scheduler) notifyIfEmptyLocked() {
	if len(s.tasks) == 0 && s.emptyCh != nil {
		close(s.emptyCh)
		s.emptyCh = nil
	}
}

// Metrics returns a counter snapshot.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.metrics
	snapshot.Running = len(s.running)
	snapshot.Queued = s.ready.Len()
	snapshot.Waiting = len(s.waiting)
	return snapshot
}

// StateOf reports a task's current state; terminal tasks report their
// final state from the completion registries.
func (s *Scheduler) StateOf(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tasks[id]; ok {
		return rec.state, true
	}
	if _, ok := s.completed[id]; ok {
		return StateCompleted, true
	}
	if _, ok := s.failed[id]; ok {
		return StateFailed, true
	}
	return "", false
}
