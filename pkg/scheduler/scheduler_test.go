package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/retry"
)

// scriptedExecutor routes task ids to scripted behaviors; unscripted ids
// succeed immediately with "ok:<id>".
type scriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string]func(ctx context.Context) (string, error)
	order   []string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{scripts: make(map[string]func(ctx context.Context) (string, error))}
}

func (e *scriptedExecutor) script(id string, fn func(ctx context.Context) (string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[id] = fn
}

func (e *scriptedExecutor) execute(ctx context.Context, task models.TaskSpec) (models.TaskOutput, error) {
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	fn := e.scripts[task.ID]
	e.mu.Unlock()

	if fn == nil {
		return models.TaskOutput{Result: "ok:" + task.ID}, nil
	}
	result, err := fn(ctx)
	if err != nil {
		return models.TaskOutput{}, err
	}
	return models.TaskOutput{Result: result}, nil
}

func (e *scriptedExecutor) executionOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func newTestScheduler(t *testing.T, opts Options, exec *scriptedExecutor) *Scheduler {
	t.Helper()
	opts.Executor = exec.execute
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestNewRequiresExecutor(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeConfiguration, crewerr.CodeOf(err))
}

func TestSubmitAndComplete(t *testing.T) {
	s := newTestScheduler(t, Options{}, newScriptedExecutor())
	ctx := context.Background()

	h, err := s.Submit(ctx, models.TaskSpec{ID: "t1"})
	require.NoError(t, err)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok:t1", out.Result)

	state, ok := s.StateOf("t1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, state)
}

func TestSubmitDuplicateIDRejected(t *testing.T) {
	exec := newScriptedExecutor()
	block := make(chan struct{})
	exec.script("t1", func(ctx context.Context) (string, error) {
		<-block
		return "done", nil
	})
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	_, err := s.Submit(ctx, models.TaskSpec{ID: "t1"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "t1"})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeValidation, crewerr.CodeOf(err))
	close(block)
}

func TestDependencyOrdering(t *testing.T) {
	exec := newScriptedExecutor()
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	hc, err := s.Submit(ctx, models.TaskSpec{ID: "c", Dependencies: []string{"a", "b"}})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "b"})
	require.NoError(t, err)

	_, err = hc.Wait(ctx)
	require.NoError(t, err)

	order := exec.executionOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "c", order[2], "dependent runs after both dependencies")
}

func TestSubmitWithCompletedDependencyIsReady(t *testing.T) {
	s := newTestScheduler(t, Options{}, newScriptedExecutor())
	ctx := context.Background()

	ha, err := s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)
	_, err = ha.Wait(ctx)
	require.NoError(t, err)

	hb, err := s.Submit(ctx, models.TaskSpec{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	out, err := hb.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok:b", out.Result)
}

func TestPriorityDispatchOrder(t *testing.T) {
	exec := newScriptedExecutor()
	gate := make(chan struct{})
	exec.script("gate", func(ctx context.Context) (string, error) {
		<-gate
		return "done", nil
	})
	s := newTestScheduler(t, Options{Concurrency: 1}, exec)
	ctx := context.Background()

	// Fill the single slot, then queue mixed priorities.
	_, err := s.Submit(ctx, models.TaskSpec{ID: "gate"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "low-1", Priority: models.PriorityLow})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "critical", Priority: models.PriorityCritical})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "low-2", Priority: models.PriorityLow})
	require.NoError(t, err)
	hHigh, err := s.Submit(ctx, models.TaskSpec{ID: "high", Priority: models.PriorityHigh})
	require.NoError(t, err)

	close(gate)
	_, err = hHigh.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Drain(ctx))

	order := exec.executionOrder()
	assert.Equal(t, []string{"gate", "critical", "high", "low-1", "low-2"}, order,
		"priority descending, FIFO within a priority")
}

func TestFailurePropagatesToDependents(t *testing.T) {
	exec := newScriptedExecutor()
	boom := errors.New("boom")
	exec.script("a", func(ctx context.Context) (string, error) { return "", boom })
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	hb, err := s.Submit(ctx, models.TaskSpec{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	hc, err := s.Submit(ctx, models.TaskSpec{ID: "c", Dependencies: []string{"b"}})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)

	_, err = hb.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeTaskExecution, crewerr.CodeOf(err))
	assert.ErrorIs(t, err, boom)

	// The failure cascades transitively.
	_, err = hc.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeTaskExecution, crewerr.CodeOf(err))

	// b and c never executed.
	assert.Equal(t, []string{"a"}, exec.executionOrder())
}

func TestDropFailedDependentsCancelsQuietly(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("a", func(ctx context.Context) (string, error) { return "", errors.New("boom") })
	s := newTestScheduler(t, Options{DropFailedDependents: true}, exec)
	ctx := context.Background()

	hb, err := s.Submit(ctx, models.TaskSpec{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	_, err = s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)

	_, err = hb.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err))
}

func TestSubmitAfterDependencyFailed(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("a", func(ctx context.Context) (string, error) { return "", errors.New("boom") })
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	ha, err := s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)
	_, err = ha.Wait(ctx)
	require.Error(t, err)

	hb, err := s.Submit(ctx, models.TaskSpec{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	_, err = hb.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeTaskExecution, crewerr.CodeOf(err))
}

func TestCancelWaitingTaskIsImmediate(t *testing.T) {
	exec := newScriptedExecutor()
	block := make(chan struct{})
	exec.script("a", func(ctx context.Context) (string, error) {
		<-block
		return "done", nil
	})
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	_, err := s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)
	hb, err := s.Submit(ctx, models.TaskSpec{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)

	assert.True(t, s.Cancel("b"))
	_, err = hb.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err))
	close(block)

	// b never runs even after a completes.
	require.NoError(t, s.Drain(ctx))
	assert.Equal(t, []string{"a"}, exec.executionOrder())
}

func TestCancelRunningTaskDiscardsResult(t *testing.T) {
	exec := newScriptedExecutor()
	started := make(chan struct{})
	block := make(chan struct{})
	finished := false
	exec.script("a", func(ctx context.Context) (string, error) {
		close(started)
		<-block
		finished = true
		return "discarded", nil
	})
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	ha, err := s.Submit(ctx, models.TaskSpec{ID: "a"})
	require.NoError(t, err)
	<-started

	assert.True(t, s.Cancel("a"))
	close(block)

	_, err = ha.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err))
	assert.True(t, finished, "the in-flight execute ran to completion")
}

func TestCancelUnknownTask(t *testing.T) {
	s := newTestScheduler(t, Options{}, newScriptedExecutor())
	assert.False(t, s.Cancel("ghost"))
}

func TestCancelAllRejectsQueuedAndWaiting(t *testing.T) {
	exec := newScriptedExecutor()
	block := make(chan struct{})
	exec.script("running", func(ctx context.Context) (string, error) {
		<-block
		return "done", nil
	})
	s := newTestScheduler(t, Options{Concurrency: 1}, exec)
	ctx := context.Background()

	hr, err := s.Submit(ctx, models.TaskSpec{ID: "running"})
	require.NoError(t, err)
	hq, err := s.Submit(ctx, models.TaskSpec{ID: "queued"})
	require.NoError(t, err)
	hw, err := s.Submit(ctx, models.TaskSpec{ID: "waiting", Dependencies: []string{"queued"}})
	require.NoError(t, err)

	s.CancelAll()
	close(block)

	_, err = hq.Wait(ctx)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err))
	_, err = hw.Wait(ctx)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err))
	_, err = hr.Wait(ctx)
	assert.Equal(t, crewerr.CodeCancelled, crewerr.CodeOf(err), "running task's result is discarded")
}

func TestPauseBlocksDispatch(t *testing.T) {
	exec := newScriptedExecutor()
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	s.Pause()
	h, err := s.Submit(ctx, models.TaskSpec{ID: "t1"})
	require.NoError(t, err)

	select {
	case <-h.Done():
		t.Fatal("task must not run while paused")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestDrainWaitsForAllTasks(t *testing.T) {
	exec := newScriptedExecutor()
	s := newTestScheduler(t, Options{Concurrency: 2}, exec)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Submit(ctx, models.TaskSpec{ID: fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, s.Drain(ctx))
	assert.Len(t, exec.executionOrder(), 6)

	// Draining an empty scheduler returns immediately.
	require.NoError(t, s.Drain(ctx))
}

func TestDrainHonorsContext(t *testing.T) {
	exec := newScriptedExecutor()
	block := make(chan struct{})
	defer close(block)
	exec.script("slow", func(ctx context.Context) (string, error) {
		<-block
		return "done", nil
	})
	s := newTestScheduler(t, Options{}, exec)

	_, err := s.Submit(context.Background(), models.TaskSpec{ID: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
}

func TestTaskTimeoutBecomesTimeoutError(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("slow", func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "done", nil
		}
	})
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	h, err := s.Submit(ctx, models.TaskSpec{ID: "slow", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = h.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeTimeout, crewerr.CodeOf(err))
}

func TestTaskRetriesPerSpec(t *testing.T) {
	exec := newScriptedExecutor()
	attempts := 0
	exec.script("flaky", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", crewerr.New(crewerr.CodeNetwork, "transient")
		}
		return "recovered", nil
	})
	s := newTestScheduler(t, Options{
		Retry: retry.Options{InitialDelay: time.Millisecond, Backoff: retry.BackoffConstant},
	}, exec)
	ctx := context.Background()

	h, err := s.Submit(ctx, models.TaskSpec{ID: "flaky", MaxRetries: 3})
	require.NoError(t, err)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Result)
	assert.Equal(t, 3, attempts)
}

func TestMetricsCounters(t *testing.T) {
	exec := newScriptedExecutor()
	exec.script("bad", func(ctx context.Context) (string, error) { return "", errors.New("boom") })
	s := newTestScheduler(t, Options{}, exec)
	ctx := context.Background()

	h1, err := s.Submit(ctx, models.TaskSpec{ID: "good"})
	require.NoError(t, err)
	h2, err := s.Submit(ctx, models.TaskSpec{ID: "bad"})
	require.NoError(t, err)
	<-h1.Done()
	<-h2.Done()
	require.NoError(t, s.Drain(ctx))

	m := s.Metrics()
	assert.Equal(t, int64(2), m.Submitted)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(1), m.Failed)
	assert.Zero(t, m.Running)
	assert.GreaterOrEqual(t, m.AvgProcessingMs, 0.0)
}

func TestReadyHeapOrdering(t *testing.T) {
	var h readyHeap
	push := func(id string, priority models.Priority, seq uint64) {
		h = append(h, &taskRecord{spec: models.TaskSpec{ID: id, Priority: priority}, seq: seq})
	}
	push("low-late", models.PriorityLow, 4)
	push("high-late", models.PriorityHigh, 3)
	push("low-early", models.PriorityLow, 1)
	push("high-early", models.PriorityHigh, 2)

	// Heap property via sort order check.
	assert.True(t, h.Less(3, 0))
	assert.True(t, h.Less(1, 2))
	assert.True(t, h.Less(3, 1), "earlier sequence wins inside a priority")
}
