package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/events"
	"github.com/crewline/crewline/pkg/ratelimit"
)

func TestBindCountsSchedulerEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	unbind := m.Bind(bus)
	defer unbind()

	bus.Publish(events.TaskStarted, "t1")
	bus.Publish(events.TaskStarted, "t2")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksRunning))

	bus.Publish(events.TaskCompleted, "t1")
	bus.Publish(events.TaskFailed, "t2")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFailed))
}

func TestBindCancelledGaugeTracksRunningState(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	defer m.Bind(bus)()

	// Cancelled before starting: the gauge is untouched.
	bus.Publish(events.TaskCancelled, events.CancelledPayload{ID: "t1"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRunning))

	// Cancelled while running: the gauge is released.
	bus.Publish(events.TaskStarted, "t2")
	bus.Publish(events.TaskCancelled, events.CancelledPayload{ID: "t2", WasRunning: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksCancelled))
}

func TestBindCountsCrewAndMemoryEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	defer m.Bind(bus)()

	bus.Publish(events.CrewCompleted, "c1")
	bus.Publish(events.CrewFailed, "c2")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrewRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CrewRuns.WithLabelValues("failed")))

	bus.Publish(events.MemoryAdded, nil)
	bus.Publish(events.MemoriesPruned, events.PrunedPayload{Count: 7, Strategy: "lru"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryEntries.WithLabelValues("added")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MemoryPruned))
}

func TestUnbindStopsCounting(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	unbind := m.Bind(bus)

	bus.Publish(events.TaskCompleted, "t1")
	unbind()
	bus.Publish(events.TaskCompleted, "t2")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksCompleted))

	// The registry serves the collectors for the /metrics endpoint.
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBindCountsThrottles(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	unbind := m.Bind(bus)
	defer unbind()

	bus.Publish(events.RateThrottled, nil)
	bus.Publish(events.RateThrottled, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Throttles))
}

func TestThrottleHookFeedsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	bus := events.NewBus()
	unbind := m.Bind(bus)
	defer unbind()

	// Wired the way crewd wires it: the controller's throttle hook
	// publishes onto the bus the metrics are bound to.
	c, err := ratelimit.New(ratelimit.Config{
		MaxRPM:     60,
		OnThrottle: func() { bus.Publish(events.RateThrottled, nil) },
	})
	require.NoError(t, err)
	defer c.Close()

	c.MarkThrottled()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Throttles))
}
