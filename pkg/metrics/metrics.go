// Package metrics exposes the runtime's Prometheus collectors and binds
// them to the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crewline/crewline/pkg/events"
)

// Metrics holds the runtime's collectors.
type Metrics struct {
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	TasksRunning   prometheus.Gauge
	CrewRuns       *prometheus.CounterVec
	MemoryEntries  *prometheus.CounterVec
	MemoryPruned   prometheus.Counter
	Throttles      prometheus.Counter
}

// New registers the collectors on reg (nil uses the default registerer).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewline_tasks_completed_total",
			Help: "Tasks that finished successfully.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewline_tasks_failed_total",
			Help: "Tasks that finished with an error.",
		}),
		TasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewline_tasks_cancelled_total",
			Help: "Tasks cancelled before or during execution.",
		}),
		TasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crewline_tasks_running",
			Help: "Tasks currently executing.",
		}),
		CrewRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewline_crew_runs_total",
			Help: "Crew runs by outcome.",
		}, []string{"outcome"}),
		MemoryEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crewline_memory_events_total",
			Help: "Memory lifecycle events by kind.",
		}, []string{"kind"}),
		MemoryPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewline_memory_pruned_total",
			Help: "Long-term memory entries removed by pruning.",
		}),
		Throttles: factory.NewCounter(prometheus.CounterOpts{
			Name: "crewline_rate_throttles_total",
			Help: "Upstream throttle responses recorded by the rate controller.",
		}),
	}
}

// Bind subscribes the collectors to bus. The returned function
// unsubscribes them.
func (m *Metrics) Bind(bus *events.Bus) func() {
	id := bus.Subscribe(func(evt events.Event) {
		switch evt.Type {
		case events.TaskStarted:
			m.TasksRunning.Inc()
		case events.TaskCompleted:
			m.TasksRunning.Dec()
			m.TasksCompleted.Inc()
		case events.TaskFailed:
			m.TasksRunning.Dec()
			m.TasksFailed.Inc()
		case events.TaskCancelled:
			m.TasksCancelled.Inc()
			if payload, ok := evt.Payload.(events.CancelledPayload); ok && payload.WasRunning {
				m.TasksRunning.Dec()
			}
		case events.CrewCompleted:
			m.CrewRuns.WithLabelValues("completed").Inc()
		case events.CrewFailed:
			m.CrewRuns.WithLabelValues("failed").Inc()
		case events.MemoryAdded:
			m.MemoryEntries.WithLabelValues("added").Inc()
		case events.MemoryUpdated:
			m.MemoryEntries.WithLabelValues("updated").Inc()
		case events.MemoryDeleted:
			m.MemoryEntries.WithLabelValues("deleted").Inc()
		case events.MemoriesPruned:
			if payload, ok := evt.Payload.(events.PrunedPayload); ok {
				m.MemoryPruned.Add(float64(payload.Count))
			}
		case events.RateThrottled:
			m.Throttles.Inc()
		}
	},
		events.TaskStarted, events.TaskCompleted, events.TaskFailed, events.TaskCancelled,
		events.CrewCompleted, events.CrewFailed,
		events.MemoryAdded, events.MemoryUpdated, events.MemoryDeleted, events.MemoriesPruned,
		events.RateThrottled,
	)
	return func() { bus.Unsubscribe(id) }
}
