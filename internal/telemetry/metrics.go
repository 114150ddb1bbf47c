// Package telemetry holds the Prometheus collectors shared by the scheduler and hub.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	tasksRunning    prometheus.Gauge
	tasksQueued     prometheus.Gauge
	tasksFinished   *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	connections     prometheus.Gauge
	droppedConns    prometheus.Counter
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		tasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tasks_running",
			Help: "Tasks currently in the running state.",
		}),
		tasksQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tasks_queued",
			Help: "Tasks waiting for an admission slot.",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "tasks_finished_total",
			Help: "Tasks that reached a terminal state, by status.",
		}, []string{"status"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "events_published_total",
			Help: "Events published to the hub, by type.",
		}, []string{"type"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "hub_connections",
			Help: "Live client connections.",
		}),
		droppedConns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "hub_dropped_connections_total",
			Help: "Connections dropped because their outbound buffer overflowed.",
		}),
	}
}

// SetQueueDepth records the running and queued task counts.
func (m *Metrics) SetQueueDepth(running, queued int) {
	if m == nil {
		return
	}
	m.tasksRunning.Set(float64(running))
	m.tasksQueued.Set(float64(queued))
}

// TaskFinished counts a task reaching a terminal status.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// SetConnections records the live connection count.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// ConnectionDropped counts one overflow drop.
func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}
	m.droppedConns.Inc()
}

// TasksFinished exposes the finished counter for tests.
func (m *Metrics) TasksFinished() *prometheus.CounterVec { return m.tasksFinished }

// DroppedConnections exposes the drop counter for tests.
func (m *Metrics) DroppedConnections() prometheus.Counter { return m.droppedConns }

// TasksRunning exposes the running gauge for tests.
func (m *Metrics) TasksRunning() prometheus.Gauge { return m.tasksRunning }
