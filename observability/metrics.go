// Package observability exposes Prometheus metrics for agent, workflow,
// fleet, and trigger activity.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrument set shared across the runtime.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TasksInFlight *prometheus.GaugeVec
	ModelTokens   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	Approvals     prometheus.Gauge
}

// New registers the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aof",
			Name:      "tasks_total",
			Help:      "Completed tasks by kind and outcome.",
		}, []string{"kind", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aof",
			Name:      "task_duration_seconds",
			Help:      "Task wall time by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		TasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aof",
			Name:      "tasks_in_flight",
			Help:      "Currently executing tasks by kind.",
		}, []string{"kind"}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aof",
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aof",
			Name:      "fleet_queue_depth",
			Help:      "Queued tasks per fleet.",
		}, []string{"fleet"}),
		Approvals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aof",
			Name:      "pending_approvals",
			Help:      "Commands waiting on a human reaction.",
		}),
	}
	registry.MustRegister(m.TasksTotal, m.TaskDuration, m.TasksInFlight,
		m.ModelTokens, m.QueueDepth, m.Approvals)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(kind, status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(kind, status).Inc()
	m.TaskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) TrackInFlight(kind string) func() {
	gauge := m.TasksInFlight.WithLabelValues(kind)
	gauge.Inc()
	return gauge.Dec
}
