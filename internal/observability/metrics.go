package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveRuns  prometheus.Gauge
	RunEvents   *prometheus.CounterVec
	TaskEvents  *prometheus.CounterVec
	TaskLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of plan execution runs currently active.",
		}),
		RunEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_events_total",
			Help:      "Execution run outcomes by type.",
		}, []string{"outcome"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		TaskLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_invocation_latency_ms",
			Help:      "Latency of one agent invocation in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}),
	}
}

func (m *Metrics) ObserveRunOutcome(outcome string) {
	m.RunEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTaskEvent(event string) {
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTaskLatency(d time.Duration) {
	m.TaskLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
