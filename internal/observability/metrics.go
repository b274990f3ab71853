package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskEvents      *prometheus.CounterVec
	InboundMessages *prometheus.CounterVec
	ActionRuns      *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	ActiveTasks     prometheus.Gauge
	GatewayEvents   *prometheus.CounterVec
	ReplicaSync     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		InboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by whether they related to a task.",
		}, []string{"task_related"}),
		ActionRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_runs_total",
			Help:      "Action executions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_sweep_seconds",
			Help:      "Duration of one maintenance tick in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks currently awaiting a match.",
		}),
		GatewayEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_events_total",
			Help:      "Gateway connection events by type.",
		}, []string{"event"}),
		ReplicaSync: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_sync_total",
			Help:      "Replica sync operations by outcome.",
		}, []string{"outcome"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
