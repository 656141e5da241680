package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects gateway operation metrics on a private registry so each
// gateway in a process reports independently.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal       *prometheus.CounterVec
	opDurations    *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	transportDrops prometheus.Counter
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envgate_operations_total",
			Help: "Gateway operations by method and status.",
		}, []string{"op", "status"}),
		opDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "envgate_operation_duration_seconds",
			Help:    "Gateway operation latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envgate_active_sessions",
			Help: "Number of live sessions.",
		}),
		transportDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envgate_transport_drops_total",
			Help: "Detected tunnel or channel drops.",
		}),
	}
	m.registry.MustRegister(m.opsTotal, m.opDurations, m.activeSessions, m.transportDrops)
	return m
}

// ObserveOp records one gateway operation.
func (m *Metrics) ObserveOp(op, status string, d time.Duration) {
	m.opsTotal.WithLabelValues(op, status).Inc()
	m.opDurations.WithLabelValues(op).Observe(d.Seconds())
}

// SetActiveSessions records the current live session count.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// TransportDrop records one detected transport drop.
func (m *Metrics) TransportDrop() {
	m.transportDrops.Inc()
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
