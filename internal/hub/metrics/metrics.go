// Package metrics defines Prometheus metrics for the hub.
//
// Metric naming follows Prometheus conventions:
//   - sondehub_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's instruments on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal          *prometheus.CounterVec
	ProbeDurationSeconds *prometheus.HistogramVec
	RunbooksTotal        *prometheus.CounterVec
	FindingsTotal        *prometheus.CounterVec
	AgentsConnected      prometheus.Gauge
	PendingRequests      prometheus.Gauge
	EnrollmentsTotal     *prometheus.CounterVec
	AuditEntriesTotal    prometheus.Counter
	FleetEventsTotal     *prometheus.CounterVec
}

// New creates and registers the hub metrics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sondehub_probes_total",
			Help: "Total probe executions by route and status.",
		},
		[]string{"route", "status"},
	)
	m.ProbeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sondehub_probe_duration_seconds",
			Help:    "Duration of probe executions in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)
	m.RunbooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sondehub_runbooks_total",
			Help: "Total runbook executions by category.",
		},
		[]string{"category"},
	)
	m.FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sondehub_findings_total",
			Help: "Total runbook findings by severity.",
		},
		[]string{"severity"},
	)
	m.AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sondehub_agents_connected",
			Help: "Current live agent WebSocket sessions.",
		},
	)
	m.PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sondehub_pending_requests",
			Help: "Probe requests awaiting an agent response.",
		},
	)
	m.EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sondehub_enrollments_total",
			Help: "Enrollment attempts by outcome.",
		},
		[]string{"outcome"},
	)
	m.AuditEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sondehub_audit_entries_total",
			Help: "Audit ledger entries appended.",
		},
	)
	m.FleetEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sondehub_fleet_events_total",
			Help: "Hub bus events by type.",
		},
		[]string{"type"},
	)

	m.registry.MustRegister(
		m.ProbesTotal,
		m.ProbeDurationSeconds,
		m.RunbooksTotal,
		m.FindingsTotal,
		m.AgentsConnected,
		m.PendingRequests,
		m.EnrollmentsTotal,
		m.AuditEntriesTotal,
		m.FleetEventsTotal,
	)
	return m
}

// ObserveProbe records one probe execution.
func (m *Metrics) ObserveProbe(route, status string, elapsed time.Duration) {
	m.ProbesTotal.WithLabelValues(route, status).Inc()
	m.ProbeDurationSeconds.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
