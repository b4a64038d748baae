// Package metrics defines the router's own Prometheus instrumentation
// (spec.md §9 observability, SPEC_FULL §12) — distinct from
// internal/stats, which scrapes metrics *out of* the backends this router
// forwards to. Collectors are registered through promauto against a
// private registry per instance so tests constructing more than one Metrics
// never panic on a duplicate-registration collision.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the proxy front reports against.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestsFailedTotal *prometheus.CounterVec
	ClientAbortedTotal  *prometheus.CounterVec
	InflightRequests    *prometheus.GaugeVec
	ConnectDuration     *prometheus.HistogramVec
}

// New builds a fresh, independently registered Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total requests routed to a backend, by backend and model.",
		}, []string{"backend", "model"}),

		RequestsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_failed_total",
			Help: "Total requests that failed, by backend and failure reason.",
		}, []string{"backend", "reason"}),

		ClientAbortedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_client_aborted_total",
			Help: "Total requests where the client disconnected before the backend finished responding.",
		}, []string{"backend"}),

		InflightRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Requests currently in flight to a backend.",
		}, []string{"backend"}),

		ConnectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_upstream_connect_duration_seconds",
			Help:    "Time to establish and receive the first byte from the upstream backend.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
	}
}

// Handler exposes the collectors in the Prometheus text exposition format
// for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FailureReason enumerates the label values used on RequestsFailedTotal.
type FailureReason string

const (
	FailureNoModel     FailureReason = "no_model"
	FailureNoCandidate FailureReason = "no_candidate"
	FailureConnect     FailureReason = "connect_failed"
	FailureUpstream    FailureReason = "upstream_error"
)
