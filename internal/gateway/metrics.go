package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports gateway counters. A dedicated registry keeps tests and
// embedded use free of global-collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	probesTotal     *prometheus.CounterVec
	retriesTotal    prometheus.Counter
}

// NewMetrics builds the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Routed requests by template and status code.",
	}, []string{"template", "code"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Wall clock of routed requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"template"})

	m.probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_health_probes_total",
		Help: "Health probes by template and outcome.",
	}, []string{"template", "result"})

	m.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_forward_retries_total",
		Help: "Forwarding retries across all templates.",
	})

	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.probesTotal, m.retriesTotal)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(template, code string, seconds float64) {
	m.requestsTotal.WithLabelValues(template, code).Inc()
	m.requestDuration.WithLabelValues(template).Observe(seconds)
}

func (m *Metrics) ObserveProbe(template string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.probesTotal.WithLabelValues(template, result).Inc()
}

func (m *Metrics) ObserveRetry() {
	m.retriesTotal.Inc()
}
