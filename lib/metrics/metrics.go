// Package metrics exposes the daemon's Prometheus instrumentation:
// request counts, backend latency, and per-provider health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// Registry bundles the daemon's metrics. Use NewRegistry to construct one
// bound to a prometheus.Registerer (typically prometheus.DefaultRegisterer
// or a dedicated registry in tests).
type Registry struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	providerUp      *prometheus.GaugeVec
}

// NewRegistry builds and registers the daemon's metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parsec",
			Name:      "requests_total",
			Help:      "Total requests handled, labeled by provider, opcode and status.",
		}, []string{"provider", "opcode", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parsec",
			Name:      "request_duration_seconds",
			Help:      "Backend call latency, labeled by provider and opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "opcode"}),
		providerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parsec",
			Name:      "provider_up",
			Help:      "1 if a provider is registered and not degraded, 0 otherwise.",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.providerUp)
	return m
}

// ObserveRequest records a handled request's outcome and latency.
func (m *Registry) ObserveRequest(id provider.ID, op provider.Opcode, status provider.Status, elapsed time.Duration) {
	labels := prometheus.Labels{
		"provider": id.String(),
		"opcode":   op.String(),
		"status":   status.String(),
	}
	m.requestsTotal.With(labels).Inc()
	m.requestDuration.With(prometheus.Labels{
		"provider": id.String(),
		"opcode":   op.String(),
	}).Observe(elapsed.Seconds())
}

// RequestsTotalFor returns the counter backing requests_total for one
// provider/opcode/status combination, for tests asserting on a specific
// series without reaching into the registry's internals.
func (m *Registry) RequestsTotalFor(id provider.ID, op provider.Opcode, status provider.Status) prometheus.Counter {
	return m.requestsTotal.With(prometheus.Labels{
		"provider": id.String(),
		"opcode":   op.String(),
		"status":   status.String(),
	})
}

// SetProviderUp records whether a provider is currently serving requests.
func (m *Registry) SetProviderUp(id provider.ID, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.providerUp.With(prometheus.Labels{"provider": id.String()}).Set(v)
}
