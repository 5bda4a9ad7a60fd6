// Package metrics holds the Prometheus collectors exported on the admin
// endpoint. Collectors are registered on an explicit registry so several
// gateways can coexist in one process (and in tests).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mcpgw"

// Metrics is the set of gateway collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backendState    *prometheus.GaugeVec
	backendRestarts *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	catalogEntries  *prometheus.GaugeVec
	catalogRebuilds prometheus.Counter
	catalogConflict prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_state",
			Help:      "Current backend state; exactly one state label is 1 per backend.",
		}, []string{"backend", "state"}),
		backendRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_restarts_total",
			Help:      "Number of times a backend was relaunched after a failure.",
		}, []string{"backend"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_inflight_requests",
			Help:      "Requests awaiting a backend response.",
		}, []string{"backend"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests routed to backends, by outcome code.",
		}, []string{"backend", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of routed requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"backend", "method"}),
		catalogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Entries in the aggregated catalog by kind.",
		}, []string{"kind"}),
		catalogRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_rebuilds_total",
			Help:      "Number of catalog rebuilds.",
		}),
		catalogConflict: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_conflicts",
			Help:      "Duplicate names dropped from the current catalog.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.backendState,
		m.backendRestarts,
		m.inflight,
		m.requests,
		m.requestDuration,
		m.catalogEntries,
		m.catalogRebuilds,
		m.catalogConflict,
	)
	return m
}

// Registry returns the registry to serve on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// SetBackendState marks state as the current state of backend among all.
func (m *Metrics) SetBackendState(backend, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.backendState.WithLabelValues(backend, s).Set(v)
	}
}

func (m *Metrics) BackendRestarted(backend string) {
	if m == nil {
		return
	}
	m.backendRestarts.WithLabelValues(backend).Inc()
}

func (m *Metrics) SetInFlight(backend string, n int) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(backend).Set(float64(n))
}

// ObserveRequest records one routed request. code is "ok" or an error code.
func (m *Metrics) ObserveRequest(backend, method, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(backend, method, code).Inc()
	m.requestDuration.WithLabelValues(backend, method).Observe(elapsed.Seconds())
}

// CatalogRebuilt records the shape of a freshly published catalog.
func (m *Metrics) CatalogRebuilt(sizes map[string]int, conflicts int) {
	if m == nil {
		return
	}
	m.catalogRebuilds.Inc()
	for kind, n := range sizes {
		m.catalogEntries.WithLabelValues(kind).Set(float64(n))
	}
	m.catalogConflict.Set(float64(conflicts))
}
