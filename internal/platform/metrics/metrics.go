package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream registry.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	heartbeatsTotal   prometheus.Counter
	pollsTotal        *prometheus.CounterVec
	sweptStreams      prometheus.Counter
	sweptTranscoders  prometheus.Counter
	streamsGauge      prometheus.Gauge
	transcodersGauge  prometheus.Gauge
	snapshotFailTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Total number of accepted transcoder heartbeats",
		}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_polls_total",
			Help: "Backend polls by backend and result (ok or error)",
		}, []string{"backend", "result"}),
		sweptStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_swept_streams_total",
			Help: "Total number of streams removed as stale",
		}),
		sweptTranscoders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_swept_transcoders_total",
			Help: "Total number of transcoders removed as stale",
		}),
		streamsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_streams",
			Help: "Number of streams currently known",
		}),
		transcodersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_transcoders",
			Help: "Number of transcoders currently known",
		}),
		snapshotFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_snapshot_write_failures_total",
			Help: "Total number of failed snapshot writes",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.heartbeatsTotal,
		m.pollsTotal,
		m.sweptStreams,
		m.sweptTranscoders,
		m.streamsGauge,
		m.transcodersGauge,
		m.snapshotFailTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncHeartbeats increments the accepted heartbeat counter.
func (m *Metrics) IncHeartbeats() {
	m.heartbeatsTotal.Inc()
}

// IncSnapshotFailures increments the failed snapshot write counter.
func (m *Metrics) IncSnapshotFailures() {
	m.snapshotFailTotal.Inc()
}

// ObservePoll counts one poll of backend.
func (m *Metrics) ObservePoll(backend string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.pollsTotal.WithLabelValues(backend, result).Inc()
}

// AddSwept adds removed entries to the sweep counters.
func (m *Metrics) AddSwept(streams, transcoders int) {
	m.sweptStreams.Add(float64(streams))
	m.sweptTranscoders.Add(float64(transcoders))
}

// SetRegistrySize sets the stream and transcoder gauges.
func (m *Metrics) SetRegistrySize(streams, transcoders int) {
	m.streamsGauge.Set(float64(streams))
	m.transcodersGauge.Set(float64(transcoders))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
