// Package telemetry exposes Prometheus metrics for backtest runs and sweeps.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backtest"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	combinations *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
}

// New registers the collectors. withRuntime adds Go runtime and process
// collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_runs_total",
			Help:      "Engine runs by strategy and status.",
		}, []string{"strategy", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_run_duration_seconds",
			Help:      "Wall time of engine runs.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"strategy"}),
		combinations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_combinations_total",
			Help:      "EMA sweep combinations by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(m.runs, m.runDuration, m.combinations, m.httpRequests)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// ObserveRun records one engine run.
func (m *Metrics) ObserveRun(strategy string, status types.RunStatus, elapsed time.Duration) {
	m.runs.WithLabelValues(strategy, string(status)).Inc()
	m.runDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveCombination records one sweep combination outcome.
func (m *Metrics) ObserveCombination(outcome string) {
	m.combinations.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
