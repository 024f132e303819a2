package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// selfMetrics are the control plane's own counters, served on
// /internal/metrics when ENABLE_PROMETHEUS is set. Distinct from the
// vLLM metrics this service scrapes.
type selfMetrics struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	deploysTotal   *prometheus.CounterVec
	spindownsTotal *prometheus.CounterVec
	optimizeRuns   prometheus.Counter
}

func newSelfMetrics() *selfMetrics {
	m := &selfMetrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control-plane HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackbox",
			Subsystem: "deploy",
			Name:      "attempts_total",
			Help:      "Deployment attempts by outcome.",
		}, []string{"outcome"}),
		spindownsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blackbox",
			Subsystem: "spindown",
			Name:      "attempts_total",
			Help:      "Spindown attempts by outcome.",
		}, []string{"outcome"}),
		optimizeRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blackbox",
			Subsystem: "optimize",
			Name:      "runs_total",
			Help:      "Reconciliation passes triggered via the API.",
		}),
	}

	m.registry.MustRegister(m.requestsTotal, m.deploysTotal, m.spindownsTotal, m.optimizeRuns)
	return m
}

func (m *selfMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *selfMetrics) observeRequest(method, path string, status int) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func (m *selfMetrics) observeDeploy(ok bool) {
	m.deploysTotal.WithLabelValues(outcome(ok)).Inc()
}

func (m *selfMetrics) observeSpindown(ok bool) {
	m.spindownsTotal.WithLabelValues(outcome(ok)).Inc()
}

func (m *selfMetrics) observeOptimize() {
	m.optimizeRuns.Inc()
}
