// Package observability wires prometheus metrics for the HTTP surface and
// the background worker.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the service exposes.
type Metrics struct {
	registry *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

// New builds a registry with process and Go runtime collectors plus the
// service's own series.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pricecenter",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricecenter",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricecenter",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs by task and outcome.",
		}, []string{"task", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pricecenter",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Background job run time by task.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpDuration,
		m.httpRequests,
		m.jobRuns,
		m.jobDuration,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records latency and status per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

// ObserveJob records one background job run.
func (m *Metrics) ObserveJob(task string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(task, outcome).Inc()
	m.jobDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
