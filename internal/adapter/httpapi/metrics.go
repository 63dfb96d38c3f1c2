package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aivis/internal/usecase/limiter"
)

// Metrics holds the Prometheus collectors served on /metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	jobsSubmitted       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the API collectors on a private registry. lim, when
// non-nil, is exported as gauges.
func NewMetrics(lim interface{ Status() limiter.Status }) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivis_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aivis_http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aivis_jobs_submitted_total",
				Help: "Jobs submitted through the API by result",
			},
			[]string{"result"},
		),
		registry: registry,
	}
	registry.MustRegister(m.httpRequestsTotal, m.httpRequestDuration, m.jobsSubmitted)

	if lim != nil {
		gauge := func(name, help string, read func(limiter.Status) int) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
				return float64(read(lim.Status()))
			})
		}
		registry.MustRegister(
			gauge("aivis_limiter_capacity", "Concurrency limiter capacity", func(s limiter.Status) int { return s.Capacity }),
			gauge("aivis_limiter_running", "Slots currently held", func(s limiter.Status) int { return s.Running }),
			gauge("aivis_limiter_queued", "Callers waiting for a slot", func(s limiter.Status) int { return s.Queued }),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSubmit counts one submission.
func (m *Metrics) RecordSubmit(ok bool) {
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.jobsSubmitted.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency. It must wrap the mux
// directly so the matched route pattern is visible after routing.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
