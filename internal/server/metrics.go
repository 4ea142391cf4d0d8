// Package server: metrics.go registers all Prometheus metrics for the HTTP
// server and exposes helpers used by handlers and middleware.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by route pattern rather than raw path,
// so document ids never become label values.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New so that tests can inject a fresh
// prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// ingestRequestsTotal counts POST /api/documents requests by outcome:
	// the resulting document status, "unchanged", or "error".
	ingestRequestsTotal *prometheus.CounterVec

	// queryRequestsTotal counts POST /api/query requests by outcome:
	// "ok", "cached", "timeout", or "error".
	queryRequestsTotal *prometheus.CounterVec

	// queryDurationSeconds records end-to-end query latency by outcome.
	queryDurationSeconds *prometheus.HistogramVec

	// httpInflight is the number of requests currently being served.
	httpInflight prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// rateLimitedTotal counts requests rejected with 429, by route class.
	rateLimitedTotal *prometheus.CounterVec

	// dependencyUp is 1 when the last readiness check of a dependency
	// succeeded and 0 otherwise.
	dependencyUp *prometheus.GaugeVec
}

// newServerMetrics registers all server metrics against reg.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		ingestRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpipe",
			Subsystem: "api",
			Name:      "ingest_requests_total",
			Help:      "Total number of ingestion requests, partitioned by outcome.",
		}, []string{"outcome"}),

		queryRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpipe",
			Subsystem: "api",
			Name:      "query_requests_total",
			Help:      "Total number of query requests, partitioned by outcome.",
		}, []string{"outcome"}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragpipe",
			Subsystem: "api",
			Name:      "query_duration_seconds",
			Help:      "Wall-clock duration of query requests.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		httpInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragpipe",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpipe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragpipe",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpipe",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter, partitioned by route class.",
		}, []string{"class"}),

		dependencyUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ragpipe",
			Subsystem: "ready",
			Name:      "dependency_up",
			Help:      "Result of the last readiness check per dependency (1 = reachable).",
		}, []string{"dependency"}),
	}
}

// instrument records request count, latency and in-flight gauge around next.
// next must be the mux itself: the route pattern is read back from the request
// after the mux has matched it.
func (m *serverMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInflight.Inc()
		defer m.httpInflight.Dec()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		handler := r.Pattern
		if handler == "" {
			handler = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(rw.status)).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
