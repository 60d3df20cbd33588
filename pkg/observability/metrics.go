package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision outcomes recorded by RecordDecision
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeFailOpen = "fail_open"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	DecisionsTotal     *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	ResolverErrors     *prometheus.CounterVec

	// Cache metrics
	CacheRequestsTotal *prometheus.CounterVec
	CacheWriteFailures prometheus.Counter
	InvalidationsTotal *prometheus.CounterVec

	// Administrative metrics
	MutationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_decisions_total",
				Help: "Permission checks by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_resolution_duration_seconds",
				Help:    "Time spent resolving permissions, cache lookups included",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		ResolverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_resolver_errors_total",
				Help: "Resolver failures caused by the store or cache",
			},
			[]string{"operation"},
		),

		CacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_requests_total",
				Help: "Decision cache lookups by entry kind and result",
			},
			[]string{"kind", "result"},
		),
		CacheWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_cache_write_failures_total",
				Help: "Decision cache writes that failed",
			},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_invalidations_total",
				Help: "Cache invalidations by scope",
			},
			[]string{"scope"},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_admin_mutations_total",
				Help: "Administrative commands by operation and result",
			},
			[]string{"operation", "result"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.ResolutionDuration,
		m.ResolverErrors,
		m.CacheRequestsTotal,
		m.CacheWriteFailures,
		m.InvalidationsTotal,
		m.MutationsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}

// RecordDecision counts one permission check outcome
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolution records how long an operation took
func (m *Metrics) ObserveResolution(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordResolverError counts a store or cache failure
func (m *Metrics) RecordResolverError(operation string) {
	if m == nil {
		return
	}
	m.ResolverErrors.WithLabelValues(operation).Inc()
}

// RecordCacheLookup counts a cache hit or miss for the given entry kind
func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequestsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheWriteFailure counts a failed cache write
func (m *Metrics) RecordCacheWriteFailure() {
	if m == nil {
		return
	}
	m.CacheWriteFailures.Inc()
}

// RecordInvalidation counts a cache invalidation
func (m *Metrics) RecordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.InvalidationsTotal.WithLabelValues(scope).Inc()
}

// RecordMutation counts an administrative command
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.MutationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordDBStats publishes a connection pool snapshot
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux path template so ids don't explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
