package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth flow metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_validations_total",
			Help: "Bearer token validations by outcome.",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	revocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_token_revocations_total",
		Help: "Token identifiers added to the revocation list.",
	})

	permCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_cache_events_total",
			Help: "Permission cache activity by event.",
		},
		[]string{"event"},
	)
)

// Init registers service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, tokenChecksTotal, lockoutsTotal, revocationsTotal, permCacheEvents,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLogin counts one login attempt outcome (success, invalid, locked, disabled).
func RecordLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenCheck counts one bearer token validation outcome.
func RecordTokenCheck(outcome string) {
	tokenChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordLockout counts an account entering the locked state.
func RecordLockout() {
	lockoutsTotal.Inc()
}

// RecordRevocation counts a token id added to the revocation list.
func RecordRevocation() {
	revocationsTotal.Inc()
}

// RecordCacheEvent counts permission cache activity (hit, miss, invalidate, clear).
func RecordCacheEvent(event string) {
	permCacheEvents.WithLabelValues(event).Inc()
}

// Instrument wraps next with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-entity path segments so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) < 3 || segments[0] != "v1" {
		return path
	}
	switch segments[1] {
	case "users", "roles", "apikeys":
		segments[2] = ":id"
		return "/" + strings.Join(segments, "/")
	case "auth":
		if len(segments) == 4 && segments[2] == "sessions" {
			segments[3] = ":id"
			return "/" + strings.Join(segments, "/")
		}
	}
	return path
}

// statusWriter records the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
