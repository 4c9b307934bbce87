package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics for the local UI-facing API.
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

// Session lifecycle metrics.
var (
	sessionAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_authenticated",
		Help: "1 when a user session is currently authenticated, 0 otherwise.",
	})

	signInTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_signin_total",
			Help: "Sign-in attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	roleFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "access_role_fetch_duration_seconds",
			Help:    "Role-info fetch latencies by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		sessionAuthenticated, signInTotal, refreshTotal, roleFetchDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetAuthenticated records the current session state.
func SetAuthenticated(authenticated bool) {
	if authenticated {
		sessionAuthenticated.Set(1)
		return
	}
	sessionAuthenticated.Set(0)
}

// ObserveSignIn counts a sign-in attempt. Outcome is one of
// "success", "invalid", "blocked", "error".
func ObserveSignIn(outcome string) {
	signInTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefresh counts a token refresh attempt ("success" or "failure").
func ObserveRefresh(outcome string) {
	refreshTotal.WithLabelValues(outcome).Inc()
}

// ObserveRoleFetch records a role-info fetch ("success" or "failure").
func ObserveRoleFetch(outcome string, d time.Duration) {
	roleFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// CanonicalPath strips query strings so metric labels stay low-cardinality.
// The session API has no path parameters, so paths map onto themselves.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
