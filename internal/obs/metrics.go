package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth metrics
var (
	// AuthAttempts counts authentication attempts by method (password, magic_link, mfa, refresh) and outcome.
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_auth_attempts_total",
			Help: "Authentication attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// Lockouts counts lock transitions by scope (login, mfa, magic_link, refresh).
	Lockouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_lockouts_total",
			Help: "Lockout transitions by scope.",
		},
		[]string{"scope"},
	)

	TokenReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_refresh_token_reuse_total",
		Help: "Replayed rotated refresh tokens.",
	})

	RevocationCheckErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_revocation_check_errors_total",
		Help: "Revocation registry lookups that failed.",
	})

	AuditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_audit_write_failures_total",
			Help: "Security events that could not be persisted.",
		},
		[]string{"severity"},
	)

	EmailSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_email_send_failures_total",
		Help: "Outbound email deliveries that failed.",
	})
)

// Init registers all metrics with reg.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		AuthAttempts, Lockouts, TokenReuseDetected, RevocationCheckErrors,
		AuditWriteFailures, EmailSendFailures,
	)
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. Paths are labelled with the
// chi route pattern so that tokens in URLs never become label values.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
