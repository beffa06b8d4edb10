package obs

import (
	"net/http"
	"strconv"
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

// Identity & access counters.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_token_rotations_total",
			Help: "Refresh token rotation attempts by result.",
		},
		[]string{"result"},
	)

	replaysDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_replays_detected_total",
		Help: "Refresh secrets presented after rotation or revocation.",
	})

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_lockouts_total",
		Help: "Accounts locked after consecutive failed logins.",
	})

	auditEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_audit_entries_total",
		Help: "Audit entries committed alongside observed changes.",
	})

	sweptTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatehouse_swept_tokens_total",
		Help: "Refresh token rows deleted by the retention sweep.",
	})
)

var ready = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "gatehouse_ready",
	Help: "1 when the service considers itself ready.",
})

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, rotationsTotal, replaysDetected,
		lockoutsTotal, auditEntriesTotal, sweptTokensTotal,
		ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// ObserveLogin records a login attempt outcome ("success", "invalid", "locked", ...).
func ObserveLogin(result string) { loginsTotal.WithLabelValues(result).Inc() }

// ObserveRotation records a refresh rotation outcome.
func ObserveRotation(result string) { rotationsTotal.WithLabelValues(result).Inc() }

// ReplayDetected counts a reuse of a terminal refresh secret.
func ReplayDetected() { replaysDetected.Inc() }

// LockoutTriggered counts an account lockout.
func LockoutTriggered() { lockoutsTotal.Inc() }

// AuditEntries counts entries written in a committed unit of work.
func AuditEntries(n int) {
	if n > 0 {
		auditEntriesTotal.Add(float64(n))
	}
}

// SweptTokens counts rows removed by the retention sweep.
func SweptTokens(n int64) {
	if n > 0 {
		sweptTokensTotal.Add(float64(n))
	}
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
