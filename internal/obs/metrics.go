package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Auth metrics
var (
	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardkeep_auth_events_total",
			Help: "Authentication and authorization events by kind.",
		},
		[]string{"event"},
	)

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wardkeep_sessions_active",
		Help: "Sessions remaining after the last sweep.",
	})

	sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wardkeep_sessions_evicted_total",
		Help: "Expired sessions removed by the background sweep.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wardkeep_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authEventsTotal, sessionsActive, sessionsEvicted, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountAuthEvent increments the per-event counter.
func CountAuthEvent(event string) {
	authEventsTotal.WithLabelValues(event).Inc()
}

// ObserveSweep records the outcome of a session sweep.
func ObserveSweep(evicted, remaining int) {
	sessionsEvicted.Add(float64(evicted))
	sessionsActive.Set(float64(remaining))
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CanonicalPath collapses path parameters so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "ops" && parts[2] != "" {
		return "/v1/ops/:name"
	}
	return path
}

// Instrument measures rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
