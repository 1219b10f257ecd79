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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Workflow engine metrics.
var (
	workflowActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_actions_total",
			Help: "Workflow actions by kind and outcome.",
		},
		[]string{"action", "result"},
	)

	workflowActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_action_duration_seconds",
			Help:    "Workflow action latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	agingFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_aging_fired_total",
			Help: "Aging transitions fired by sweep outcome.",
		},
		[]string{"result"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration)
	prometheus.MustRegister(workflowActionsTotal, workflowActionDuration, agingFiredTotal)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWorkflowAction records one engine action with its outcome
// (performed, pending or error) and duration.
func ObserveWorkflowAction(action, result string, elapsed time.Duration) {
	workflowActionsTotal.WithLabelValues(action, result).Inc()
	workflowActionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// CountAgingOutcome records one sweep result per item.
func CountAgingOutcome(result string) {
	agingFiredTotal.WithLabelValues(result).Inc()
}

// CanonicalPath collapses per-item path segments so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/content/{id} and /v1/content/{id}/<op> carry a numeric item id.
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "content" && parts[3] != "" {
		if _, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			parts[3] = ":id"
			return strings.Join(parts, "/")
		}
	}
	return path
}

// Instrument wraps a handler with RPS, latency and in-flight measurements.
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

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
