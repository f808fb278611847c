// Package metrics provides Prometheus instrumentation for the LBE engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts submitted transitions by kind and outcome
	// (submitted, rejected, conflict, unavailable).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lbe_transitions_total",
		Help: "Transitions attempted, by kind and outcome",
	}, []string{"kind", "outcome"})

	// TransitionLatency tracks build+submit latency per kind.
	TransitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lbe_transition_latency_seconds",
		Help:    "Transition build and submit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// WorkerTicks counts worker ticks by result (idle, acted, aborted).
	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lbe_worker_ticks_total",
		Help: "Worker ticks by result",
	}, []string{"result"})

	// OpenEvents tracks live treasuries seen on the last tick.
	OpenEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lbe_open_events",
		Help: "Number of events with a live treasury",
	})

	// EventsByState tracks open events per lifecycle state.
	EventsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lbe_events_by_state",
		Help: "Open events per lifecycle state",
	}, []string{"state"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lbe_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// JournalWrites counts receipt writes by outcome.
	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lbe_journal_writes_total",
		Help: "Settlement receipts written, by outcome",
	}, []string{"outcome"})

	// ValidationRejections counts violations by name.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lbe_validation_rejections_total",
		Help: "Transitions rejected by validation, by violation",
	}, []string{"violation"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lbe_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lbe_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps event identifiers out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
