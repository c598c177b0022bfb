// Package metrics provides Prometheus instrumentation for the position ledger.
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
	// TradesTotal counts trade events by terminal outcome
	// (applied, duplicate, rejected, error).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Trade events processed, by outcome",
	}, []string{"trade_type", "outcome"})

	// ApplyLatency is the end-to-end time of one Apply call.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_apply_latency_seconds",
		Help:    "Trade apply latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"trade_type"})

	// VersionConflicts counts optimistic commit conflicts (each one retried).
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Snapshot commits rejected by the version check",
	})

	// Replays counts backdated replays by outcome.
	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_replays_total",
		Help: "Backdated replays, by outcome",
	}, []string{"outcome"})

	// HistoryRecords counts UPI history entries written, by change type.
	HistoryRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_upi_history_records_total",
		Help: "UPI history records appended",
	}, []string{"change_type"})

	// PositionLimitRejections counts trades rejected by contract quantity limits.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_position_limit_rejections_total",
		Help: "Trades rejected by contract quantity limits",
	})

	// CacheRequests counts cache lookups by backend and result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_requests_total",
		Help: "Cache lookups by backend and result",
	}, []string{"backend", "result"})

	// CacheLatency tracks cache operation duration.
	CacheLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_cache_operation_seconds",
		Help:    "Cache operation duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"backend", "operation"})

	// IdempotencyDegraded counts idempotency checks that bypassed a failing cache.
	IdempotencyDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_cache_degraded_total",
		Help: "Idempotency cache operations that failed and fell back to the store",
	})

	// PublishErrors counts failed outbound publications by backend.
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_publish_errors_total",
		Help: "Failed outbound publications",
	}, []string{"backend"})

	// IngestMessages counts consumed feed messages by outcome.
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_ingest_messages_total",
		Help: "Inbound feed messages, by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Route pattern, not the raw path: position keys are unbounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
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
