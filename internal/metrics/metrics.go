// Package metrics provides Prometheus instrumentation for the paper-trading
// engine.
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
	// TradesTotal counts ledger fills, partitioned by type (buy/sell).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_trades_total",
		Help: "Total number of paper trades applied to the ledger",
	}, []string{"type"})

	// TradeLatency tracks ledger operation latency including store round-trips.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_trade_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeRejections counts operations rejected before mutation, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_trade_rejections_total",
		Help: "Ledger operations rejected, by error kind",
	}, []string{"kind"})

	// VersionConflicts counts optimistic-concurrency retries.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_version_conflicts_total",
		Help: "Commits retried because a record changed underneath",
	}, []string{"op"})

	// SettlementsTotal counts settled positions by result (ok, anomaly, failed).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_settlements_total",
		Help: "Positions processed by settlement",
	}, []string{"result"})

	// SettlementAnomalies counts positions settled without crediting a user.
	SettlementAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_settlement_anomalies_total",
		Help: "Positions settled whose owning user could not be credited",
	})

	// QuoteFetchFailures counts book fetches that degraded to an empty book.
	QuoteFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_quote_fetch_failures_total",
		Help: "Order book fetches that failed or timed out",
	}, []string{"side"})

	// MarksUpdated counts positions re-marked by the mark refresher.
	MarksUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_marks_updated_total",
		Help: "Open positions re-marked from live books",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded; it is only known
		// after routing, hence read after ServeHTTP.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
