// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts order requests accepted into the request ring,
	// partitioned by type.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_requests_total",
		Help: "Total order requests accepted",
	}, []string{"type"})

	// RequestsRejected counts requests refused at intake, partitioned by
	// reason (queue_full, validation, limit).
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_requests_rejected_total",
		Help: "Order requests rejected at intake",
	}, []string{"reason"})

	// FillsTotal counts fills emitted by the matching engine, partitioned
	// by taker side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_fills_total",
		Help: "Total fills emitted by matching",
	}, []string{"taker_side"})

	// CancelsTotal counts cancel events emitted by the matching engine.
	CancelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_cancels_total",
		Help: "Total cancel events emitted by matching",
	})

	// CrankLatency tracks matching and settlement crank duration.
	CrankLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_crank_latency_seconds",
		Help:    "Crank duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// RequestQueueDepth tracks pending requests per market.
	RequestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pmx_request_queue_depth",
		Help: "Pending requests in the request ring",
	}, []string{"market_id"})

	// EventQueueDepth tracks unsettled events per market.
	EventQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pmx_event_queue_depth",
		Help: "Unsettled events in the event ring",
	}, []string{"market_id"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts orders rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_position_limit_rejections_total",
		Help: "Orders rejected by position limiter",
	})

	// MarketVolume tracks cumulative settled volume (shares) per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_market_volume_total",
		Help: "Cumulative settled volume in shares",
	}, []string{"market_id", "outcome"})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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
