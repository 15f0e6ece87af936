// Package metrics provides Prometheus instrumentation for the paper engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by side and leverage.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_positions_opened_total",
		Help: "Total number of simulated positions opened",
	}, []string{"side", "leverage"})

	// PositionsClosed counts positions leaving the open state, by final status.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_positions_closed_total",
		Help: "Total number of positions closed or liquidated",
	}, []string{"status"})

	// RejectedActions counts user actions refused by business rules.
	RejectedActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_rejected_actions_total",
		Help: "User actions rejected by ledger or wallet rules",
	}, []string{"action", "reason"})

	// FeedTicks counts normalized price ticks received from the upstream feed.
	FeedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_feed_ticks_total",
		Help: "Normalized price ticks received from the market feed",
	})

	// FeedDroppedFrames counts upstream frames that produced no tick.
	FeedDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_feed_dropped_frames_total",
		Help: "Unrecognized or malformed market feed frames",
	})

	// FeedReconnects counts upstream reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_feed_reconnects_total",
		Help: "Market feed reconnect attempts",
	})

	// FeedConnected is 1 while the upstream feed is connected.
	FeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_feed_connected",
		Help: "Whether the upstream market feed is connected",
	})

	// SubscribedAssets tracks the size of the desired subscription set.
	SubscribedAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_subscribed_assets",
		Help: "Asset ids currently requested from the market feed",
	})

	// PersistenceFailures counts failed store operations, by tier and op.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_persistence_failures_total",
		Help: "Failed ledger load/save operations",
	}, []string{"tier", "op"})

	// ActiveSessions tracks user scopes with a running session.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_active_sessions",
		Help: "Number of running ledger sessions",
	})

	// WebSocketClients tracks connected WebSocket clients, by endpoint.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"endpoint"})

	// CatalogRequests counts upstream catalog requests by path and status.
	CatalogRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_catalog_requests_total",
		Help: "Requests forwarded to the market catalog API",
	}, []string{"path", "status"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern uses the matched chi pattern for the path label to avoid
// high cardinality from ids in the URL.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
