// Package metrics provides Prometheus instrumentation for the marketplace
// engine.
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
	// ListingsTotal counts listings created.
	ListingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "souk_listings_total",
		Help: "Total number of listings created",
	})

	// OrdersTotal counts orders by their final disposition when known.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "souk_orders_total",
		Help: "Total number of orders created",
	}, []string{"status"})

	// DisputesTotal counts disputes raised and resolved, by outcome.
	DisputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "souk_disputes_total",
		Help: "Disputes raised and resolved",
	}, []string{"outcome"})

	// EscrowHeld tracks the pooled escrow balance in base units.
	EscrowHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "souk_escrow_held_base_units",
		Help: "Current pooled escrow balance in base units",
	})

	// OperationRejections counts mutations rejected before commit, by reason.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "souk_operation_rejections_total",
		Help: "Mutations rejected by validation or access control",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "souk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "souk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "souk_http_request_duration_seconds",
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
