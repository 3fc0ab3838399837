// Package metrics provides Prometheus instrumentation for the P&L engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// RebuildsTotal counts rebuild attempts, partitioned by outcome
	// (published, misaligned, cash_imbalance, error).
	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_rebuilds_total",
		Help: "Total number of rebuild attempts by outcome",
	}, []string{"outcome"})

	// RebuildDuration tracks end-to-end rebuild latency.
	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pnl_rebuild_duration_seconds",
		Help:    "Rebuild duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// GenerationNumber is the number of the live generation.
	GenerationNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_generation_number",
		Help: "Number of the currently published generation",
	})

	// DuplicateRatio is the share of input trades collapsed by dedup.
	DuplicateRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_duplicate_ratio",
		Help: "Fraction of input trades collapsed as duplicates in the last rebuild",
	})

	// CoveragePercent tracks resolution and price coverage of the last rebuild.
	CoveragePercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnl_coverage_percent",
		Help: "Coverage of the last rebuild by kind (resolution, price)",
	}, []string{"kind"})

	// MalformedIdentifiers counts identifiers that failed normalization.
	MalformedIdentifiers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_malformed_identifiers_total",
		Help: "Condition ids that failed normalization, by input kind",
	}, []string{"kind"})

	// RejectedTrades counts trades dropped before aggregation.
	RejectedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_rejected_trades_total",
		Help: "Trades rejected for invalid side, price, quantity or wallet",
	})

	// Positions tracks the number of positions in the last rebuild.
	Positions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_positions",
		Help: "Number of positions in the last published generation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
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

		// Wallet addresses in the path would explode cardinality; label by
		// the chi route pattern once routing has filled it in.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
