// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// StakesPlaced counts accepted stake placements by bet category.
	StakesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stakes_placed_total",
		Help: "Total number of stakes placed",
	}, []string{"category"})

	// StakeVolume tracks cumulative staked amount by bet category.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stake_volume_total",
		Help: "Cumulative staked amount",
	}, []string{"category"})

	// StakesSettled counts settled stakes by result (won, lost, refunded).
	StakesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_stakes_settled_total",
		Help: "Total number of stakes settled",
	}, []string{"result"})

	// PayoutVolume tracks cumulative winner payouts.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_payout_volume_total",
		Help: "Cumulative amount paid to winning stakes",
	})

	// OperationLatency tracks coordinator operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_operation_latency_seconds",
		Help:    "Coordinator operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationErrors counts failed coordinator operations by error kind.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operation_errors_total",
		Help: "Failed coordinator operations",
	}, []string{"operation", "kind"})

	// LockWait tracks how long acquisitions waited, by lock scope.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_lock_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"scope"})

	// LockFailures counts acquisitions that gave up, by lock scope.
	LockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_lock_failures_total",
		Help: "Lock acquisitions that timed out or failed",
	}, []string{"scope"})

	// ReconcileMismatches counts wallets whose cached balance diverged from
	// the ledger fold.
	ReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reconcile_mismatches_total",
		Help: "Wallets whose balance disagrees with the ledger",
	})

	// EventPublishFailures counts event batches that could not be delivered.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_event_publish_failures_total",
		Help: "Event batches that failed to publish",
	})

	// OpenBets tracks the number of bets accepting stakes.
	OpenBets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_open_bets",
		Help: "Number of currently open bets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records latency and, on failure, the error kind of one
// coordinator operation.
func ObserveOperation(op string, start time.Time, kind string) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if kind != "" {
		OperationErrors.WithLabelValues(op, kind).Inc()
	}
}

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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
