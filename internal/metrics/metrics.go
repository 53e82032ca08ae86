// Package metrics provides Prometheus instrumentation for the race engine.
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
	// BetsPlaced counts accepted bets.
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_bets_placed_total",
		Help: "Total number of accepted bets",
	})

	// BetsRejected counts rejected bets, partitioned by error code.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_bets_rejected_total",
		Help: "Total number of rejected bets",
	}, []string{"reason"})

	BetsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_bets_cancelled_total",
		Help: "Total number of cancelled bets",
	})

	// BetVolume tracks cumulative accepted stake in lamports.
	BetVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_bet_volume_lamports_total",
		Help: "Cumulative accepted stake in lamports",
	})

	// RacesTotal counts races by terminal phase reached.
	RacesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_races_total",
		Help: "Total number of races run",
	}, []string{"result"})

	CurrentTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "race_current_tick",
		Help: "Tick counter of the race in progress",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "race_tick_duration_seconds",
		Help:    "Time spent computing one simulation tick",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "race_settlement_latency_seconds",
		Help:    "Race settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PayoutsTotal tracks lamports credited to bettors, by kind (win, rakeback).
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_payouts_lamports_total",
		Help: "Cumulative lamports credited at settlement",
	}, []string{"kind"})

	HouseEdgeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_house_edge_lamports_total",
		Help: "Cumulative lamports retained by the house",
	})

	// VaultTransactions counts processed deposits and withdrawals by result.
	VaultTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_vault_transactions_total",
		Help: "Vault transactions processed",
	}, []string{"kind", "result"})

	ChainLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "race_chain_confirm_seconds",
		Help:    "Time from submission to confirmation of vault transactions",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "race_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the per-user limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "race_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps bet and race ids out of the label set.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
