package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the position tracker.
type Metrics struct {
	// Reconciliation
	ScanCycles      prometheus.Counter
	ScanDuration    prometheus.Histogram
	ScanPanics      prometheus.Counter
	ExecutionEvents *prometheus.CounterVec // labels: kind
	LevelsSkipped   prometheus.Counter
	ActivePositions prometheus.Gauge

	// Price source
	PriceLookups  *prometheus.CounterVec // labels: result=hit|miss|none|error
	PriceFetchDur prometheus.Histogram

	// Signals and notifications
	SignalsReceived     *prometheus.CounterVec // labels: source
	PositionsRegistered prometheus.Counter
	Notifications       *prometheus.CounterVec // labels: outcome=sent|suppressed|failed|dropped
	NotifySendDur       prometheus.Histogram

	// Storage
	SQLiteWriteDur prometheus.Histogram

	// Backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scan_cycles_total",
			Help: "Reconciliation cycles run",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_scan_duration_seconds",
			Help:    "Duration of a full reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		ScanPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_scan_panics_total",
			Help: "Per-position scans that panicked and were recovered",
		}),
		ExecutionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_execution_events_total",
			Help: "Confirmed execution events by kind",
		}, []string{"kind"}),
		LevelsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_levels_skipped_total",
			Help: "Entry levels skipped because price moved past them",
		}),
		ActivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_positions",
			Help: "Non-terminal positions in the ledger",
		}),

		PriceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_price_lookups_total",
			Help: "Price lookups by result",
		}, []string{"result"}),
		PriceFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_price_fetch_duration_seconds",
			Help:    "Upstream price fetch latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_signals_received_total",
			Help: "Inbound signals by source",
		}, []string{"source"}),
		PositionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_positions_registered_total",
			Help: "Positions created from signals",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_notifications_total",
			Help: "Notification outcomes",
		}, []string{"outcome"}),
		NotifySendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_notify_send_duration_seconds",
			Help:    "Notification sink latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		SQLiteWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_sqlite_write_duration_seconds",
			Help:    "SQLite write-through latency",
			Buckets: prometheus.DefBuckets,
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_fanout_drops_total",
			Help: "Event batches dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_redis_buffered_writes_total",
			Help: "Event publishes buffered locally while the breaker was open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.ScanCycles,
		m.ScanDuration,
		m.ScanPanics,
		m.ExecutionEvents,
		m.LevelsSkipped,
		m.ActivePositions,
		m.PriceLookups,
		m.PriceFetchDur,
		m.SignalsReceived,
		m.PositionsRegistered,
		m.Notifications,
		m.NotifySendDur,
		m.SQLiteWriteDur,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteEnabled  bool      `json:"sqlite_enabled"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LastCycleAt    time.Time `json:"last_cycle_at"`
	LastQuoteAt    time.Time `json:"last_quote_at"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetLastCycle(t time.Time) {
	h.mu.Lock()
	h.LastCycleAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuote(t time.Time) {
	h.mu.Lock()
	h.LastQuoteAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	sqliteDown := h.SQLiteEnabled && !h.SQLiteOK
	if redisDown || sqliteDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if redisDown && sqliteDown {
		overallStatus = "unhealthy"
	}

	cycleAge := ""
	if !h.LastCycleAt.IsZero() {
		cycleAge = time.Since(h.LastCycleAt).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LastCycleAt     string  `json:"last_cycle_at"`
		CycleAge        string  `json:"cycle_age"`
		LastQuoteAt     string  `json:"last_quote_at"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastCycleAt:     h.LastCycleAt.Format(time.RFC3339),
		CycleAge:        cycleAge,
		LastQuoteAt:     h.LastQuoteAt.Format(time.RFC3339),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *slog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With("component", "metrics"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}
