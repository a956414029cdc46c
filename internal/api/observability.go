package api

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arena/internal/config"
)

// Metrics with bounded cardinality (no per-player labels to prevent DoS)
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.016, 0.033, 0.1},
	})

	playerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_player_count",
		Help: "Current number of connected players",
	})

	inputsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_inputs_processed_total",
		Help: "Input packets queued for the simulation",
	})

	inputsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_inputs_dropped_total",
		Help: "Input packets dropped (stale, malformed, or rate limited)",
	})

	snapshotBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_snapshot_bytes_total",
		Help: "Encoded snapshot bytes broadcast to clients",
	})

	violationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_anticheat_violations_total",
		Help: "Anti-cheat violations recorded",
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_connection_rejected_total",
		Help: "Connections rejected by rate limiter, origin check or match capacity",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "invalid", "match_full", "ip_limit"

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})
)

// DebugServer is the internal observability listener: pprof and prometheus
// on a port separate from the game surface. It only ever binds loopback; a
// non-loopback address in the config is overridden, not honored.
type DebugServer struct {
	cfg config.DebugConfig
	srv *http.Server
}

// NewDebugServer builds the listener without starting it.
func NewDebugServer(cfg config.DebugConfig) *DebugServer {
	if !isLoopbackAddr(cfg.ListenAddr) {
		log.Printf("⚠️ Debug listener %s is not loopback, using %s", cfg.ListenAddr, config.DefaultDebug().ListenAddr)
		cfg.ListenAddr = config.DefaultDebug().ListenAddr
	}

	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &DebugServer{
		cfg: cfg,
		srv: &http.Server{Addr: cfg.ListenAddr, Handler: r},
	}
}

// Start serves in the background. A dead debug listener never takes the
// game down with it.
func (d *DebugServer) Start() {
	if !d.cfg.Enabled {
		log.Println("📊 Debug listener disabled")
		return
	}

	go func() {
		log.Printf("📊 Debug listener on %s (pprof under /debug, metrics under /metrics)", d.srv.Addr)
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ Debug listener: %v", err)
		}
	}()
}

// Stop closes the listener.
func (d *DebugServer) Stop() {
	if d.srv != nil {
		d.srv.Close()
	}
}

// isLoopbackAddr reports whether a host:port binds a loopback interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// RecordTick records tick timing for metrics
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// UpdatePlayerCount updates the player gauge
func UpdatePlayerCount(count int) {
	playerCount.Set(float64(count))
}

// RecordInputProcessed increments the processed input counter
func RecordInputProcessed() {
	inputsProcessed.Inc()
}

// RecordInputDropped increments the dropped input counter
func RecordInputDropped() {
	inputsDropped.Inc()
}

// RecordSnapshotBytes adds broadcast snapshot bytes
func RecordSnapshotBytes(n int) {
	snapshotBytes.Add(float64(n))
}

// RecordViolation increments the anti-cheat violation counter
func RecordViolation() {
	violationsTotal.Inc()
}

// RecordConnectionRejected increments the rejection counter
// reason must be one of: "rate_limit", "origin", "invalid", "match_full", "ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}
