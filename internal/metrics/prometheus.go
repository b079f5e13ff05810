package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/config"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capacity metrics
	DirCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbs_dir_capacity_bytes",
		Help: "Configured capacity of each storage dir",
	}, []string{"tier", "dir"})

	DirUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbs_dir_used_bytes",
		Help: "Bytes used by committed and temporary blocks in each storage dir",
	}, []string{"tier", "dir"})

	TierBlockCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tbs_tier_block_count",
		Help: "Number of committed blocks in each tier",
	}, []string{"tier"})

	// Lifecycle metrics
	BlockOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_block_ops_total",
		Help: "Block lifecycle operations by kind and outcome",
	}, []string{"op", "status"})

	BlockMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_block_moves_total",
		Help: "Block relocations between tiers",
	}, []string{"from_tier", "to_tier"})

	// Eviction metrics
	EvictionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_eviction_runs_total",
		Help: "Eviction attempts triggered by allocations",
	}, []string{"tier", "status"})

	EvictedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_evicted_bytes_total",
		Help: "Bytes freed by eviction plans",
	}, []string{"tier"})

	// Lock metrics
	LockWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbs_lock_wait_seconds",
		Help:    "Time spent waiting for a block lock",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
	}, []string{"mode"})

	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tbs_locks_held",
		Help: "Outstanding block locks",
	})

	// Session metrics
	SessionsCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tbs_sessions_cleaned_total",
		Help: "Timed-out sessions whose temporary state was reclaimed",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tbs_active_sessions",
		Help: "Sessions with a live heartbeat",
	})

	// Journal metrics
	JournalOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_journal_ops_total",
		Help: "Block journal operations",
	}, []string{"operation", "status"})

	// Heartbeat metrics
	HeartbeatsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbs_heartbeats_published_total",
		Help: "Worker heartbeat reports published over NATS",
	}, []string{"status"})

	NATSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tbs_nats_reconnects_total",
		Help: "NATS reconnections of the heartbeat connection",
	})
)

// ObserveStore refreshes the capacity gauges from a snapshot.
func ObserveStore(s types.StoreMeta) {
	for _, t := range s.Tiers {
		tier := strconv.Itoa(t.Alias)
		blocks := 0
		for _, d := range t.Dirs {
			dir := strconv.Itoa(d.Index)
			DirCapacityBytes.WithLabelValues(tier, dir).Set(float64(d.CapacityBytes))
			DirUsedBytes.WithLabelValues(tier, dir).Set(float64(d.UsedBytes))
			blocks += len(d.BlockIDs)
		}
		TierBlockCount.WithLabelValues(tier).Set(float64(blocks))
	}
}

// Status returns the outcome label for an error.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
