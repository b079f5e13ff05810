package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/tiered-block-store/internal/blockio"
	"github.com/gftdcojp/tiered-block-store/internal/config"
	"github.com/gftdcojp/tiered-block-store/internal/journal"
	"github.com/gftdcojp/tiered-block-store/internal/lifecycle"
	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"github.com/gftdcojp/tiered-block-store/internal/serve"
	"github.com/gftdcojp/tiered-block-store/internal/session"
	"github.com/gftdcojp/tiered-block-store/internal/store"
	"github.com/gftdcojp/tiered-block-store/internal/worker"
	"github.com/gftdcojp/tiered-block-store/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tbs-worker %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger = logger.With(zap.String("worker_id", cfg.Worker.ID))

	// Build tier topology and rebuild the index from disk
	md, err := meta.NewManager(cfg.MetaTiers(), logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("building tiers: %w", err)
	}

	blockJournal, err := journal.NewBoltJournal(cfg.Journal.Path, journal.Options{NoSync: cfg.Journal.NoSync}, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer blockJournal.Close()

	if _, err := lifecycle.Recover(ctx, md, blockJournal, logger); err != nil {
		return fmt.Errorf("recovering block store: %w", err)
	}

	st, err := store.New(store.Config{
		Meta:        md,
		Policy:      cfg.Evictor.Policy,
		Files:       blockio.NewLocalFS(logger),
		LockTimeout: cfg.Evictor.LockTimeout.Duration(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating block store: %w", err)
	}
	st.AddListener(journal.NewListener(blockJournal, logger))

	tracker := session.NewTracker(cfg.Session.Timeout.Duration(), logger)
	cleaner := lifecycle.NewManager(tracker, st, logger)
	bdm, err := worker.New(worker.Config{
		WorkerID: cfg.Worker.ID,
		Store:    st,
		Sessions: tracker,
		Cleaner:  cleaner,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start session cleanup loop
	g.Go(func() error { return cleaner.Run(gctx, cfg.Session.CleanupInterval.Duration()) })

	// Connect to NATS for heartbeats
	var nc *nats.Conn
	if cfg.Heartbeat.Enabled {
		nc, err = natsutil.Connect(cfg.Heartbeat.NATS, cfg.Worker.ID, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		hb := serve.HeartbeatConfig{
			NC:       nc,
			Prefix:   cfg.Heartbeat.SubjectPrefix,
			Interval: cfg.Heartbeat.Interval.Duration(),
		}
		if cfg.Heartbeat.KVBucket != "" {
			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("creating JetStream context: %w", err)
			}
			hb.KV, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket: cfg.Heartbeat.KVBucket,
				TTL:    3 * cfg.Heartbeat.Interval.Duration(),
			})
			if err != nil {
				return fmt.Errorf("opening worker kv bucket: %w", err)
			}
		}
		g.Go(func() error {
			return serve.RunHeartbeat(gctx, hb, bdm, logger.Named("heartbeat"))
		})
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.Heartbeat.SubjectPrefix, bdm, logger.Named("nats-responder"))
		})
	}

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, bdm, logger.Named("api"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, blockJournal, cfg.DirPaths())
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	snap := st.Snapshot()
	logger.Info("tbs-worker started",
		zap.String("version", version),
		zap.Int("tiers", len(snap.Tiers)),
		zap.Int64("capacity_bytes", snap.CapacityBytes()),
		zap.Int64("used_bytes", snap.UsedBytes()),
		zap.String("evictor", cfg.Evictor.Policy),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
