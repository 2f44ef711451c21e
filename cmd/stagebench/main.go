package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/health"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/server"
	"github.com/beingmeta/concourse/internal/service"
	"github.com/beingmeta/concourse/internal/storage/bloom"
	"github.com/beingmeta/concourse/internal/storage/staging"
	"github.com/beingmeta/concourse/internal/store"
	"github.com/beingmeta/concourse/internal/util/workerpool"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("node_id", cfg.NodeID), zap.String("run_id", runID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Bench failed", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.LoadConfig(path)
	}
	return config.LoadFromEnv()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(reg, cfg.NodeID)

	// Filter producer
	workers := workerpool.NewWorkerPool(workerpool.Config{
		Name:       "filters",
		MaxWorkers: cfg.Filter.Workers,
		QueueSize:  cfg.Filter.PoolSize * 2,
		Logger:     logger,
	})
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
		defer cancel()
		if err := workers.Stop(stopCtx); err != nil {
			logger.Warn("Worker pool did not stop cleanly", zap.Error(err))
		}
	}()

	producer := bloom.NewFilterProducer(bloom.Config{
		ExpectedInsertions: cfg.Filter.ExpectedInsertions,
		FalsePositiveRate:  cfg.Filter.FalsePositiveRate,
		HashCacheSize:      cfg.Filter.HashCacheSize,
	}, cfg.Filter.PoolSize, workers, logger, m)
	if err := producer.WarmUp(ctx); err != nil {
		return fmt.Errorf("filter warm-up: %w", err)
	}

	// Permanent store
	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Commit log
	var wal *service.CommitLogService
	if cfg.CommitLog.Enabled {
		wal, err = service.NewCommitLogService(service.CommitLogConfig{
			Dir:         cfg.CommitLog.Dir,
			SegmentSize: cfg.CommitLog.SegmentSize,
			SyncWrites:  cfg.CommitLog.SyncWrites,
		}, logger, m)
		if err != nil {
			return err
		}
		defer wal.Close()
	}

	svc := service.NewStagingService(service.StagingConfig{
		Buffer: staging.QueueConfig{
			Name:                    "buffer",
			InitialSize:             cfg.Staging.InitialQueueSize,
			TransportBatchThreshold: cfg.Staging.TransportBatchThreshold,
		},
		Transaction: staging.TransactionQueueConfig{
			Queue: staging.QueueConfig{
				Name:                    "transaction",
				InitialSize:             cfg.Staging.InitialQueueSize,
				TransportBatchThreshold: cfg.Staging.TransportBatchThreshold,
			},
			FilterCreationThreshold: cfg.Staging.FilterCreationThreshold,
		},
	}, st, wal, producer, logger, m)

	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("commit log recovery: %w", err)
	}

	// Health and metrics
	healthCfg := health.HealthCheckConfig{NodeID: cfg.NodeID}
	if cfg.CommitLog.Enabled {
		healthCfg.DataDir = cfg.CommitLog.Dir
	}
	hc := health.NewHealthChecker(healthCfg, logger)
	hc.AddDependency("store", st.Ping)
	go hc.Start(ctx)

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, m, hc, logger)
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
			defer cancel()
			if err := ms.Stop(stopCtx); err != nil {
				logger.Warn("Metrics server did not stop cleanly", zap.Error(err))
			}
		}()
	}

	b := &bench{cfg: cfg.Bench, svc: svc, store: st, logger: logger, seed: time.Now().UnixNano()}

	if _, err := b.writeValues(ctx); err != nil {
		return err
	}
	if _, err := b.runTransactions(ctx); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := svc.Flush(flushCtx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	if _, err := b.summarizeStore(flushCtx); err != nil {
		return err
	}

	stats := workers.Stats()
	logger.Info("Bench finished",
		zap.Int("filters_available", producer.Available()),
		zap.Uint64("replenish_tasks", stats.TotalTasks),
		zap.Float64("replenish_success_rate", stats.SuccessRate()))
	return nil
}

// initLogger builds the process logger from the logging config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
