// Command worker runs one flow-kind's worker process: it loads
// configuration, brings up the connection pool (running migrations if
// configured to), wires the Queue Protocol, the Handler Registry, and the
// Worker Runtime, then blocks until a shutdown signal drains it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/rezkam/taskqueue/internal/config"
	"github.com/rezkam/taskqueue/internal/dbpool"
	"github.com/rezkam/taskqueue/internal/flows"
	"github.com/rezkam/taskqueue/internal/health"
	"github.com/rezkam/taskqueue/internal/localqueue"
	"github.com/rezkam/taskqueue/internal/observability"
	"github.com/rezkam/taskqueue/internal/queue"
	"github.com/rezkam/taskqueue/internal/queue/postgres"
	"github.com/rezkam/taskqueue/internal/recovery"
	"github.com/rezkam/taskqueue/internal/worker"
)

// Exit status contract: 0 clean, 2 drain timed out with
// in-flight work cancelled, 3 local queue has unflushed entries at exit.
// A failure during startup (configuration, telemetry, pool, local queue,
// startup sequence) also exits with 2.
const (
	exitClean          = 0
	exitDrainTimeout   = 2
	exitUnflushedLocal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	if _, err := maxprocs.Set(); err != nil {
		slog.Warn("failed to set GOMAXPROCS", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitDrainTimeout
	}

	runtimeDefaults, err := config.LoadRuntimeDefaults()
	if err != nil {
		slog.Error("failed to load runtime defaults", "error", err)
		return exitDrainTimeout
	}

	ctx := context.Background()

	obsCfg := observability.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.FlowKind + "-worker"}
	tracerProvider, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		slog.Error("failed to init tracer provider", "error", err)
		return exitDrainTimeout
	}
	defer func() { _ = tracerProvider.Shutdown(ctx) }()

	meterProvider, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		slog.Error("failed to init meter provider", "error", err)
		return exitDrainTimeout
	}
	defer func() { _ = meterProvider.Shutdown(ctx) }()

	loggerProvider, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		slog.Error("failed to init logger", "error", err)
		return exitDrainTimeout
	}
	defer func() { _ = loggerProvider.Shutdown(ctx) }()

	instruments, err := observability.NewRuntimeInstruments(cfg.FlowKind)
	if err != nil {
		logger.Error("failed to create runtime instruments", "error", err)
		return exitDrainTimeout
	}

	supervisor, err := dbpool.New(ctx, dbpool.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    firstNonZero(cfg.Database.MaxOpenConns, cfg.Pool.DBMaxOpenConns),
		MaxIdleConns:    firstNonZero(cfg.Database.MaxIdleConns, cfg.Pool.DBMaxIdleConns),
		ConnMaxLifetime: time.Duration(firstNonZero(cfg.Database.ConnMaxLifetime, cfg.Pool.DBConnMaxLifetime)) * time.Second,
		ConnMaxIdleTime: time.Duration(firstNonZero(cfg.Database.ConnMaxIdleTime, cfg.Pool.DBConnMaxIdleTime)) * time.Second,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		logger.Error("failed to initialize connection pool", "error", err)
		return exitDrainTimeout
	}
	defer supervisor.Close()

	store := postgres.NewStore(supervisor.Pool())
	probe := health.New(supervisor.Pool(), "queue")

	hostname, _ := os.Hostname()
	identity := queue.Identity(cfg.FlowKind, hostname, os.Getenv("QUEUE_INSTANCE_ID"))

	localQueue, err := localqueue.Open(cfg.LocalQueuePath, cfg.LocalQueueMaxEntries, time.Now())
	if err != nil {
		logger.Error("failed to open local operation queue", "error", err)
		return exitDrainTimeout
	}

	queueConfig := config.NewQueueConfig(cfg.Env, *runtimeDefaults)
	settings := resolveSettings(queueConfig, cfg.FlowKind)

	executor := dbpool.NewExecutor(dbpool.RetryPolicy{
		BaseDelay:  time.Duration(runtimeDefaults.DBRetryMinWaitS) * time.Second,
		MaxDelay:   time.Duration(runtimeDefaults.DBRetryMaxWaitS) * time.Second,
		MaxRetries: runtimeDefaults.DBRetryAttempts,
	})

	registry := queue.NewRegistry()
	registry.Register(flows.FileProcessingFlowKind, flows.NewFileProcessingHandler())
	registry.Register(flows.ValidationFlowKind, flows.NewValidationHandler())
	registry.Register(flows.ConcurrentProcessingFlowKind, flows.NewConcurrentProcessingHandler())

	controller := &recovery.Controller{
		FlowKind:   cfg.FlowKind,
		LocalQueue: localQueue,
		Probe:      probe,
		ReapOrphans: func(ctx context.Context) (int64, error) {
			return store.ReapOrphans(ctx, cfg.FlowKind)
		},
		FlushLocal: func() (localqueue.FlushResult, error) {
			return localQueue.Flush(func(entry localqueue.Entry) error {
				return applyBufferedEntry(ctx, store, entry)
			})
		},
		Logger: logger,
	}

	if err := controller.Startup(ctx); err != nil {
		logger.Error("startup sequence failed", "error", err)
		return exitDrainTimeout
	}

	shutdownCtx, stop := recovery.ShutdownContext(ctx, logger)
	defer stop()

	healthServer := health.NewServer(probe, health.ServerConfig{
		Addr:          cfg.HealthEndpointAddr,
		LocalQueueLen: localQueue.Len,
		PoolSnapshot:  func(ctx context.Context) { supervisor.Snapshot(ctx) },
	})
	go func() {
		if err := healthServer.Start(shutdownCtx); err != nil {
			logger.Error("health server exited with error", "error", err)
		}
	}()

	runtime := worker.New(worker.Deps{
		FlowKind:    cfg.FlowKind,
		Identity:    identity,
		Pool:        supervisor.Pool(),
		Store:       store,
		Registry:    registry,
		LocalQueue:  localQueue,
		Executor:    executor,
		Probe:       probe,
		Instruments: instruments,
		Logger:      logger,
	}, settings)

	runErr := runtime.Run(shutdownCtx)

	if localQueue.Len() > 0 {
		logger.Error("exiting with unflushed local queue entries", "remaining", localQueue.Len())
		return exitUnflushedLocal
	}
	if runErr != nil && !errors.Is(runErr, queue.ErrShutdown) {
		logger.Error("worker exited after drain timeout", "error", runErr)
		return exitDrainTimeout
	}

	logger.Info("worker exited cleanly")
	return exitClean
}

// firstNonZero returns primary if it's nonzero, else fallback. Database's
// per-deployment override takes precedence over Pool's process default.
func firstNonZero(primary, fallback int) int {
	if primary != 0 {
		return primary
	}
	return fallback
}

// applyBufferedEntry mirrors worker.Runtime's own buffered-outcome apply
// for the startup flush, which runs before a Runtime exists.
func applyBufferedEntry(ctx context.Context, store *postgres.Store, entry localqueue.Entry) error {
	switch entry.OperationKind {
	case localqueue.OperationComplete:
		return store.Complete(ctx, entry.RecordID, entry.WorkerID, entry.Result)
	case localqueue.OperationRetry:
		return store.Retry(ctx, entry.RecordID, entry.WorkerID, entry.LastError, entry.NextVisibleAt)
	case localqueue.OperationFail:
		if entry.NewStatus == queue.StatusDead {
			return store.DeadLetter(ctx, entry.RecordID, entry.WorkerID, entry.LastError)
		}
		return store.FailPermanent(ctx, entry.RecordID, entry.WorkerID, entry.LastError)
	default:
		return fmt.Errorf("unknown buffered operation kind %q", entry.OperationKind)
	}
}

// resolveSettings reads every runtime-tuning key for flowKind through the
// three-tier ConfigProvider.
func resolveSettings(cfg config.ConfigProvider, flowKind string) worker.Settings {
	mustInt := func(key string) int {
		v, _ := cfg.GetInt(flowKind, key)
		return v
	}
	mustFloat := func(key string) float64 {
		v, _ := cfg.GetFloat(flowKind, key)
		return v
	}
	mustDuration := func(key string) time.Duration {
		v, _ := cfg.GetDuration(flowKind, key)
		return v
	}

	return worker.Settings{
		MaxConcurrent:     mustInt("max_concurrent"),
		BatchSize:         mustInt("batch_size"),
		PollIntervalMS:    mustInt("poll_interval_ms"),
		LeaseDuration:     mustDuration("lease_duration_s"),
		HeartbeatInterval: mustDuration("heartbeat_interval_s"),
		MaxAttempts:       mustInt("max_attempts"),
		BackoffPolicy: queue.BackoffPolicy{
			BaseS:  mustInt("backoff_base_s"),
			MaxS:   mustInt("backoff_max_s"),
			Jitter: mustFloat("backoff_jitter"),
		},
		ShutdownGrace: 30 * time.Second,
	}
}
