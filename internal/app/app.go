package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkeep/arkeep/internal/backup"
	"github.com/arkeep/arkeep/internal/chunkstore"
	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/config"
	"github.com/arkeep/arkeep/internal/handlers"
	"github.com/arkeep/arkeep/internal/locktable"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/metrics"
	"github.com/arkeep/arkeep/internal/middleware"
	"github.com/arkeep/arkeep/internal/recovery"
	"github.com/arkeep/arkeep/internal/storage"
	"github.com/arkeep/arkeep/internal/telemetry"
	"github.com/arkeep/arkeep/internal/txn"
)

const shutdownTimeout = 5 * time.Second

// Builder wires arkeep application dependencies.
type Builder struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	clk            clock.Clock
	store          storage.Store
	locks          *locktable.Table
	txns           *txn.Manager
	chunks         *chunkstore.Store
	backups        *backup.Manager
	orchestrator   *recovery.Orchestrator
	tracerProvider *telemetry.TracerProvider
	closers        []func()
}

// NewBuilder creates a new application builder.
func NewBuilder(cfg *config.Config, version string) *Builder {
	return &Builder{cfg: cfg, version: version}
}

// Build assembles the application components.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initLogger()
	b.recordStartupMetrics()
	b.initFiber()
	b.initTracing(ctx)
	b.initMiddleware()

	if err := b.initStorage(); err != nil {
		b.cleanupOnError()
		return nil, err
	}
	if err := b.initTxn(); err != nil {
		b.cleanupOnError()
		return nil, err
	}
	if err := b.initBackup(); err != nil {
		b.cleanupOnError()
		return nil, err
	}
	if err := b.initRecovery(); err != nil {
		b.cleanupOnError()
		return nil, err
	}

	b.initHandlers()

	return &App{
		cfg:            b.cfg,
		version:        b.version,
		logger:         b.logger,
		fiberApp:       b.fiberApp,
		backups:        b.backups,
		tracerProvider: b.tracerProvider,
		closers:        b.closers,
	}, nil
}

func (b *Builder) initLogger() {
	b.logger = logger.NewFromConfig(b.cfg.Log.Level, b.cfg.Log.Format)
	logger.SetDefault(b.logger)
}

func (b *Builder) recordStartupMetrics() {
	metrics.BuildInfo.WithLabelValues(b.version, runtime.Version()).Set(1)

	b.logger.Info("Starting arkeep",
		logger.String("version", b.version),
		logger.String("address", b.cfg.Address()),
		logger.String("log_level", b.cfg.Log.Level),
		logger.String("storage_type", b.cfg.Storage.Type),
		logger.String("chunk_policy", b.cfg.Backup.ChunkPolicy),
		logger.String("codec", b.cfg.Backup.Codec),
	)
}

func (b *Builder) initFiber() {
	b.fiberApp = fiber.New()
}

func (b *Builder) initTracing(ctx context.Context) {
	provider, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Enabled:        b.cfg.Tracing.Enabled,
		Endpoint:       b.cfg.Tracing.Endpoint,
		ServiceName:    b.cfg.Tracing.ServiceName,
		ServiceVersion: b.cfg.Tracing.ServiceVersion,
		Environment:    b.cfg.Tracing.Environment,
		SamplingRatio:  b.cfg.Tracing.SamplingRatio,
		InsecureConn:   b.cfg.Tracing.InsecureConn,
	})
	if err != nil {
		b.logger.Error("Failed to initialize tracing", logger.Error(err))
		return
	}

	if b.cfg.Tracing.Enabled {
		b.logger.Info("OpenTelemetry tracing initialized",
			logger.String("endpoint", b.cfg.Tracing.Endpoint),
			logger.String("service_name", b.cfg.Tracing.ServiceName),
		)

		b.addCloser(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				b.logger.Error("Failed to shutdown tracer provider", logger.Error(err))
			}
		})
	}

	b.tracerProvider = provider
}

func (b *Builder) initMiddleware() {
	b.fiberApp.Use(middleware.RequestLogging(b.logger))
	b.fiberApp.Use(middleware.Metrics())

	if b.cfg.Tracing.Enabled {
		b.fiberApp.Use(middleware.Tracing(b.cfg.Tracing.ServiceName))
	}
}

func (b *Builder) initStorage() error {
	store, err := storage.NewStore(storage.Config{
		Type:       b.cfg.Storage.Type,
		DataDir:    b.cfg.Storage.DataDir,
		SyncWrites: b.cfg.Storage.SyncWrites,
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	b.store = store
	b.clk = clock.NewMonotonic()

	b.addCloser(func() {
		if err := store.Close(); err != nil {
			b.logger.Error("Failed to close storage", logger.Error(err))
		}
	})
	return nil
}

func (b *Builder) initTxn() error {
	b.locks = locktable.New()

	manager, err := txn.NewManager(txn.Config{
		LockWaitTimeout:  b.cfg.Txn.LockWaitTimeout,
		PrepareTimeout:   b.cfg.Txn.PrepareTimeout,
		DeadlockInterval: b.cfg.Txn.DeadlockInterval,
		VictimPolicy:     b.cfg.Txn.VictimPolicy,
		CoordinatorLog:   b.cfg.Txn.CoordinatorLog,
	}, b.store, b.locks, b.clk, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transaction manager: %w", err)
	}
	manager.Start()
	b.txns = manager

	b.addCloser(func() {
		if err := manager.Close(); err != nil {
			b.logger.Error("Failed to close transaction manager", logger.Error(err))
		}
	})
	return nil
}

func (b *Builder) initBackup() error {
	codec, err := chunkstore.NewCodec(b.cfg.Backup.Codec, b.cfg.Backup.CodecLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize codec: %w", err)
	}
	chunker, err := chunkstore.NewChunker(b.cfg.Backup.ChunkPolicy, b.cfg.Backup.ChunkSize)
	if err != nil {
		return fmt.Errorf("failed to initialize chunker: %w", err)
	}

	b.chunks = chunkstore.New(b.store, codec)
	b.backups = backup.NewManager(b.chunks, chunker, b.store, b.clk, b.logger)
	return nil
}

func (b *Builder) initRecovery() error {
	orchestrator, err := recovery.NewOrchestrator(recovery.Config{
		StepTimeout:  b.cfg.Recovery.StepTimeout,
		RetryPolicy:  b.cfg.Recovery.RetryPolicy,
		RetryBase:    b.cfg.Recovery.RetryBase,
		MaxAttempts:  b.cfg.Recovery.MaxAttempts,
		Compensation: b.cfg.Recovery.Compensation,
		Strategy:     recovery.ParseConflictStrategy(b.cfg.Recovery.ConflictStrategy),
	}, b.backups, b.store, b.clk, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize recovery orchestrator: %w", err)
	}
	b.orchestrator = orchestrator
	return nil
}

func (b *Builder) initHandlers() {
	txnHandler := handlers.NewTxnHandler(b.txns)
	backupHandler := handlers.NewBackupHandler(b.backups)
	recoveryHandler := handlers.NewRecoveryHandler(b.orchestrator, b.logger)
	healthHandler := handlers.NewHealthHandler(b.txns, b.backups, b.version)

	b.fiberApp.Post("/txn/begin", txnHandler.Begin)
	b.fiberApp.Get("/txn/", txnHandler.List)
	b.fiberApp.Get("/txn/:id", txnHandler.Status)
	b.fiberApp.Get("/txn/:id/keys/:key", txnHandler.Read)
	b.fiberApp.Put("/txn/:id/keys/:key", txnHandler.Write)
	b.fiberApp.Delete("/txn/:id/keys/:key", txnHandler.Delete)
	b.fiberApp.Post("/txn/:id/enlist", txnHandler.Enlist)
	b.fiberApp.Post("/txn/:id/prepare", txnHandler.Prepare)
	b.fiberApp.Post("/txn/:id/commit", txnHandler.Commit)
	b.fiberApp.Post("/txn/:id/abort", txnHandler.Abort)
	b.fiberApp.Get("/kv/:key", txnHandler.GetCommitted)

	b.fiberApp.Post("/backups", backupHandler.Create)
	b.fiberApp.Get("/backups", backupHandler.List)
	b.fiberApp.Get("/backups/:id", backupHandler.Get)
	b.fiberApp.Post("/backups/:id/validate", backupHandler.Validate)
	b.fiberApp.Post("/backups/:id/restore", backupHandler.Restore)
	b.fiberApp.Delete("/backups/:id", backupHandler.Delete)

	b.fiberApp.Post("/recovery/plans/pitr", recoveryHandler.PlanPITR)
	b.fiberApp.Post("/recovery/plans/backup", recoveryHandler.PlanFromBackup)
	b.fiberApp.Post("/recovery/plans/disaster", recoveryHandler.PlanDisaster)
	b.fiberApp.Post("/recovery/plans/cascading", recoveryHandler.PlanCascading)
	b.fiberApp.Get("/recovery/plans", recoveryHandler.List)
	b.fiberApp.Get("/recovery/plans/:id", recoveryHandler.Get)
	b.fiberApp.Post("/recovery/plans/:id/execute", recoveryHandler.Execute)
	b.fiberApp.Post("/recovery/plans/:id/cancel", recoveryHandler.Cancel)

	b.fiberApp.Get("/health", healthHandler.Check)
	b.fiberApp.Get("/health/live", healthHandler.Liveness)
	b.fiberApp.Get("/health/ready", healthHandler.Readiness)

	b.fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (b *Builder) addCloser(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *Builder) cleanupOnError() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// App represents a configured arkeep application ready to run.
type App struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	backups        *backup.Manager
	tracerProvider *telemetry.TracerProvider
	closers        []func()
	backgroundStop []func()
}

// Run starts the application and handles graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.startBackgroundTasks()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.fiberApp.Listen(a.cfg.Address())
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("Failed to start server", logger.Error(err))
			a.stopBackgroundTasks()
			a.runClosers()
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	a.stopBackgroundTasks()

	if err := a.fiberApp.Shutdown(); err != nil {
		a.logger.Error("Server forced to shutdown", logger.Error(err))
	}

	a.runClosers()

	if err := <-serverErr; err != nil {
		return err
	}

	a.logger.Info("Server exited gracefully")
	return nil
}

func (a *App) startBackgroundTasks() {
	if a.cfg.Backup.RetentionAge > 0 {
		a.backgroundStop = append(a.backgroundStop, a.startRetentionSweep())
	}
}

func (a *App) stopBackgroundTasks() {
	for i := len(a.backgroundStop) - 1; i >= 0; i-- {
		a.backgroundStop[i]()
	}
	a.backgroundStop = nil
}

// startRetentionSweep deletes validated backups older than the
// configured retention age on a fixed interval.
func (a *App) startRetentionSweep() func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(a.cfg.Backup.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-a.cfg.Backup.RetentionAge).UnixNano()
				count, err := a.backups.Sweep(cutoff)
				if err != nil {
					a.logger.Error("Retention sweep failed", logger.Error(err))
					continue
				}
				if count > 0 {
					a.logger.Info("Retention sweep removed backups", logger.Int("count", count))
				}
			case <-stop:
				return
			}
		}
	}()

	return func() { close(stop) }
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Handler exposes the fiber app for tests.
func (a *App) Handler() *fiber.App {
	return a.fiberApp
}
