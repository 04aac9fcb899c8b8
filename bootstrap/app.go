package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"phishwatch/api"
	"phishwatch/config"
	"phishwatch/core"
	"phishwatch/threat"
	"phishwatch/util/goroutine"

	"go.uber.org/zap"
)

const (
	restoreTimeout    = 10 * time.Second
	apiStopTimeout    = 5 * time.Second
	runDrainTimeout   = 30 * time.Second
	serviceWaitBuffer = 10 * time.Second
)

// App represents the phishwatch service with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Ingestion
	Engine    *EngineComponents
	Scheduler *threat.Scheduler
	Sweeper   *threat.Sweeper

	// Services
	APIServer *api.API

	// Lifecycle
	serviceWg    sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp loads configuration, opens storage and builds the ingestion engine.
// Nothing runs until Start is called.
func NewApp(ctx context.Context, configFile string) (*App, error) {
	cfg, err := InitConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, Sugar: sugar}
	sugar.Info("phishwatch starting...")
	logConfigSummary(cfg, sugar)

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	stores, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = stores

	engine, err := InitEngine(cfg, stores, sugar)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	app.Engine = engine

	scheduler, err := threat.NewScheduler(engine.Orchestrator, cfg.ThreatIntel.Schedule, cfg.Location(), sugar)
	if err != nil {
		engine.Close()
		_ = stores.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	app.Scheduler = scheduler

	app.Sweeper = threat.NewSweeper(stores.Indicators, cfg.ThreatIntel.Retention, cfg.ThreatIntel.SweepInterval, sugar)

	if cfg.API.Enabled {
		server, err := api.NewAPI(engine.Orchestrator, engine.Aggregator, stores.Analyses, cfg.API, sugar)
		if err != nil {
			engine.Close()
			_ = stores.Close()
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
		app.APIServer = server
		app.Sweeper.OnDeactivate(func(int64) { server.InvalidateRecent() })
	}

	return app, nil
}

// Start restores the last snapshot and starts the sweeper, the scheduler and the API.
func (a *App) Start(ctx context.Context) error {
	restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	if err := a.Engine.Orchestrator.Restore(restoreCtx); err != nil {
		a.Sugar.Warnw("Failed to restore last threat analysis, serving empty until the first run", "error", err)
	} else if snap := a.Engine.Orchestrator.Snapshot(); snap != nil {
		a.Sugar.Infow("Restored last threat analysis",
			"run_id", snap.RunID,
			"generated_at", snap.GeneratedAt,
			"total_threats", snap.TotalThreats)
	}

	a.Sweeper.Start(ctx)

	a.Scheduler.Start()
	a.Sugar.Infow("Ingestion scheduler started",
		"schedule", a.Config.ThreatIntel.Schedule,
		"next_run", a.Scheduler.Next())

	if a.Config.ThreatIntel.RunOnStartup {
		runID, err := a.Engine.Orchestrator.Start(ctx, core.RunTriggerStartup)
		if err != nil && !errors.Is(err, core.ErrAlreadyRunning) {
			a.Sugar.Errorw("Startup ingestion run could not start", "error", err)
		} else if err == nil {
			a.Sugar.Infow("Startup ingestion run started", "run_id", runID)
		}
	}

	if a.APIServer != nil {
		a.startAPIServer()
	}
	return nil
}

func (a *App) startAPIServer() {
	addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)
		a.Sugar.Infof("API server started on %s", addr)
		if err := a.APIServer.Start(addr); err != nil {
			a.Sugar.Errorf("API server error: %v", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown gracefully shuts down all components. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop accepting requests
	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiStopTimeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// Phase 2 - Stop triggering new runs
	a.Sugar.Info("Phase 2: Stopping scheduler...")
	if a.Scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), runDrainTimeout)
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Sugar.Warnw("Scheduler stop timed out", "error", err)
		}
		cancel()
	}

	// Phase 3 - Cancel and drain the run in progress
	a.Sugar.Info("Phase 3: Draining ingestion runs...")
	if a.Engine != nil {
		if a.Engine.Orchestrator.Cancel() {
			a.Sugar.Info("Cancelled ingestion run in progress")
		}
		a.waitWithTimeout("ingestion runs", a.Engine.Orchestrator.Wait, runDrainTimeout)
	}

	// Phase 4 - Stop retention sweeps
	a.Sugar.Info("Phase 4: Stopping retention sweeper...")
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	// Phase 5 - Wait for service goroutines
	a.Sugar.Info("Phase 5: Waiting for service goroutines to complete...")
	a.waitWithTimeout("service goroutines", a.serviceWg.Wait, apiStopTimeout+serviceWaitBuffer)

	// Phase 6 - Close connections
	a.Sugar.Info("Phase 6: Closing connections...")
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Sugar.Errorw("Failed to close storage", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) waitWithTimeout(what string, wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Infof("All %s stopped", what)
	case <-time.After(timeout):
		a.Sugar.Warnf("Timed out waiting for %s", what)
	}
}
