// Command engine is the orchestrator process: it wires the persistence
// store, resource pool, event bus, data pipeline/training/deployment
// engines, and the orchestration FSM into an HTTP control plane, an
// optional Temporal worker, and an optional tracing exporter — the same
// single-binary assembly shape as the teacher's cmd/main.go wiring
// internal/app.App, generalized from one App struct into the set of
// constructors each internal/* package already exposes.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/flowforge/orchestrator/internal/apiserver"
	"github.com/flowforge/orchestrator/internal/apiserver/handlers"
	"github.com/flowforge/orchestrator/internal/definitions"
	"github.com/flowforge/orchestrator/internal/deployment"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/metrics"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/orchestrator"
	"github.com/flowforge/orchestrator/internal/pipeline"
	"github.com/flowforge/orchestrator/internal/platform/config"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/platform/tracing"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/temporalx"
	"github.com/flowforge/orchestrator/internal/temporalx/temporalworker"
	"github.com/flowforge/orchestrator/internal/training"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("engine failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("loading configuration...")
	cfg := config.Load(log)

	st, err := store.Open(cfg.StorePath, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	pool := resourcepool.New(domain.ResourceRequirements{
		CPU:     cfg.ResourcePoolCPU,
		Memory:  cfg.ResourcePoolMemory,
		GPU:     cfg.ResourcePoolGPU,
		Storage: cfg.ResourcePoolStorage,
	})

	bus := eventbus.New(
		time.Duration(cfg.EventBusFlushInterval)*time.Millisecond,
		cfg.EventBusMaxHistory,
		log,
	)
	defer bus.Close()

	source := operators.NewMemory()
	pipelines := pipeline.New(source, bus, log)

	trainer := training.New(bus, log)
	for i := 0; i < cfg.TrainingAgentCount; i++ {
		agentID := "agent-" + strconv.Itoa(i)
		agentResources := domain.ResourceRequirements{
			CPU:    cfg.ResourcePoolCPU / float64(maxInt(cfg.TrainingAgentCount, 1)),
			Memory: cfg.ResourcePoolMemory / float64(maxInt(cfg.TrainingAgentCount, 1)),
			GPU:    cfg.ResourcePoolGPU / float64(maxInt(cfg.TrainingAgentCount, 1)),
		}
		trainer.RegisterAgent(agentID, operators.NewSimulatedAgent(agentID, agentResources, int64(i+1)), agentResources)
	}

	modelServer := operators.NewInMemoryServer(rand.Float64)
	deployer := deployment.New(modelServer, bus, log)

	engine := orchestrator.New(st, pool, bus, pipelines, trainer, deployer, orchestrator.Config{
		CheckpointInterval:  time.Duration(cfg.TickInterval) * time.Second,
		ResourceTimeout:     5 * time.Minute,
		DefaultHumanTimeout: time.Duration(cfg.HumanTaskDefaultTimeout) * time.Second,
		AutoRecoveryEnabled: true,
		MinBackoff:          time.Second,
		MaxBackoff:          30 * time.Second,
		JitterFrac:          0.20,
	}, log)
	engine.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if defDir := os.Getenv("WORKFLOW_DEFINITIONS_DIR"); defDir != "" {
		defs, err := definitions.LoadDir(defDir, log)
		if err != nil {
			return fmt.Errorf("load workflow definitions: %w", err)
		}
		dbc := dbctx.Context{Ctx: ctx}
		for _, def := range defs {
			if err := st.SaveWorkflowDefinition(dbc, def); err != nil {
				log.Warn("failed to register workflow definition", "name", def.Name, "version", def.Version, "error", err)
			}
		}
	}

	tracer, err := tracing.NewProvider(ctx, tracing.LoadConfig(log), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	m := metrics.New(log)
	m.StartCollector(ctx, log, time.Duration(cfg.TickInterval)*time.Second, st, pool, bus)

	go runBackupSweeper(ctx, log, st, cfg)
	go runHeartbeatSweeper(ctx, log, trainer, cfg)
	go runCacheSweeper(ctx, log, pipelines, cfg)

	if tc, tcErr := temporalx.NewClient(log); tcErr != nil {
		return fmt.Errorf("init temporal client: %w", tcErr)
	} else if tc != nil {
		runner, rErr := temporalworker.NewRunner(log, tc, st, engine)
		if rErr != nil {
			return fmt.Errorf("init temporal worker: %w", rErr)
		}
		if err := runner.Start(ctx); err != nil {
			log.Warn("temporal worker failed to start; continuing without it", "error", err)
		}
	}

	srv := apiserver.NewServer(apiserver.RouterConfig{
		WorkflowHandler:  handlers.NewWorkflowHandler(engine, st),
		HumanTaskHandler: handlers.NewHumanTaskHandler(engine, st),
		MetricsHandler:   handlers.NewOrchestrationMetricsHandler(st, pool, bus),
		HealthHandler:    handlers.NewHealthHandler(),
		Metrics:          m,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutdown signal received; draining in-flight executions")

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := engine.Shutdown(drainCtx); err != nil {
			log.Warn("engine drain did not finish before deadline", "error", err)
		}

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			log.Warn("http server shutdown error", "error", err)
		}

		cancel()
	}()

	log.Info("engine listening", "addr", cfg.HTTPAddr)
	return srv.Run(cfg.HTTPAddr)
}

// runBackupSweeper periodically copies the live store to a backup file
// and prunes old backups, mirroring the teacher's
// scheduled-maintenance goroutines (e.g. its Redis/Postgres collectors)
// in shape: a ticker loop that stops cleanly on context cancellation.
func runBackupSweeper(ctx context.Context, log *logger.Logger, st *store.Store, cfg *config.Config) {
	if cfg.StoreBackupInterval <= 0 {
		return
	}
	backupDir := filepath.Join(filepath.Dir(cfg.StorePath), "backups")
	ticker := time.NewTicker(time.Duration(cfg.StoreBackupInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := st.CreateBackup(backupDir); err != nil {
				log.Warn("store backup failed", "error", err)
				continue
			}
			if err := store.PruneBackups(backupDir, cfg.StoreMaxBackups); err != nil {
				log.Warn("store backup prune failed", "error", err)
			}
		}
	}
}

// runHeartbeatSweeper periodically scans the training agent pool for
// stale heartbeats, flagging any job with a failed agent for recovery at
// its next epoch boundary. The sweep interval doubles as the assumed
// heartbeat cadence for the staleness cutoff (job-declared
// HeartbeatInterval values vary per job; the coordinator-wide sweep uses
// one engine-level assumption rather than tracking a minimum across
// jobs).
func runHeartbeatSweeper(ctx context.Context, log *logger.Logger, trainer *training.Coordinator, cfg *config.Config) {
	if cfg.TrainingHeartbeatSweepInterval <= 0 {
		return
	}
	interval := time.Duration(cfg.TrainingHeartbeatSweepInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failed := trainer.SweepHeartbeats(interval); len(failed) > 0 {
				log.Warn("stale training agent heartbeats detected", "affected_jobs", failed)
			}
		}
	}
}

// runCacheSweeper periodically evicts pipeline cache entries older than
// cfg.CacheRetentionDays.
func runCacheSweeper(ctx context.Context, log *logger.Logger, pipelines *pipeline.Engine, cfg *config.Config) {
	if cfg.CacheSweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(cfg.CacheSweepInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pipelines.SweepCache(cfg.CacheRetentionDays); n > 0 {
				log.Info("evicted stale pipeline cache entries", "count", n)
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
