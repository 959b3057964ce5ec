// Package main is the entry point for fleetd, the Fleet Commander daemon.
// One process supervises every configured project: it spawns coding agent
// sessions, polls them through the PR/CI/review lifecycle and reacts to
// what it finds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/lifecycle"
	"github.com/gg-salo/fleet-commander/internal/notify"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/reconcile"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
	"github.com/gg-salo/fleet-commander/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting fleetd",
		zap.String("config", cfg.ConfigPath),
		zap.Int("projects", len(cfg.Projects)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Stores
	paths := store.NewPaths(cfg.DataDir, cfg.ConfigPath)
	stores := store.NewProvider(paths, cfg.Lifecycle.MaxEvents, log)
	for key := range cfg.Projects {
		if err := stores.EnsureProject(key); err != nil {
			log.Fatal("failed to prepare project data dir",
				zap.String("project", key),
				zap.Error(err))
		}
	}

	// 5. Plugins
	registry := plugin.NewRegistry(log)
	cleanup, err := registerPlugins(ctx, cfg, registry, log)
	if err != nil {
		log.Fatal("failed to register plugins", zap.Error(err))
	}
	defer cleanup()

	// 6. Services
	sessions := session.NewManager(cfg, stores, registry, eventBus, log)
	outcomes := outcome.NewService(stores, eventBus, log)
	sessions.SetOutcomeRecorder(outcomes)

	plans := plan.NewService(cfg, stores, sessions, registry, eventBus, log)
	plans.SetLessonSource(outcomes)
	reconciler := reconcile.NewService(cfg, stores, sessions, plans, eventBus, log)

	// 7. Lifecycle engine with notification routing
	sink := notify.NewRouter(cfg.Routing, cfg.Defaults.Notifiers, registry, log)
	engine := lifecycle.NewEngine(cfg, stores, sessions, plans, outcomes,
		reconciler, registry, eventBus, sink, log)
	engine.Start(ctx)

	// 8. HTTP API + websocket event stream
	srv, err := startServer(ctx, cfg, stores, sessions, plans, engine, outcomes, reconciler, eventBus, log)
	if err != nil {
		log.Fatal("failed to start api server", zap.Error(err))
	}

	log.Info("fleetd running",
		zap.Int("poll_interval_s", cfg.Lifecycle.PollInterval),
		zap.Bool("api", srv != nil))

	// 9. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down fleetd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("api server shutdown error", zap.Error(err))
		}
	}
	engine.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("fleetd stopped")
}
