package main

import (
	"context"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/lifecycle"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/reconcile"
	"github.com/gg-salo/fleet-commander/internal/server"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// startServer brings up the HTTP API when enabled. Returns nil without
// error when the server is disabled in configuration.
func startServer(
	ctx context.Context,
	cfg *config.Config,
	stores *store.Provider,
	sessions *session.Manager,
	plans *plan.Service,
	engine *lifecycle.Engine,
	outcomes *outcome.Service,
	reconciler *reconcile.Service,
	eventBus bus.EventBus,
	log *logger.Logger,
) (*server.Server, error) {
	if !cfg.Server.Enabled {
		log.Info("api server disabled")
		return nil, nil
	}

	srv := server.NewServer(cfg.Server, stores, sessions, plans, engine,
		outcomes, reconciler, eventBus, log)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}
