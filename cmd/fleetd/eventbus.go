package main

import (
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
)

// newEventBus connects to NATS when a URL is configured and falls back to
// the in-process bus otherwise. Supervision itself never depends on the
// bus; it only feeds the websocket stream and external subscribers.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, err
		}
		log.Info("connected to NATS event bus")
		return natsBus, nil
	}

	log.Info("using in-memory event bus")
	return bus.NewMemoryEventBus(log), nil
}
