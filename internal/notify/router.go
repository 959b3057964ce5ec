package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const dispatchTimeout = 15 * time.Second

// Router fans notifications out to the notifiers configured for their
// priority. Provider failures are logged and swallowed; a notification with
// no configured route still lands in the supervisor log.
type Router struct {
	routing  config.RoutingConfig
	defaults []string
	registry *plugin.Registry
	fallback *LogNotifier
	logger   *logger.Logger
}

// NewRouter creates the dispatch router backed by the plugin registry.
// Priorities with no routing entry use the default notifier list.
func NewRouter(routing config.RoutingConfig, defaults []string, registry *plugin.Registry, log *logger.Logger) *Router {
	return &Router{
		routing:  routing,
		defaults: defaults,
		registry: registry,
		fallback: NewLogNotifier("log", log),
		logger:   log.WithFields(zap.String("component", "notify-router")),
	}
}

// Dispatch delivers the notification to every notifier routed for its
// priority. It never returns an error; supervision must not stall because a
// human could not be reached.
func (r *Router) Dispatch(ctx context.Context, n plugin.Notification) {
	names := r.routing.RouteFor(string(n.Priority))
	if len(names) == 0 {
		names = r.defaults
	}
	if len(names) == 0 {
		_ = r.fallback.Notify(ctx, n)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	delivered := 0
	for _, name := range names {
		notifier, err := r.registry.Notifier(name)
		if err != nil {
			r.logger.Warn("notifier not registered",
				zap.String("notifier", name),
				zap.String("priority", string(n.Priority)))
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed",
				zap.String("notifier", name),
				zap.String("title", n.Title),
				zap.Error(err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		// Nothing reached a human; the log is the last resort.
		_ = r.fallback.Notify(ctx, n)
	}
}
