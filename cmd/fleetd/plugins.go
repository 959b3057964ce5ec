package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/agents"
	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/notify"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/runtime/dockerrt"
	"github.com/gg-salo/fleet-commander/internal/runtime/local"
	"github.com/gg-salo/fleet-commander/internal/scm/github"
	"github.com/gg-salo/fleet-commander/internal/workspace"
)

// registerPlugins statically wires every shipped plugin implementation into
// the registry. Optional backends degrade gracefully: a missing Docker
// daemon or gh binary disables the plugin with a warning, and referencing
// it later is a lookup error.
func registerPlugins(ctx context.Context, cfg *config.Config, registry *plugin.Registry, log *logger.Logger) (func(), error) {
	cleanup := func() {}

	// Agents from the embedded definition table.
	cliAgents, err := agents.All()
	if err != nil {
		return cleanup, fmt.Errorf("failed to load agent definitions: %w", err)
	}
	for _, a := range cliAgents {
		if err := registry.Register(plugin.SlotAgent, a.Name(), a); err != nil {
			return cleanup, err
		}
	}

	// Runtimes.
	pty := local.NewRuntime(log)
	if err := registry.Register(plugin.SlotRuntime, pty.Name(), pty); err != nil {
		return cleanup, err
	}
	if cfg.Docker.Enabled {
		docker, derr := dockerrt.NewRuntime(cfg.Docker, log)
		if derr != nil {
			log.Warn("docker runtime disabled", zap.Error(derr))
		} else if perr := docker.Ping(ctx); perr != nil {
			log.Warn("docker runtime disabled", zap.Error(perr))
			docker.Close()
		} else {
			if err := registry.Register(plugin.SlotRuntime, docker.Name(), docker); err != nil {
				docker.Close()
				return cleanup, err
			}
			cleanup = func() { docker.Close() }
			log.Info("docker runtime registered", zap.String("image", cfg.Docker.Image))
		}
	}

	// Workspaces.
	worktrees, err := workspace.NewWorkspace(cfg.Worktree, log)
	if err != nil {
		return cleanup, fmt.Errorf("failed to initialize worktree workspace: %w", err)
	}
	if err := registry.Register(plugin.SlotWorkspace, worktrees.Name(), worktrees); err != nil {
		return cleanup, err
	}

	// SCM and tracker ride the same gh-backed client.
	if github.Available() {
		gh := github.NewClient(log)
		if err := registry.Register(plugin.SlotSCM, gh.Name(), gh); err != nil {
			return cleanup, err
		}
		if err := registry.Register(plugin.SlotTracker, gh.Name(), gh); err != nil {
			return cleanup, err
		}
	} else {
		log.Warn("gh CLI not found, SCM and tracker plugins disabled")
	}

	// Notifiers from configuration.
	for name, ncfg := range cfg.Notifiers {
		notifier, nerr := notify.New(name, ncfg, log)
		if nerr != nil {
			log.Warn("skipping notifier", zap.String("notifier", name), zap.Error(nerr))
			continue
		}
		if err := registry.Register(plugin.SlotNotifier, name, notifier); err != nil {
			return cleanup, err
		}
	}
	// The default route expects a plain log notifier even with nothing
	// configured.
	if _, err := registry.Notifier("log"); err != nil {
		if rerr := registry.Register(plugin.SlotNotifier, "log", notify.NewLogNotifier("log", log)); rerr != nil {
			return cleanup, rerr
		}
	}

	for _, slot := range []plugin.Slot{
		plugin.SlotRuntime, plugin.SlotAgent, plugin.SlotWorkspace,
		plugin.SlotTracker, plugin.SlotSCM, plugin.SlotNotifier,
	} {
		log.Info("plugins registered",
			zap.String("slot", string(slot)),
			zap.Strings("names", registry.Names(slot)))
	}

	return cleanup, nil
}
