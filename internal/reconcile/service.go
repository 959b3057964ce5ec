// Package reconcile spawns the integration pass that runs after a plan's
// tasks have all merged: one session on a fresh branch that builds the
// combined changes and exercises the seams between them.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/prompts"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// Service spawns reconciliation sessions for completed plans.
type Service struct {
	cfg      *config.Config
	stores   *store.Provider
	sessions *session.Manager
	plans    *plan.Service
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates a reconciliation service.
func NewService(cfg *config.Config, stores *store.Provider, sessions *session.Manager, plans *plan.Service, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		stores:   stores,
		sessions: sessions,
		plans:    plans,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "reconcile-service")),
	}
}

// SpawnForPlan starts an integration session on reconcile/<plan-id>. The
// branch is cut from the default branch, which already contains every merged
// task, so the session's job is verification and seam fixes.
func (s *Service) SpawnForPlan(ctx context.Context, projectID, planID string) (*session.Session, error) {
	pc, ok := s.cfg.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, session.ErrUnknownProject)
	}

	p, err := s.plans.Get(projectID, planID)
	if err != nil {
		return nil, err
	}
	merged := p.MergedTaskBranches()
	if len(merged) == 0 {
		return nil, fmt.Errorf("plan %s has no merged tasks to reconcile", planID)
	}

	ref := session.ProjectRef(projectID, pc)
	branch := "reconcile/" + planID
	prompt := prompts.Reconciliation(prompts.ReconciliationParams{
		Project:        ref,
		PlanID:         planID,
		Branch:         branch,
		MergedBranches: merged,
	})

	sess, err := s.sessions.Spawn(ctx, session.SpawnRequest{
		Project: projectID,
		Prompt:  prompt,
		Branch:  branch,
		PlanID:  planID,
		Summary: "reconcile plan " + planID,
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, projectID, sess.ID, events.ReconcileSpawned,
		fmt.Sprintf("reconciliation session %s spawned for plan %s", sess.ID, planID),
		map[string]any{"planId": planID, "mergedBranches": merged})

	s.logger.Info("reconciliation session spawned",
		zap.String("session_id", sess.ID),
		zap.String("plan_id", planID))
	return sess, nil
}

func (s *Service) recordEvent(ctx context.Context, projectID, sessionID, eventType, message string, data map[string]any) {
	ev := store.NewEvent(eventType, sessionID, projectID, message, data)
	if err := s.stores.Events(projectID).Append(ev); err != nil {
		s.logger.Error("failed to append event",
			zap.String("type", eventType),
			zap.Error(err))
	}
	if s.bus == nil {
		return
	}
	busEvent := bus.NewEvent(eventType, "reconcile-service", map[string]any{"event": ev})
	if err := s.bus.Publish(ctx, events.BuildEventSubject(eventType, sessionID), busEvent); err != nil {
		s.logger.Debug("failed to publish event", zap.Error(err))
	}
}
