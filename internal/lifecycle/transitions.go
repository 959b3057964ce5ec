package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/prompts"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// handleTransition processes a status change: persist the new status, close
// out the old status's reaction episode, append the transition event, emit
// resolution events, run the new status's reaction and finally the terminal
// processing. The status write happens first so a crash mid-handling is
// re-observed as a no-op transition, not a lost one.
func (e *Engine) handleTransition(ctx context.Context, sess *session.Session, old, next session.Status) {
	md, err := e.stores.Metadata().Load(sess.Project, sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			// Killed or archived since the cycle listed it.
			e.logger.Debug("session vanished mid-transition",
				zap.String("session_id", sess.ID))
			return
		}
		e.logger.Error("failed to load session metadata",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}

	// Captured before the episode is cleared; the resolution events below
	// report how many fixes the exit took.
	fixAttempts := e.trackerAttempts(sess, reactionCIFailed)

	md.SetStatus(string(next))
	if oldKey := reactionKeyForStatus(old); oldKey != "" {
		md.ClearReactionTracker(oldKey)
		e.dropTracker(sess, oldKey)
	}
	if err := e.stores.Metadata().Save(sess.Project, sess.ID, md); err != nil {
		e.logger.Error("failed to persist status",
			zap.String("session_id", sess.ID),
			zap.String("status", string(next)),
			zap.Error(err))
		return
	}
	sess.Status = next

	e.logger.Info("session status changed",
		zap.String("session_id", sess.ID),
		zap.String("project", sess.Project),
		zap.String("from", string(old)),
		zap.String("to", string(next)))

	if old == session.StatusCIFailed {
		e.emitCIResolution(ctx, sess, next, fixAttempts)
	}

	if eventType := statusEvents[next]; eventType != "" {
		data := map[string]any{"from": string(old), "to": string(next)}
		if next == session.StatusCIFailed {
			if checks := e.failingCheckNames(ctx, sess); len(checks) > 0 {
				data["failingChecks"] = checks
			}
		}
		e.recordEvent(ctx, sess.Project, sess.ID, eventType,
			fmt.Sprintf("status changed: %s -> %s", old, next), data)
	}

	e.dispatchReaction(ctx, sess, next)

	if next.IsTerminal() {
		e.handleTerminal(ctx, sess, old, next)
	}
}

// emitCIResolution records how a ci_failed episode ended: ci.passing when the
// PR moved forward, ci.fix_failed when the session died instead.
func (e *Engine) emitCIResolution(ctx context.Context, sess *session.Session, next session.Status, attempts int) {
	switch next {
	case session.StatusPROpen, session.StatusReviewPending, session.StatusChangesRequested,
		session.StatusApproved, session.StatusMergeable, session.StatusMerged:
		e.recordEvent(ctx, sess.Project, sess.ID, events.CIPassing,
			fmt.Sprintf("CI recovered after %d fix attempt(s)", attempts),
			map[string]any{"resolved": true, "attempt": attempts})
	case session.StatusStuck, session.StatusErrored, session.StatusKilled:
		e.recordEvent(ctx, sess.Project, sess.ID, events.CIFixFailed,
			fmt.Sprintf("session ended with CI still failing after %d fix attempt(s)", attempts),
			map[string]any{"attempt": attempts})
	}
}

// handleTerminal runs the end-of-life bookkeeping for a session that reached
// merged, killed or done: record the outcome, let plan siblings know about a
// merge, unlock dependent tasks, close out the plan and tear the session down.
func (e *Engine) handleTerminal(ctx context.Context, sess *session.Session, old, next session.Status) {
	if e.outcomes != nil {
		if err := e.outcomes.RecordTerminal(ctx, sess, outcomeKind(old, next)); err != nil {
			e.logger.Error("failed to record outcome",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	if sess.PlanID != "" {
		if err := e.plans.RecordTaskTerminal(sess.Project, sess.PlanID, sess.ID, string(next), sess.PR); err != nil {
			e.logger.Warn("failed to record task result",
				zap.String("plan_id", sess.PlanID),
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	if next == session.StatusMerged {
		// Rebase notices go out before new tasks spawn; fresh sessions
		// branch from the updated default branch and need none.
		e.sendSiblingRebases(ctx, sess)
		if sess.PlanID != "" {
			if n, err := e.plans.SpawnReadyTasks(ctx, sess.Project, sess.PlanID); err != nil {
				e.logger.Error("failed to spawn unlocked tasks",
					zap.String("plan_id", sess.PlanID),
					zap.Error(err))
			} else if n > 0 {
				e.logger.Info("merge unlocked tasks",
					zap.String("plan_id", sess.PlanID),
					zap.Int("spawned", n))
			}
		}
	}

	if sess.PlanID != "" {
		e.checkPlanComplete(ctx, sess.Project, sess.PlanID)
	}

	if next != session.StatusMerged {
		if rc, ok := e.cfg.ReactionFor(sess.Project, reactionSessionFailed); ok &&
			rc.Action == actionSpawnRetrospective && rc.AutoEnabled() {
			e.runSpawnRetrospective(ctx, sess.Project)
		}
	}

	if err := e.sessions.Cleanup(ctx, sess.Project, sess.ID); err != nil {
		e.logger.Warn("failed to clean up session",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
}

// sendSiblingRebases tells the merged session's still-running plan siblings
// to rebase onto the updated default branch.
func (e *Engine) sendSiblingRebases(ctx context.Context, sess *session.Session) {
	if sess.PlanID == "" {
		return
	}
	p, err := e.plans.Get(sess.Project, sess.PlanID)
	if err != nil {
		e.logger.Warn("failed to load plan for rebase notices",
			zap.String("plan_id", sess.PlanID),
			zap.Error(err))
		return
	}

	ref := e.projectRef(sess.Project)
	msg := prompts.RebaseMessage(ref.DefaultBranch, sess.Branch, sess.PR)
	for _, task := range p.Tasks {
		if task.SessionID == "" || task.SessionID == sess.ID || task.Result != "" {
			continue
		}
		sibling, gerr := e.sessions.Get(sess.Project, task.SessionID)
		if gerr != nil || sibling.Status.IsTerminal() {
			continue
		}
		if serr := e.sessions.Send(ctx, sess.Project, task.SessionID, msg); serr != nil {
			e.logger.Warn("failed to send rebase notice",
				zap.String("session_id", task.SessionID),
				zap.Error(serr))
			continue
		}
		e.recordEvent(ctx, sess.Project, task.SessionID, events.SessionRebaseSent,
			fmt.Sprintf("rebase notice sent: %s merged", sess.Branch),
			map[string]any{"mergedBranch": sess.Branch, "mergedSession": sess.ID})
	}
}

// checkPlanComplete marks the plan done once every spawned task has a result
// and fires the plan-complete reaction exactly once.
func (e *Engine) checkPlanComplete(ctx context.Context, projectID, planID string) {
	complete, err := e.plans.IsComplete(projectID, planID)
	if err != nil {
		e.logger.Warn("failed to check plan completion",
			zap.String("plan_id", planID),
			zap.Error(err))
		return
	}
	if !complete {
		return
	}
	first, err := e.plans.MarkDone(ctx, projectID, planID)
	if err != nil {
		e.logger.Warn("failed to mark plan done",
			zap.String("plan_id", planID),
			zap.Error(err))
		return
	}
	if first {
		e.dispatchPlanComplete(ctx, projectID, planID)
	}
}

// outcomeKind maps the terminal transition to the outcome recorded for it.
// A kill that ends a stuck or errored session keeps that signal; done is an
// operator declaring success outside the merge flow.
func outcomeKind(old, next session.Status) string {
	switch next {
	case session.StatusMerged, session.StatusDone:
		return store.OutcomeMerged
	default:
		switch old {
		case session.StatusStuck:
			return store.OutcomeStuck
		case session.StatusErrored:
			return store.OutcomeErrored
		default:
			return store.OutcomeKilled
		}
	}
}
