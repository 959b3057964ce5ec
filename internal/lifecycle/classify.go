package lifecycle

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// statusEvents maps each classified status to the event type appended on a
// transition into it. spawning has no mapping; the spawn event covers it.
var statusEvents = map[session.Status]string{
	session.StatusWorking:          events.SessionWorking,
	session.StatusPROpen:           events.PRCreated,
	session.StatusCIFailed:         events.CIFailing,
	session.StatusReviewPending:    events.ReviewPending,
	session.StatusChangesRequested: events.ReviewChangesRequested,
	session.StatusApproved:         events.ReviewApproved,
	session.StatusMergeable:        events.PRMergeable,
	session.StatusMerged:           events.PRMerged,
	session.StatusNeedsInput:       events.SessionNeedsInput,
	session.StatusStuck:            events.SessionStuck,
	session.StatusErrored:          events.SessionErrored,
	session.StatusKilled:           events.SessionKilled,
	session.StatusDone:             events.SessionDone,
}

// reactionKeys maps transition event types to the reaction key that governs
// them.
var reactionKeys = map[string]string{
	events.CIFailing:              reactionCIFailed,
	events.ReviewChangesRequested: reactionChangesRequested,
	events.SessionNeedsInput:      reactionNeedsInput,
	events.SessionStuck:           reactionStuck,
	events.SessionErrored:         reactionErrored,
	events.PRCreated:              reactionPRCreated,
	events.PRMergeable:            reactionPRMergeable,
}

func reactionKeyForStatus(st session.Status) string {
	return reactionKeys[statusEvents[st]]
}

// classify evaluates the probes in strict priority order and returns the
// first definitive status. Probe failures preserve the current status so a
// flaky SCM or runtime never flips a session; the next cycle retries.
func (e *Engine) classify(ctx context.Context, sess *session.Session, old session.Status) session.Status {
	// Runtime liveness.
	if sess.Handle.IsZero() {
		return session.StatusKilled
	}
	runtime, rerr := e.registry.Runtime(sess.Handle.RuntimeName)
	if rerr == nil {
		pctx, cancel := e.probeCtx(ctx)
		alive := runtime.IsAlive(pctx, sess.Handle)
		cancel()
		if !alive {
			return session.StatusKilled
		}

		if st, decided := e.probeActivity(ctx, runtime, sess, old); decided {
			return st
		}
	}

	// PR auto-detection: persist the URL in the same cycle and fall
	// through so PR state can advance the status immediately.
	scm, serr := e.scm(sess.Project)
	if serr == nil && sess.PR == "" && sess.Branch != "" {
		pctx, cancel := e.probeCtx(ctx)
		pr, derr := scm.DetectPR(pctx, e.projectRef(sess.Project), sess.Branch)
		cancel()
		if derr != nil {
			e.logger.Debug("pr detection failed",
				zap.String("session_id", sess.ID),
				zap.Error(derr))
		} else if pr != nil && pr.URL != "" {
			if perr := e.persistPR(sess, pr.URL); perr != nil {
				e.logger.Warn("failed to persist detected pr",
					zap.String("session_id", sess.ID),
					zap.Error(perr))
			}
		}
	}

	// PR state.
	if serr == nil && sess.PR != "" {
		if st, decided := e.classifyPR(ctx, scm, sess, old); decided {
			return st
		}
	}

	// Fallback: a session that was waiting or starting and now shows
	// none of the above is simply working again.
	switch old {
	case session.StatusSpawning, session.StatusStuck, session.StatusNeedsInput:
		return session.StatusWorking
	default:
		return old
	}
}

// probeActivity runs the agent-level probe. It returns a definitive status
// and true, or false when classification should continue. A probe failure
// preserves an existing stuck or needs_input status instead of letting the
// fallback coerce it to working.
func (e *Engine) probeActivity(ctx context.Context, runtime plugin.Runtime, sess *session.Session, old session.Status) (session.Status, bool) {
	pctx, cancel := e.probeCtx(ctx)
	output, oerr := runtime.Output(pctx, sess.Handle, activityProbeLines)
	cancel()
	if oerr != nil {
		if old == session.StatusStuck || old == session.StatusNeedsInput {
			return old, true
		}
		return "", false
	}
	if strings.TrimSpace(output) == "" {
		return "", false
	}

	agentPlugin, aerr := e.registry.Agent(e.agentName(sess))
	if aerr != nil {
		return "", false
	}

	activity := agentPlugin.DetectActivity(output)
	sess.Activity = activity

	if reporter, ok := agentPlugin.(plugin.CostReporter); ok {
		if cost, found := reporter.ExtractCost(output); found && cost != sess.Cost {
			if cerr := e.persistCost(sess, cost); cerr != nil {
				e.logger.Warn("failed to persist session cost",
					zap.String("session_id", sess.ID),
					zap.Error(cerr))
			}
		}
	}

	if activity == plugin.ActivityWaitingInput {
		return session.StatusNeedsInput, true
	}

	// Checked regardless of the detected activity: some agents keep
	// rendering output after the process exits.
	pctx, cancel = e.probeCtx(ctx)
	running, perr := agentPlugin.IsProcessRunning(pctx, sess.Handle)
	cancel()
	if perr != nil {
		if old == session.StatusStuck || old == session.StatusNeedsInput {
			return old, true
		}
		return "", false
	}
	if !running {
		return session.StatusKilled, true
	}
	return "", false
}

// classifyPR derives the status from the pull request. Any probe failure
// preserves the old status; the next cycle retries.
func (e *Engine) classifyPR(ctx context.Context, scm plugin.SCM, sess *session.Session, old session.Status) (session.Status, bool) {
	ref := e.projectRef(sess.Project)

	pctx, cancel := e.probeCtx(ctx)
	state, err := scm.PRState(pctx, ref, sess.PR)
	cancel()
	if err != nil {
		e.logger.Debug("pr state probe failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return old, true
	}
	switch state {
	case plugin.PRStateMerged:
		return session.StatusMerged, true
	case plugin.PRStateClosed:
		return session.StatusKilled, true
	}

	pctx, cancel = e.probeCtx(ctx)
	ci, err := scm.CISummary(pctx, ref, sess.PR)
	cancel()
	if err != nil {
		return old, true
	}
	if ci == plugin.CIFailing {
		return session.StatusCIFailed, true
	}

	pctx, cancel = e.probeCtx(ctx)
	decision, err := scm.ReviewDecision(pctx, ref, sess.PR)
	cancel()
	if err != nil {
		return old, true
	}
	if decision == plugin.ReviewNone {
		// Review agents post their verdict as a comment because an
		// account cannot formally review its own pull request. No
		// explicit verdict means no approval is inferred.
		pctx, cancel = e.probeCtx(ctx)
		comments, cerr := scm.PendingComments(pctx, ref, sess.PR)
		cancel()
		if cerr == nil {
			if v := verdictFromComments(comments); v != plugin.ReviewNone {
				decision = v
			}
		}
	}

	switch decision {
	case plugin.ReviewChangesRequested:
		return session.StatusChangesRequested, true
	case plugin.ReviewApproved:
		pctx, cancel = e.probeCtx(ctx)
		m, merr := scm.Mergeability(pctx, ref, sess.PR)
		cancel()
		if merr == nil && m.Mergeable {
			return session.StatusMergeable, true
		}
		return session.StatusApproved, true
	case plugin.ReviewPending:
		return session.StatusReviewPending, true
	default:
		return session.StatusPROpen, true
	}
}

// verdictFromComments scans review comments for an explicit APPROVE or
// REQUEST_CHANGES token. The last verdict wins so a re-review supersedes
// earlier feedback.
func verdictFromComments(comments []plugin.Comment) plugin.ReviewDecision {
	verdict := plugin.ReviewNone
	for _, c := range comments {
		body := strings.ToUpper(c.Body)
		switch {
		case strings.Contains(body, "REQUEST_CHANGES"):
			verdict = plugin.ReviewChangesRequested
		case strings.Contains(body, "APPROVE"):
			verdict = plugin.ReviewApproved
		}
	}
	return verdict
}

func (e *Engine) persistCost(sess *session.Session, cost float64) error {
	md, err := e.stores.Metadata().Load(sess.Project, sess.ID)
	if err != nil {
		return err
	}
	if err := md.Set(store.KeyCost, strconv.FormatFloat(cost, 'f', -1, 64)); err != nil {
		return err
	}
	if err := e.stores.Metadata().Save(sess.Project, sess.ID, md); err != nil {
		return err
	}
	sess.Cost = cost
	return nil
}

func (e *Engine) persistPR(sess *session.Session, url string) error {
	md, err := e.stores.Metadata().Load(sess.Project, sess.ID)
	if err != nil {
		return err
	}
	if err := md.Set(store.KeyPR, url); err != nil {
		return err
	}
	if err := e.stores.Metadata().Save(sess.Project, sess.ID, md); err != nil {
		return err
	}
	sess.PR = url
	e.logger.Info("detected pull request",
		zap.String("session_id", sess.ID),
		zap.String("pr", url))
	return nil
}
