package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/classify"
	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/prompts"
	"github.com/gg-salo/fleet-commander/internal/session"
)

// Reaction keys. Transitions map to these; configuration overrides are
// looked up under the same names.
const (
	reactionCIFailed         = "ci-failed"
	reactionChangesRequested = "changes-requested"
	reactionNeedsInput       = "needs-input"
	reactionStuck            = "stuck"
	reactionErrored          = "errored"
	reactionPRCreated        = "pr-created"
	reactionPRMergeable      = "pr-mergeable"
	reactionPlanComplete     = "plan-complete"
	reactionSessionFailed    = "session-failed"
)

// Reaction actions.
const (
	actionSendToAgent         = "send-to-agent"
	actionNotify              = "notify"
	actionAutoMerge           = "auto-merge"
	actionSpawnReview         = "spawn-review"
	actionReviewGate          = "review-gate"
	actionSpawnReconciliation = "spawn-reconciliation"
	actionSpawnRetrospective  = "spawn-retrospective"
)

// dedupKeywords are conservative signs, per reaction key, that the agent is
// already addressing the event. Matched case-insensitively against the tail
// of the terminal output.
var dedupKeywords = map[string][]string{
	reactionCIFailed: {
		"ci fail", "fixing ci", "fix ci", "failing check",
		"lint error", "test fail", "build fail",
	},
	reactionChangesRequested: {
		"address comment", "review comment", "review feedback",
		"requested changes", "addressing review",
	},
}

// dispatchReaction runs the reaction configured for a status the session just
// entered. Statuses without a configured reaction still reach humans when the
// transition is loud enough.
func (e *Engine) dispatchReaction(ctx context.Context, sess *session.Session, st session.Status) {
	eventType := statusEvents[st]
	if eventType == "" {
		return
	}

	if key := reactionKeys[eventType]; key != "" {
		rc, ok := e.cfg.ReactionFor(sess.Project, key)
		if ok && (rc.AutoEnabled() || rc.Action == actionNotify) {
			e.runReaction(ctx, sess, key, rc)
			return
		}
	}

	if p := events.InferPriority(eventType); p != events.PriorityInfo {
		e.notifyHumans(ctx, sess, eventType,
			fmt.Sprintf("session %s is %s", sess.ID, st), p)
	}
}

// repeatReaction re-runs the reaction for a session that stayed in the same
// keyed status across cycles. Only the send-class actions repeat; notifies
// and spawns fire once per episode, on the transition.
func (e *Engine) repeatReaction(ctx context.Context, sess *session.Session, st session.Status) {
	key := reactionKeyForStatus(st)
	if key == "" {
		return
	}
	rc, ok := e.cfg.ReactionFor(sess.Project, key)
	if !ok || !rc.AutoEnabled() {
		return
	}
	switch rc.Action {
	case actionSendToAgent, actionReviewGate:
		e.runReaction(ctx, sess, key, rc)
	}
}

// runReaction is the reaction dispatcher. The attempt counter increments
// before anything else so dedup-skipped sends still feed escalation; the
// dedup check short-circuits before the escalation check so a busy agent is
// not escalated over while it visibly works.
func (e *Engine) runReaction(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig) {
	tr := e.tracker(sess, key)
	if tr.escalated {
		return
	}

	tr.attempts++
	if tr.firstTriggered.IsZero() {
		tr.firstTriggered = time.Now().UTC()
	}
	e.persistTracker(sess, key, tr)

	if rc.Action == actionSendToAgent || rc.Action == actionReviewGate {
		if e.agentBusyWith(ctx, sess, key) {
			e.recordEvent(ctx, sess.Project, sess.ID, events.ReactionTriggered,
				fmt.Sprintf("reaction %s skipped: agent already addressing it", key),
				map[string]any{"reactionKey": key, "skipped": true, "attempt": tr.attempts})
			return
		}
	}

	if e.shouldEscalate(tr, rc) {
		e.escalate(ctx, sess, key, tr)
		return
	}

	switch rc.Action {
	case actionSendToAgent:
		e.runSendToAgent(ctx, sess, key, tr, rc)
	case actionNotify:
		e.runNotify(ctx, sess, key, tr, rc)
	case actionAutoMerge:
		e.runAutoMerge(ctx, sess, key, rc)
	case actionSpawnReview:
		e.runSpawnReview(ctx, sess)
	case actionReviewGate:
		e.runReviewGate(ctx, sess, key, tr, rc)
	case actionSpawnReconciliation:
		if sess.PlanID != "" {
			e.dispatchPlanComplete(ctx, sess.Project, sess.PlanID)
		}
	case actionSpawnRetrospective:
		e.runSpawnRetrospective(ctx, sess.Project)
	default:
		e.logger.Warn("unknown reaction action",
			zap.String("reaction_key", key),
			zap.String("action", rc.Action))
	}
}

// shouldEscalate applies the retry and time budgets. Retries of zero means
// attempt-based escalation is off; only escalateAfter can fire then.
func (e *Engine) shouldEscalate(tr *reactionTracker, rc config.ReactionConfig) bool {
	if rc.Retries > 0 && tr.attempts > rc.Retries {
		return true
	}
	if d, err := rc.EscalateAfterDuration(); err == nil && d > 0 && !tr.firstTriggered.IsZero() {
		if time.Since(tr.firstTriggered) > d {
			return true
		}
	}
	return false
}

// escalate hands the reaction over to humans. The episode is silenced until
// the session leaves the triggering status.
func (e *Engine) escalate(ctx context.Context, sess *session.Session, key string, tr *reactionTracker) {
	tr.escalated = true
	msg := fmt.Sprintf("reaction %s escalated after %d attempts", key, tr.attempts)
	e.recordEvent(ctx, sess.Project, sess.ID, events.ReactionEscalated, msg,
		map[string]any{"reactionKey": key, "attempts": tr.attempts})
	e.notifyHumans(ctx, sess, events.ReactionEscalated, msg, events.PriorityUrgent)
	e.logger.Warn("reaction escalated",
		zap.String("session_id", sess.ID),
		zap.String("reaction_key", key),
		zap.Int("attempts", tr.attempts))
}

// agentBusyWith scans the tail of the terminal for keywords indicating the
// agent is already working the event. Probe failures read as not busy; the
// send itself is the safer fallback.
func (e *Engine) agentBusyWith(ctx context.Context, sess *session.Session, key string) bool {
	keywords := dedupKeywords[key]
	if len(keywords) == 0 || sess.Handle.IsZero() {
		return false
	}
	runtime, err := e.registry.Runtime(sess.Handle.RuntimeName)
	if err != nil {
		return false
	}

	lines := e.cfg.Lifecycle.DedupScanLines
	if lines <= 0 {
		lines = 30
	}
	pctx, cancel := e.probeCtx(ctx)
	output, err := runtime.Output(pctx, sess.Handle, lines)
	cancel()
	if err != nil {
		return false
	}

	tail := strings.ToLower(output)
	for _, kw := range keywords {
		if strings.Contains(tail, kw) {
			return true
		}
	}
	return false
}

// runSendToAgent delivers the reaction message to the session's agent. The
// ci-failed key gets the enriched fix message and its dedicated event; other
// keys send the configured message as-is.
func (e *Engine) runSendToAgent(ctx context.Context, sess *session.Session, key string, tr *reactionTracker, rc config.ReactionConfig) {
	if key != reactionCIFailed {
		msg := strings.TrimSpace(rc.Message)
		if msg == "" {
			e.logger.Warn("send-to-agent reaction has no message",
				zap.String("reaction_key", key))
			return
		}
		if err := e.sessions.Send(ctx, sess.Project, sess.ID, msg); err != nil {
			e.logger.Error("failed to send reaction message",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			return
		}
		e.recordEvent(ctx, sess.Project, sess.ID, events.ReactionTriggered,
			fmt.Sprintf("reaction %s message sent", key),
			map[string]any{"reactionKey": key, "attempt": tr.attempts})
		return
	}

	msg, checks := e.composeCIFix(ctx, sess, rc, tr.attempts)
	if err := e.sessions.Send(ctx, sess.Project, sess.ID, msg); err != nil {
		e.logger.Error("failed to send fix message",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}

	data := map[string]any{"attempt": tr.attempts}
	if len(checks) > 0 {
		data["failingChecks"] = checks
	}
	e.recordEvent(ctx, sess.Project, sess.ID, events.CIFixSent,
		fmt.Sprintf("fix message sent (attempt %d)", tr.attempts), data)
}

// composeCIFix builds the enriched fix message: classified failing checks,
// PR size, sibling-merge notes and a diff against the previous attempt. It
// returns the message and the current failing check names, which seed the
// next attempt's analysis via the ci.fix_sent event.
func (e *Engine) composeCIFix(ctx context.Context, sess *session.Session, rc config.ReactionConfig, attempt int) (string, []string) {
	params := prompts.CIFixParams{
		BaseMessage: rc.Message,
		PRURL:       sess.PR,
		Attempt:     attempt,
	}

	var current []string
	if scm, err := e.scm(sess.Project); err == nil && sess.PR != "" {
		ref := e.projectRef(sess.Project)

		pctx, cancel := e.probeCtx(ctx)
		checks, cerr := scm.CIChecks(pctx, ref, sess.PR)
		cancel()
		if cerr != nil {
			e.logger.Debug("failed to fetch ci checks",
				zap.String("session_id", sess.ID),
				zap.Error(cerr))
		} else {
			var failing []plugin.CheckRun
			for _, c := range checks {
				if c.Status == plugin.CheckStatusFail {
					failing = append(failing, c)
					current = append(current, c.Name)
				}
			}
			params.ClassifiedErrors = classify.FormatClassifiedErrors(failing)
		}

		pctx, cancel = e.probeCtx(ctx)
		size, serr := scm.PRSummary(pctx, ref, sess.PR)
		cancel()
		if serr == nil {
			params.Size = &size
		}
	}

	params.SiblingNotes = e.siblingMergeNotes(sess)
	if prev := e.previousFixChecks(sess); len(prev) > 0 {
		params.AttemptAnalysis = prompts.AttemptAnalysis(prev, current)
	}
	return prompts.CIFixMessage(params), current
}

// previousFixChecks returns the failing check names carried by the session's
// most recent ci.fix_sent event.
func (e *Engine) previousFixChecks(sess *session.Session) []string {
	last, err := e.stores.Events(sess.Project).LatestForSession(sess.ID, events.CIFixSent)
	if err != nil || last == nil {
		return nil
	}
	return stringsFromData(last.Data["failingChecks"])
}

// siblingMergeNotes lists plan siblings that already merged; their changes
// may be the source of fresh conflicts or failures.
func (e *Engine) siblingMergeNotes(sess *session.Session) []string {
	if sess.PlanID == "" {
		return nil
	}
	p, err := e.plans.Get(sess.Project, sess.PlanID)
	if err != nil {
		return nil
	}
	ref := e.projectRef(sess.Project)

	var notes []string
	for _, t := range p.Tasks {
		if t.SessionID == "" || t.SessionID == sess.ID {
			continue
		}
		if t.Result != string(session.StatusMerged) {
			continue
		}
		note := fmt.Sprintf("sibling task %q merged into %s", t.Title, ref.DefaultBranch)
		if t.PRURL != "" {
			note += " (" + t.PRURL + ")"
		}
		notes = append(notes, note+"; its changes may interact with yours")
	}
	return notes
}

// runNotify records the reaction and fans it out to humans at the configured
// priority.
func (e *Engine) runNotify(ctx context.Context, sess *session.Session, key string, tr *reactionTracker, rc config.ReactionConfig) {
	msg := strings.TrimSpace(rc.Message)
	if msg == "" {
		msg = fmt.Sprintf("session %s needs attention: %s", sess.ID, key)
	}
	e.recordEvent(ctx, sess.Project, sess.ID, events.ReactionTriggered, msg,
		map[string]any{"reactionKey": key, "action": actionNotify, "attempt": tr.attempts})
	e.notifyHumans(ctx, sess, events.ReactionTriggered, msg, priorityOf(rc, events.PriorityInfo))
}

// runAutoMerge reduces to a notify at action priority; the merge itself
// stays with humans.
func (e *Engine) runAutoMerge(ctx context.Context, sess *session.Session, key string, rc config.ReactionConfig) {
	msg := strings.TrimSpace(rc.Message)
	if msg == "" {
		msg = fmt.Sprintf("pull request is mergeable: %s", sess.PR)
	}
	e.recordEvent(ctx, sess.Project, sess.ID, events.ReactionTriggered, msg,
		map[string]any{"reactionKey": key, "action": actionAutoMerge})
	e.notifyHumans(ctx, sess, events.ReactionTriggered, msg, priorityOf(rc, events.PriorityAction))
}

// runSpawnReview starts a review session against the fresh PR, inlining the
// plan task's acceptance criteria and constraints when there is one.
func (e *Engine) runSpawnReview(ctx context.Context, sess *session.Session) {
	if sess.PR == "" {
		return
	}
	ref := e.projectRef(sess.Project)
	params := prompts.ReviewParams{
		Project:  ref,
		PRURL:    sess.PR,
		PRNumber: prNumber(sess.PR),
		Branch:   sess.Branch,
	}
	if sess.PlanID != "" {
		if p, err := e.plans.Get(sess.Project, sess.PlanID); err == nil {
			if task := p.TaskBySession(sess.ID); task != nil {
				params.TaskTitle = task.Title
				params.AcceptanceCriteria = task.AcceptanceCriteria
				params.AffectedFiles = task.AffectedFiles
				params.Constraints = task.Constraints
			}
		}
	}

	summary := "review " + sess.PR
	if params.PRNumber > 0 {
		summary = fmt.Sprintf("review PR #%d", params.PRNumber)
	}
	reviewer, err := e.sessions.Spawn(ctx, session.SpawnRequest{
		Project: sess.Project,
		Prompt:  prompts.Review(params),
		PlanID:  sess.PlanID,
		Summary: summary,
	})
	if err != nil {
		e.logger.Error("failed to spawn review session",
			zap.String("pr", sess.PR),
			zap.Error(err))
		return
	}
	e.recordEvent(ctx, sess.Project, reviewer.ID, events.ReviewSpawned,
		fmt.Sprintf("review session %s spawned for %s", reviewer.ID, sess.PR),
		map[string]any{"pr": sess.PR, "codingSession": sess.ID})
}

// runReviewGate forwards the blocking review feedback to the coding session
// and counts the round in metadata.
func (e *Engine) runReviewGate(ctx context.Context, sess *session.Session, key string, tr *reactionTracker, rc config.ReactionConfig) {
	scm, err := e.scm(sess.Project)
	if err != nil || sess.PR == "" {
		return
	}
	ref := e.projectRef(sess.Project)

	pctx, cancel := e.probeCtx(ctx)
	reviews, rerr := scm.Reviews(pctx, ref, sess.PR)
	cancel()

	pctx, cancel = e.probeCtx(ctx)
	comments, cerr := scm.PendingComments(pctx, ref, sess.PR)
	cancel()

	if rerr != nil && cerr != nil {
		e.logger.Warn("failed to fetch review feedback",
			zap.String("session_id", sess.ID),
			zap.Error(rerr))
		return
	}

	var blocking []plugin.Review
	for _, r := range reviews {
		if strings.Contains(strings.ToUpper(r.State), "CHANGES") {
			blocking = append(blocking, r)
		}
	}

	msg := prompts.ReviewFeedbackMessage(prompts.ReviewFeedbackParams{
		BaseMessage: rc.Message,
		PRURL:       sess.PR,
		Reviews:     blocking,
		Comments:    comments,
		RebaseHint:  e.rebaseHint(sess),
	})
	if err := e.sessions.Send(ctx, sess.Project, sess.ID, msg); err != nil {
		e.logger.Error("failed to send review feedback",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}

	rounds := e.bumpReviewAttempts(sess)
	e.recordEvent(ctx, sess.Project, sess.ID, events.ReviewFeedbackSent,
		fmt.Sprintf("review feedback forwarded (round %d)", rounds),
		map[string]any{
			"reactionKey": key,
			"attempt":     tr.attempts,
			"reviews":     len(blocking),
			"comments":    len(comments),
		})
}

// rebaseHint mentions sibling merges that landed while the review was
// pending, so the agent rebases before pushing fixes.
func (e *Engine) rebaseHint(sess *session.Session) string {
	notes := e.siblingMergeNotes(sess)
	if len(notes) == 0 {
		return ""
	}
	ref := e.projectRef(sess.Project)
	return fmt.Sprintf("Sibling branches merged while this review was pending; rebase onto %s before pushing.", ref.DefaultBranch)
}

// bumpReviewAttempts increments the persistent review-round counter and
// returns the new value.
func (e *Engine) bumpReviewAttempts(sess *session.Session) int {
	md, err := e.stores.Metadata().Load(sess.Project, sess.ID)
	if err != nil {
		return 0
	}
	rounds := md.ReviewAttempts() + 1
	md.SetReviewAttempts(rounds)
	if err := e.stores.Metadata().Save(sess.Project, sess.ID, md); err != nil {
		e.logger.Warn("failed to persist review rounds",
			zap.String("session_id", sess.ID),
			zap.Error(err))
	}
	return rounds
}

// dispatchPlanComplete runs the plan-complete reaction once per plan.
func (e *Engine) dispatchPlanComplete(ctx context.Context, projectID, planID string) {
	rc, ok := e.cfg.ReactionFor(projectID, reactionPlanComplete)
	if !ok || !rc.AutoEnabled() {
		return
	}
	msg := strings.TrimSpace(rc.Message)
	if msg == "" {
		msg = fmt.Sprintf("plan %s complete: all tasks finished", planID)
	}

	switch rc.Action {
	case actionSpawnReconciliation:
		if _, err := e.reconciler.SpawnForPlan(ctx, projectID, planID); err != nil {
			e.logger.Error("failed to spawn reconciliation session",
				zap.String("plan_id", planID),
				zap.Error(err))
			e.notifyPlan(ctx, projectID, planID, msg, priorityOf(rc, events.PriorityAction))
		}
	case actionSpawnRetrospective:
		e.runSpawnRetrospective(ctx, projectID)
	default:
		e.recordEvent(ctx, projectID, "", events.ReactionTriggered, msg,
			map[string]any{"reactionKey": reactionPlanComplete, "planId": planID})
		e.notifyPlan(ctx, projectID, planID, msg, priorityOf(rc, events.PriorityAction))
	}
}

// runSpawnRetrospective starts an analysis session over the project's recent
// outcomes. Nothing spawns when there is no history to analyze.
func (e *Engine) runSpawnRetrospective(ctx context.Context, projectID string) {
	if e.outcomes == nil {
		return
	}
	summary := e.outcomes.Summary(projectID)
	if strings.TrimSpace(summary) == "" {
		return
	}

	sess, err := e.sessions.Spawn(ctx, session.SpawnRequest{
		Project: projectID,
		Prompt: prompts.Retrospective(prompts.RetrospectiveParams{
			Project:    e.projectRef(projectID),
			Summary:    summary,
			OutputHint: "RETROSPECTIVE.md on your branch",
		}),
		Summary: "retrospective",
	})
	if err != nil {
		e.logger.Error("failed to spawn retrospective session",
			zap.String("project", projectID),
			zap.Error(err))
		return
	}
	e.recordEvent(ctx, projectID, sess.ID, events.RetrospectiveSpawned,
		fmt.Sprintf("retrospective session %s spawned", sess.ID), nil)
}

// notifyPlan fans a plan-level notification out to humans.
func (e *Engine) notifyPlan(ctx context.Context, projectID, planID, message string, priority events.Priority) {
	if e.notify == nil {
		return
	}
	e.notify.Dispatch(ctx, plugin.Notification{
		Title:     fmt.Sprintf("[%s] plan %s", projectID, planID),
		Message:   message,
		Priority:  priority,
		EventType: events.PlanComplete,
		ProjectID: projectID,
	})
}

// failingCheckNames returns the names of the PR's currently failing checks.
func (e *Engine) failingCheckNames(ctx context.Context, sess *session.Session) []string {
	scm, err := e.scm(sess.Project)
	if err != nil || sess.PR == "" {
		return nil
	}
	pctx, cancel := e.probeCtx(ctx)
	checks, cerr := scm.CIChecks(pctx, e.projectRef(sess.Project), sess.PR)
	cancel()
	if cerr != nil {
		return nil
	}
	var names []string
	for _, c := range checks {
		if c.Status == plugin.CheckStatusFail {
			names = append(names, c.Name)
		}
	}
	return names
}

// priorityOf maps the configured priority string, falling back when unset
// or unknown.
func priorityOf(rc config.ReactionConfig, fallback events.Priority) events.Priority {
	switch rc.Priority {
	case "urgent":
		return events.PriorityUrgent
	case "action":
		return events.PriorityAction
	case "warning":
		return events.PriorityWarning
	case "info":
		return events.PriorityInfo
	default:
		return fallback
	}
}

// prNumber extracts the trailing number of a PR URL, or zero.
func prNumber(prURL string) int {
	idx := strings.LastIndex(prURL, "/")
	if idx < 0 || idx == len(prURL)-1 {
		return 0
	}
	n, err := strconv.Atoi(prURL[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// stringsFromData coerces an event-data value back to a string slice; JSON
// round-trips turn []string into []any.
func stringsFromData(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
