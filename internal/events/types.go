// Package events defines the event types and bus subjects used across Fleet Commander.
package events

import "strings"

// Priority classifies how urgently humans need to see an event.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityAction  Priority = "action"
	PriorityWarning Priority = "warning"
	PriorityInfo    Priority = "info"
)

// Event types for session lifecycle
const (
	SessionSpawned    = "session.spawned"
	SessionWorking    = "session.working"
	SessionNeedsInput = "session.needs_input"
	SessionStuck      = "session.stuck"
	SessionErrored    = "session.errored"
	SessionKilled     = "session.killed"
	SessionDone       = "session.done"
	SessionRestored   = "session.restored"
	SessionRebaseSent = "session.rebase_sent"
)

// Event types for pull requests
const (
	PRCreated   = "pr.created"
	PRMergeable = "pr.mergeable"
	PRMerged    = "pr.merged"
)

// Event types for CI
const (
	CIFailing   = "ci.failing"
	CIPassing   = "ci.passing"
	CIFixSent   = "ci.fix_sent"
	CIFixFailed = "ci.fix_failed"
)

// Event types for reviews
const (
	ReviewPending          = "review.pending"
	ReviewChangesRequested = "review.changes_requested"
	ReviewApproved         = "review.approved"
	ReviewFeedbackSent     = "review.feedback_sent"
	ReviewSpawned          = "review.spawned"
)

// Event types for plans
const (
	PlanCreated     = "plan.created"
	PlanReady       = "plan.ready"
	PlanApproved    = "plan.approved"
	PlanFailed      = "plan.failed"
	PlanComplete    = "plan.complete"
	PlanTaskSpawned = "plan.task_spawned"
	PlanTaskFailed  = "plan.task_failed"
	PlanIssueFailed = "plan.issue_failed"
)

// Event types for reactions
const (
	ReactionTriggered = "reaction.triggered"
	ReactionEscalated = "reaction.escalated"
)

// Event types for outcome capture
const (
	OutcomeRecorded      = "outcome.recorded"
	RetrospectiveSpawned = "retrospective.spawned"
	ReconcileSpawned     = "reconcile.spawned"
)

// Event types for cycle summaries
const (
	SummaryAllComplete = "summary.all_complete"
)

// InferPriority derives an event's priority from its type. The substring
// checks run in urgency order; unmatched types are info.
func InferPriority(eventType string) Priority {
	if strings.HasPrefix(eventType, "summary.") {
		return PriorityInfo
	}
	for _, marker := range []string{"stuck", "needs_input", "errored"} {
		if strings.Contains(eventType, marker) {
			return PriorityUrgent
		}
	}
	for _, marker := range []string{"approved", "ready", "merged", "completed"} {
		if strings.Contains(eventType, marker) {
			return PriorityAction
		}
	}
	for _, marker := range []string{"fail", "changes_requested", "conflicts"} {
		if strings.Contains(eventType, marker) {
			return PriorityWarning
		}
	}
	return PriorityInfo
}

// BuildEventSubject creates a bus subject scoping an event type to one session.
func BuildEventSubject(eventType, sessionID string) string {
	if sessionID == "" {
		return eventType
	}
	return eventType + "." + sessionID
}

// BuildEventWildcardSubject creates a wildcard subscription for one event type.
func BuildEventWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// BuildAllEventsSubject creates a wildcard subscription matching every event.
func BuildAllEventsSubject() string {
	return ">"
}
