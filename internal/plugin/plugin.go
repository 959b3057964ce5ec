// Package plugin defines the extension points of the fleet engine. Each
// slot covers one infrastructure concern: where agents run (Runtime), which
// agent CLI is driven (Agent), how working copies are provisioned
// (Workspace), where work items live (Tracker), where pull requests live
// (SCM) and how humans are alerted (Notifier).
//
// Implementations are registered explicitly at startup; the engine resolves
// them by name through the Registry and treats a missing plugin as a skipped
// code path rather than a fatal error.
package plugin

import (
	"context"
	"errors"

	"github.com/gg-salo/fleet-commander/internal/events"
)

// ErrPluginUnavailable is returned when a named plugin is not registered
// for the requested slot.
var ErrPluginUnavailable = errors.New("plugin unavailable")

// Slot identifies one of the pluggable infrastructure concerns.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
)

// Runtime hosts agent processes. A runtime creates an addressable execution
// context (a pty, a container), delivers keystrokes to it and captures its
// terminal output.
type Runtime interface {
	Name() string

	// Create starts an execution context for the given spec and returns a
	// handle that survives engine restarts once persisted.
	Create(ctx context.Context, spec RuntimeSpec) (Handle, error)

	// Destroy tears the execution context down. Destroying a handle that
	// no longer exists is not an error.
	Destroy(ctx context.Context, handle Handle) error

	// Send delivers text to the agent followed by a newline. The text is
	// queued as a paste so multi-line payloads arrive as one message.
	Send(ctx context.Context, handle Handle, text string) error

	// Output returns up to the last n lines of rendered terminal output.
	Output(ctx context.Context, handle Handle, lines int) (string, error)

	// IsAlive reports whether the execution context still exists.
	IsAlive(ctx context.Context, handle Handle) bool
}

// Agent describes one agent CLI: how to launch it and how to read its
// terminal output.
type Agent interface {
	Name() string

	// Command returns the argv used to launch the agent with an initial
	// prompt.
	Command(prompt string) []string

	// DetectActivity derives the agent's activity state from captured
	// terminal output alone.
	DetectActivity(output string) Activity

	// IsProcessRunning reports whether the agent process itself is still
	// running inside the execution context identified by handle. An error
	// means the probe could not be performed, not that the process died.
	IsProcessRunning(ctx context.Context, handle Handle) (bool, error)
}

// CostReporter is an optional Agent capability: agents that print a running
// cost to their terminal can extract it from captured output. The last
// reported figure wins.
type CostReporter interface {
	ExtractCost(output string) (float64, bool)
}

// Workspace provisions isolated working copies, one per session.
type Workspace interface {
	Name() string

	// Create provisions a working copy of the project checked out on the
	// given branch and returns its path.
	Create(ctx context.Context, project ProjectRef, sessionID, branch string) (string, error)

	// Destroy removes the working copy at path.
	Destroy(ctx context.Context, project ProjectRef, path string) error
}

// Tracker connects sessions to an external work item system.
type Tracker interface {
	Name() string

	// Issue fetches a work item by reference (number or URL).
	Issue(ctx context.Context, project ProjectRef, ref string) (*Issue, error)

	// CreateIssue files a new work item.
	CreateIssue(ctx context.Context, project ProjectRef, req IssueRequest) (*Issue, error)
}

// SCM answers questions about pull requests. All lookups are read-only;
// merging stays with humans.
type SCM interface {
	Name() string

	// DetectPR looks up the open or recently closed pull request for a
	// branch. It returns nil when the branch has no pull request.
	DetectPR(ctx context.Context, project ProjectRef, branch string) (*PR, error)

	// PRState reports whether a pull request is open, merged or closed.
	PRState(ctx context.Context, project ProjectRef, prURL string) (PRState, error)

	// CISummary collapses the check rollup into one signal.
	CISummary(ctx context.Context, project ProjectRef, prURL string) (CISummary, error)

	// CIChecks returns the individual check runs with their output
	// summaries, failing checks first.
	CIChecks(ctx context.Context, project ProjectRef, prURL string) ([]CheckRun, error)

	// ReviewDecision reports the aggregate review state.
	ReviewDecision(ctx context.Context, project ProjectRef, prURL string) (ReviewDecision, error)

	// Reviews returns submitted reviews, oldest first.
	Reviews(ctx context.Context, project ProjectRef, prURL string) ([]Review, error)

	// PendingComments returns unresolved review comments.
	PendingComments(ctx context.Context, project ProjectRef, prURL string) ([]Comment, error)

	// Mergeability reports whether the pull request can merge cleanly.
	Mergeability(ctx context.Context, project ProjectRef, prURL string) (Mergeability, error)

	// PRSummary returns the size of the change set.
	PRSummary(ctx context.Context, project ProjectRef, prURL string) (PRSummary, error)

	// ListOpenPRs returns all open pull requests for the project.
	ListOpenPRs(ctx context.Context, project ProjectRef) ([]PR, error)
}

// Notifier delivers alerts to humans. Failures are logged by the caller and
// never propagate into the engine cycle.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Notification is one human-facing alert.
type Notification struct {
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Priority  events.Priority `json:"priority"`
	EventType string          `json:"eventType,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	URL       string          `json:"url,omitempty"`
}
