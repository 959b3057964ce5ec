package plugin

import "time"

// ProjectRef carries the slice of project configuration plugins need. It is
// deliberately plain data so plugin packages never import the config layer.
type ProjectRef struct {
	// ID is the project key used in session metadata and storage paths.
	ID string `json:"id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// Repo is the owner/name slug on the SCM host.
	Repo string `json:"repo"`
	// Path is the absolute path of the primary checkout.
	Path string `json:"path"`
	// DefaultBranch is the branch pull requests merge into.
	DefaultBranch string `json:"defaultBranch"`
}

// RuntimeSpec describes the execution context a runtime should create.
type RuntimeSpec struct {
	// Key is the globally unique runtime key for the session.
	Key string
	// WorkDir is the working directory the agent starts in.
	WorkDir string
	// Command is the argv launching the agent.
	Command []string
	// Env holds additional environment variables.
	Env map[string]string
}

// Activity is the fine-grained state of an agent inside its execution
// context, derived from terminal output and process liveness. It is an
// observation, never persisted as session status.
type Activity string

const (
	// ActivityActive means the agent is visibly processing.
	ActivityActive Activity = "active"
	// ActivityReady means the agent shows an input prompt and is idle.
	ActivityReady Activity = "ready"
	// ActivityIdle means output has not changed for a while.
	ActivityIdle Activity = "idle"
	// ActivityWaitingInput means the agent asked the human a question.
	ActivityWaitingInput Activity = "waiting_input"
	// ActivityBlocked means the agent hit a permission or approval gate.
	ActivityBlocked Activity = "blocked"
	// ActivityExited means the agent process is gone.
	ActivityExited Activity = "exited"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)

// PR identifies a pull request.
type PR struct {
	Number     int     `json:"number"`
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	State      PRState `json:"state"`
	HeadBranch string  `json:"headBranch"`
	BaseBranch string  `json:"baseBranch"`
	IsDraft    bool    `json:"isDraft"`
}

// CISummary collapses a pull request's check rollup into one signal.
type CISummary string

const (
	// CIPassing means every required check succeeded.
	CIPassing CISummary = "passing"
	// CIFailing means at least one check failed.
	CIFailing CISummary = "failing"
	// CIPending means checks are still running.
	CIPending CISummary = "pending"
	// CINone means the pull request has no checks.
	CINone CISummary = "none"
)

// CheckRun is one CI check with its result.
type CheckRun struct {
	Name string `json:"name"`
	// Status is the check conclusion: pass, fail or pending.
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	URL     string `json:"url,omitempty"`
}

const (
	CheckStatusPass    = "pass"
	CheckStatusFail    = "fail"
	CheckStatusPending = "pending"
)

// ReviewDecision is the aggregate review state of a pull request.
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewPending          ReviewDecision = "pending"
	ReviewNone             ReviewDecision = "none"
)

// Review is one submitted pull request review.
type Review struct {
	Author      string    `json:"author"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Comment is one unresolved review comment.
type Comment struct {
	Author string `json:"author"`
	Path   string `json:"path,omitempty"`
	Line   int    `json:"line,omitempty"`
	Body   string `json:"body"`
}

// Mergeability reports whether a pull request can merge cleanly.
type Mergeability struct {
	Mergeable bool `json:"mergeable"`
	// State carries the host's merge state detail, for example "clean",
	// "dirty" or "behind".
	State string `json:"state"`
}

// PRSummary is the size of a pull request's change set.
type PRSummary struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changedFiles"`
}

// Issue is a work item in the tracker.
type Issue struct {
	Number int      `json:"number"`
	URL    string   `json:"url"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
	State  string   `json:"state,omitempty"`
}

// IssueRequest describes a work item to file.
type IssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}
