// Package session owns the supervised-agent session model and its manager:
// atomic id issuance, spawn/send/kill/restore/list over the composed
// plugins, and the metadata persistence behind them.
package session

import (
	"strconv"
	"time"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// Status is a session's primary lifecycle state.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusErrored          Status = "errored"
	StatusKilled           Status = "killed"
	StatusDone             Status = "done"
)

var terminalStatuses = map[Status]bool{
	StatusMerged: true,
	StatusKilled: true,
	StatusDone:   true,
}

// IsTerminal reports whether the status ends a session's lifecycle.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusWorking, StatusPROpen, StatusCIFailed,
		StatusReviewPending, StatusChangesRequested, StatusApproved,
		StatusMergeable, StatusMerged, StatusNeedsInput, StatusStuck,
		StatusErrored, StatusKilled, StatusDone:
		return true
	}
	return false
}

// Session is the view of one supervised agent run, loaded from metadata.
// Status reflects the last persisted state; Activity is the most recent
// observation and may be empty when unknown.
type Session struct {
	ID       string          `json:"id"`
	Project  string          `json:"project"`
	Status   Status          `json:"status"`
	Activity plugin.Activity `json:"activity,omitempty"`

	Branch     string  `json:"branch,omitempty"`
	Issue      string  `json:"issue,omitempty"`
	PR         string  `json:"pr,omitempty"`
	Agent      string  `json:"agent,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	Workspace  string  `json:"workspace,omitempty"`
	RuntimeKey string  `json:"runtimeKey,omitempty"`
	PlanID     string  `json:"planId,omitempty"`
	Cost       float64 `json:"cost,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivityAt"`

	Handle plugin.Handle `json:"-"`
}

// fromMetadata builds the session view from a persisted record. A handle
// that fails to decode is treated as absent rather than an error; liveness
// checks then mark the session killed.
func fromMetadata(projectID, sessionID string, md *store.Metadata) *Session {
	s := &Session{
		ID:           sessionID,
		Project:      projectID,
		Status:       Status(md.Status()),
		Branch:       md.Value(store.KeyBranch),
		Issue:        md.Value(store.KeyIssue),
		PR:           md.Value(store.KeyPR),
		Agent:        md.Value(store.KeyAgent),
		Summary:      md.Value(store.KeySummary),
		Workspace:    md.Value(store.KeyWorktree),
		RuntimeKey:   md.Value(store.KeyRuntimeKey),
		PlanID:       md.Value(store.KeyPlanID),
		CreatedAt:    md.CreatedAt(),
		LastActivity: md.ModTime(),
	}
	if raw := md.Value(store.KeyCost); raw != "" {
		if cost, err := strconv.ParseFloat(raw, 64); err == nil {
			s.Cost = cost
		}
	}
	if raw := md.Value(store.KeyRuntimeHandle); raw != "" {
		if h, err := plugin.DecodeHandle(raw); err == nil {
			s.Handle = h
		}
	}
	return s
}

// ProjectRef converts a configured project into the plain-data form plugins
// consume.
func ProjectRef(key string, pc config.ProjectConfig) plugin.ProjectRef {
	name := pc.Name
	if name == "" {
		name = key
	}
	return plugin.ProjectRef{
		ID:            key,
		Name:          name,
		Repo:          pc.Repo,
		Path:          pc.Path,
		DefaultBranch: pc.DefaultBranch,
	}
}
