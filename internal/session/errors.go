package session

import "errors"

var (
	// ErrUnknownProject is returned when an operation names a project that
	// is not configured.
	ErrUnknownProject = errors.New("unknown project")
	// ErrIDCollision is returned when id reservation exhausts its retry
	// budget.
	ErrIDCollision = errors.New("session id collision")
	// ErrIssueUnreachable is returned when the tracker cannot resolve the
	// requested issue.
	ErrIssueUnreachable = errors.New("issue unreachable")
	// ErrWorkspaceCreateFailed is returned when workspace provisioning
	// fails during spawn.
	ErrWorkspaceCreateFailed = errors.New("workspace create failed")
	// ErrRuntimeCreateFailed is returned when the runtime cannot create an
	// execution context during spawn or restore.
	ErrRuntimeCreateFailed = errors.New("runtime create failed")
	// ErrNoRuntimeHandle is returned when an operation needs a runtime
	// handle the session does not have.
	ErrNoRuntimeHandle = errors.New("session has no runtime handle")
	// ErrSessionTerminal is returned when an operation is invalid on a
	// finished session.
	ErrSessionTerminal = errors.New("session is terminal")
)
