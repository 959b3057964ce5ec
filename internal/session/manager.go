package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/prompts"
	"github.com/gg-salo/fleet-commander/internal/store"
)

const (
	// branchNamespace prefixes every derived branch name.
	branchNamespace = "fleet"
	// idReserveAttempts bounds the exclusive-create retry loop.
	idReserveAttempts = 50
)

// OutcomeRecorder captures a terminal-state summary for a finished session.
// It is optional; a nil recorder skips capture.
type OutcomeRecorder interface {
	RecordTerminal(ctx context.Context, sess *Session, outcome string) error
}

// Manager issues session identities, composes plugins and owns the session
// lifecycle entry points.
type Manager struct {
	cfg      *config.Config
	stores   *store.Provider
	registry *plugin.Registry
	bus      bus.EventBus
	outcomes OutcomeRecorder
	logger   *logger.Logger
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, stores *store.Provider, registry *plugin.Registry, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		stores:   stores,
		registry: registry,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// SetOutcomeRecorder wires the terminal-state recorder. Called once at
// startup, before any session traffic.
func (m *Manager) SetOutcomeRecorder(r OutcomeRecorder) {
	m.outcomes = r
}

// SpawnRequest describes the session to create.
type SpawnRequest struct {
	// Project is the configured project key.
	Project string
	// IssueRef optionally binds the session to a tracker issue.
	IssueRef string
	// Issue skips tracker resolution when the caller already holds the
	// issue, as plan approval does right after creating it.
	Issue *plugin.Issue
	// Objective is the ad-hoc objective when no issue is given.
	Objective string
	// Prompt, when set, is used verbatim instead of building a coding
	// prompt. Plan, review and reconciliation spawns use this.
	Prompt string
	// PromptBuilder composes the prompt once the branch is resolved and
	// takes precedence over Prompt. Task spawns use it because derived
	// branch names embed the session id.
	PromptBuilder func(branch string) string
	// Branch overrides the derived branch name.
	Branch string
	// Agent overrides the project's configured agent.
	Agent string
	// PlanID marks the session as executing a plan task.
	PlanID string
	// Summary is a short human-readable description.
	Summary string
	// Lessons enrich the coding prompt with recent project lessons.
	Lessons []string
}

// Spawn creates a session end to end: resolve plugins, optionally resolve
// the issue, reserve an id, provision the workspace, start the agent and
// persist metadata. Any failure after id reservation rolls the partial
// state back.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	pc, ok := m.cfg.Project(req.Project)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", req.Project, ErrUnknownProject)
	}
	ref := ProjectRef(req.Project, pc)

	agentName := req.Agent
	if agentName == "" {
		agentName = m.cfg.PluginFor(req.Project, "agent")
	}
	agentPlugin, err := m.registry.Agent(agentName)
	if err != nil {
		return nil, err
	}
	runtime, err := m.registry.Runtime(m.cfg.PluginFor(req.Project, "runtime"))
	if err != nil {
		return nil, err
	}
	workspace, err := m.registry.Workspace(m.cfg.PluginFor(req.Project, "workspace"))
	if err != nil {
		return nil, err
	}

	issue := req.Issue
	if issue == nil && req.IssueRef != "" {
		tracker, terr := m.registry.Tracker(m.cfg.PluginFor(req.Project, "tracker"))
		if terr != nil {
			return nil, terr
		}
		issue, terr = tracker.Issue(ctx, ref, req.IssueRef)
		if terr != nil {
			m.logger.Error("failed to resolve issue",
				zap.String("issue", req.IssueRef),
				zap.Error(terr))
			return nil, fmt.Errorf("issue %q: %w", req.IssueRef, ErrIssueUnreachable)
		}
	}

	if err := m.stores.EnsureProject(req.Project); err != nil {
		return nil, err
	}

	id, err := m.reserveID(req.Project, sessionPrefix(req.Project, pc))
	if err != nil {
		return nil, err
	}

	runtimeKey := fmt.Sprintf("%s-%s", m.stores.Paths().ConfigHash(), id)
	branch := resolveBranch(req.Branch, id, issue)

	workspacePath, err := workspace.Create(ctx, ref, id, branch)
	if err != nil {
		m.releaseID(req.Project, id)
		m.logger.Error("failed to create workspace",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("session %s: %w", id, ErrWorkspaceCreateFailed)
	}

	prompt := req.Prompt
	if req.PromptBuilder != nil {
		prompt = req.PromptBuilder(branch)
	}
	if prompt == "" {
		prompt = prompts.Coding(prompts.CodingParams{
			Project:   ref,
			Branch:    branch,
			Issue:     issue,
			Objective: req.Objective,
			Guidance:  prompts.LoadGuidance(ref.Path),
			Lessons:   req.Lessons,
		})
	}

	handle, err := runtime.Create(ctx, plugin.RuntimeSpec{
		Key:     runtimeKey,
		WorkDir: workspacePath,
		Command: agentPlugin.Command(prompt),
	})
	if err != nil {
		m.rollbackSpawn(ctx, workspace, ref, req.Project, id, workspacePath)
		m.logger.Error("failed to create runtime",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("session %s: %w", id, ErrRuntimeCreateFailed)
	}

	encodedHandle, err := handle.Encode()
	if err != nil {
		if derr := runtime.Destroy(ctx, handle); derr != nil {
			m.logger.Warn("failed to destroy runtime during rollback", zap.Error(derr))
		}
		m.rollbackSpawn(ctx, workspace, ref, req.Project, id, workspacePath)
		return nil, fmt.Errorf("session %s: %w", id, ErrRuntimeCreateFailed)
	}

	md := store.NewMetadata()
	fields := map[string]string{
		store.KeyProject:       req.Project,
		store.KeyWorktree:      workspacePath,
		store.KeyBranch:        branch,
		store.KeyStatus:        string(StatusSpawning),
		store.KeyRuntimeKey:    runtimeKey,
		store.KeyAgent:         agentName,
		store.KeyRuntimeHandle: encodedHandle,
	}
	if issue != nil {
		fields[store.KeyIssue] = issueRef(issue)
	} else if req.IssueRef != "" {
		fields[store.KeyIssue] = req.IssueRef
	}
	if req.PlanID != "" {
		fields[store.KeyPlanID] = req.PlanID
	}
	if req.Summary != "" {
		fields[store.KeySummary] = req.Summary
	}
	for key, value := range fields {
		if err := md.Set(key, value); err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
	}
	md.SetCreatedAt(time.Now().UTC())

	if err := m.stores.Metadata().Save(req.Project, id, md); err != nil {
		if derr := runtime.Destroy(ctx, handle); derr != nil {
			m.logger.Warn("failed to destroy runtime during rollback", zap.Error(derr))
		}
		m.rollbackSpawn(ctx, workspace, ref, req.Project, id, workspacePath)
		return nil, err
	}

	m.recordEvent(ctx, req.Project, id, events.SessionSpawned,
		fmt.Sprintf("session %s spawned on branch %s", id, branch),
		map[string]any{"branch": branch, "agent": agentName, "planId": req.PlanID})

	m.logger.Info("session spawned",
		zap.String("session_id", id),
		zap.String("project", req.Project),
		zap.String("branch", branch))

	return fromMetadata(req.Project, id, md), nil
}

// Send delivers text to a session's agent. Input is sanitized and the call
// is bounded by the command timeout.
func (m *Manager) Send(ctx context.Context, projectID, sessionID, text string) error {
	sess, err := m.Get(projectID, sessionID)
	if err != nil {
		return err
	}
	if sess.Handle.IsZero() {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoRuntimeHandle)
	}
	runtime, err := m.registry.Runtime(sess.Handle.RuntimeName)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.CommandTimeoutDuration())
	defer cancel()

	if err := runtime.Send(sendCtx, sess.Handle, sanitizeInput(text)); err != nil {
		return fmt.Errorf("failed to send to session %s: %w", sessionID, err)
	}
	return nil
}

// Kill tears a session down: destroy runtime, destroy workspace, record the
// terminal outcome and archive the metadata under sessions/archive/.
func (m *Manager) Kill(ctx context.Context, projectID, sessionID, reason string) error {
	md, err := m.stores.Metadata().Load(projectID, sessionID)
	if err != nil {
		return err
	}
	sess := fromMetadata(projectID, sessionID, md)

	m.teardown(ctx, sess)

	outcome := terminalOutcome(sess.Status)

	md.SetStatus(string(StatusKilled))
	if err := m.stores.Metadata().Save(projectID, sessionID, md); err != nil {
		return err
	}

	message := fmt.Sprintf("session %s killed", sessionID)
	if reason != "" {
		message = fmt.Sprintf("session %s killed: %s", sessionID, reason)
	}
	m.recordEvent(ctx, projectID, sessionID, events.SessionKilled, message,
		map[string]any{"reason": reason, "lastStatus": string(sess.Status)})

	if m.outcomes != nil {
		sess.Status = StatusKilled
		if oerr := m.outcomes.RecordTerminal(ctx, sess, outcome); oerr != nil {
			m.logger.Warn("failed to record outcome",
				zap.String("session_id", sessionID),
				zap.Error(oerr))
		}
	}

	return m.stores.Metadata().Archive(projectID, sessionID)
}

// Restore re-creates a runtime on the session's existing workspace. Status
// returns to spawning; the next poll cycle re-classifies it.
func (m *Manager) Restore(ctx context.Context, projectID, sessionID string) (*Session, error) {
	md, err := m.stores.Metadata().Load(projectID, sessionID)
	if err != nil {
		return nil, err
	}
	sess := fromMetadata(projectID, sessionID, md)
	if sess.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionTerminal)
	}
	if sess.Workspace == "" {
		return nil, fmt.Errorf("session %s has no workspace to restore onto", sessionID)
	}

	agentName := sess.Agent
	if agentName == "" {
		agentName = m.cfg.PluginFor(projectID, "agent")
	}
	agentPlugin, err := m.registry.Agent(agentName)
	if err != nil {
		return nil, err
	}

	runtimeName := sess.Handle.RuntimeName
	if runtimeName == "" {
		runtimeName = m.cfg.PluginFor(projectID, "runtime")
	}
	runtime, err := m.registry.Runtime(runtimeName)
	if err != nil {
		return nil, err
	}

	runtimeKey := sess.RuntimeKey
	if runtimeKey == "" {
		runtimeKey = fmt.Sprintf("%s-%s", m.stores.Paths().ConfigHash(), sessionID)
	}

	// An empty prompt tells the agent to resume its previous conversation.
	handle, err := runtime.Create(ctx, plugin.RuntimeSpec{
		Key:     runtimeKey,
		WorkDir: sess.Workspace,
		Command: agentPlugin.Command(""),
	})
	if err != nil {
		m.logger.Error("failed to restore runtime",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrRuntimeCreateFailed)
	}

	encodedHandle, err := handle.Encode()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrRuntimeCreateFailed)
	}
	if err := md.Set(store.KeyRuntimeHandle, encodedHandle); err != nil {
		return nil, err
	}
	if err := md.Set(store.KeyRuntimeKey, runtimeKey); err != nil {
		return nil, err
	}
	md.SetStatus(string(StatusSpawning))
	if err := m.stores.Metadata().Save(projectID, sessionID, md); err != nil {
		return nil, err
	}

	m.recordEvent(ctx, projectID, sessionID, events.SessionRestored,
		fmt.Sprintf("session %s restored", sessionID), nil)

	return fromMetadata(projectID, sessionID, md), nil
}

// Get loads one session without touching its runtime.
func (m *Manager) Get(projectID, sessionID string) (*Session, error) {
	md, err := m.stores.Metadata().Load(projectID, sessionID)
	if err != nil {
		return nil, err
	}
	return fromMetadata(projectID, sessionID, md), nil
}

// List loads every live session of a project. Non-terminal sessions whose
// runtime no longer reports the handle alive are marked killed in place;
// the write is idempotent and transition events stay with the poll cycle.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Session, error) {
	if _, ok := m.cfg.Project(projectID); !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrUnknownProject)
	}

	ids, err := m.stores.Metadata().List(projectID)
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		md, lerr := m.stores.Metadata().Load(projectID, id)
		if lerr != nil {
			m.logger.Warn("failed to load session metadata",
				zap.String("session_id", id),
				zap.Error(lerr))
			continue
		}
		sess := fromMetadata(projectID, id, md)

		if !sess.Status.IsTerminal() && !sess.Handle.IsZero() {
			if runtime, rerr := m.registry.Runtime(sess.Handle.RuntimeName); rerr == nil {
				if !runtime.IsAlive(ctx, sess.Handle) {
					sess.Status = StatusKilled
					md.SetStatus(string(StatusKilled))
					if serr := m.stores.Metadata().Save(projectID, id, md); serr != nil {
						m.logger.Warn("failed to persist killed status",
							zap.String("session_id", id),
							zap.Error(serr))
					}
				}
			}
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Projects returns the configured project keys, sorted.
func (m *Manager) Projects() []string {
	keys := make([]string, 0, len(m.cfg.Projects))
	for key := range m.cfg.Projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Cleanup tears down a finished session's runtime and workspace and moves
// its metadata into the archive, without rewriting status or recording an
// outcome. The poll cycle calls it once a terminal transition has been fully
// processed; cleaning up an already-archived session is not an error.
func (m *Manager) Cleanup(ctx context.Context, projectID, sessionID string) error {
	md, err := m.stores.Metadata().Load(projectID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	m.teardown(ctx, fromMetadata(projectID, sessionID, md))
	return m.stores.Metadata().Archive(projectID, sessionID)
}

// teardown destroys a session's runtime and workspace. Failures are logged
// and swallowed so teardown always makes as much progress as it can.
func (m *Manager) teardown(ctx context.Context, sess *Session) {
	if !sess.Handle.IsZero() {
		if runtime, rerr := m.registry.Runtime(sess.Handle.RuntimeName); rerr == nil {
			destroyCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.CommandTimeoutDuration())
			if derr := runtime.Destroy(destroyCtx, sess.Handle); derr != nil {
				m.logger.Warn("failed to destroy runtime",
					zap.String("session_id", sess.ID),
					zap.Error(derr))
			}
			cancel()
		}
	}

	if sess.Workspace != "" {
		if pc, ok := m.cfg.Project(sess.Project); ok {
			if workspace, werr := m.registry.Workspace(m.cfg.PluginFor(sess.Project, "workspace")); werr == nil {
				if derr := workspace.Destroy(ctx, ProjectRef(sess.Project, pc), sess.Workspace); derr != nil {
					m.logger.Warn("failed to destroy workspace",
						zap.String("session_id", sess.ID),
						zap.Error(derr))
				}
			}
		}
	}
}

func (m *Manager) reserveID(projectID, prefix string) (string, error) {
	ids, err := m.stores.Metadata().List(projectID)
	if err != nil {
		return "", err
	}

	next := nextOrdinal(ids, prefix)
	for attempt := 0; attempt < idReserveAttempts; attempt++ {
		id := fmt.Sprintf("%s-%d", prefix, next)
		err := m.stores.Metadata().TryCreate(projectID, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrSessionExists) {
			return "", err
		}
		next++
	}
	return "", fmt.Errorf("project %s prefix %s: %w", projectID, prefix, ErrIDCollision)
}

// releaseID rolls back a reserved id by archiving the metadata skeleton.
func (m *Manager) releaseID(projectID, sessionID string) {
	if err := m.stores.Metadata().Archive(projectID, sessionID); err != nil {
		m.logger.Warn("failed to release reserved session id",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (m *Manager) rollbackSpawn(ctx context.Context, workspace plugin.Workspace, ref plugin.ProjectRef, projectID, sessionID, workspacePath string) {
	if workspacePath != "" {
		if err := workspace.Destroy(ctx, ref, workspacePath); err != nil {
			m.logger.Warn("failed to destroy workspace during rollback",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	m.releaseID(projectID, sessionID)
}

func (m *Manager) recordEvent(ctx context.Context, projectID, sessionID, eventType, message string, data map[string]any) {
	ev := store.NewEvent(eventType, sessionID, projectID, message, data)
	if err := m.stores.Events(projectID).Append(ev); err != nil {
		m.logger.Error("failed to append event",
			zap.String("type", eventType),
			zap.Error(err))
	}
	if m.bus == nil {
		return
	}
	busEvent := bus.NewEvent(eventType, "session-manager", map[string]any{"event": ev})
	if err := m.bus.Publish(ctx, events.BuildEventSubject(eventType, sessionID), busEvent); err != nil {
		m.logger.Debug("failed to publish event", zap.Error(err))
	}
}

func sessionPrefix(key string, pc config.ProjectConfig) string {
	if pc.SessionPrefix != "" {
		return pc.SessionPrefix
	}
	return key
}

func nextOrdinal(ids []string, prefix string) int {
	highest := 0
	for _, id := range ids {
		rest, ok := strings.CutPrefix(id, prefix+"-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}

func resolveBranch(explicit, sessionID string, issue *plugin.Issue) string {
	if explicit != "" {
		return explicit
	}
	if issue != nil {
		return fmt.Sprintf("%s/%s-issue-%d", branchNamespace, sessionID, issue.Number)
	}
	return fmt.Sprintf("%s/%s", branchNamespace, sessionID)
}

func issueRef(issue *plugin.Issue) string {
	if issue.URL != "" {
		return issue.URL
	}
	return strconv.Itoa(issue.Number)
}

// terminalOutcome maps the status a session held when it ended to the
// outcome recorded for it. A kill while stuck or errored keeps that signal
// instead of flattening everything to killed.
func terminalOutcome(last Status) string {
	switch last {
	case StatusMerged:
		return store.OutcomeMerged
	case StatusStuck:
		return store.OutcomeStuck
	case StatusErrored:
		return store.OutcomeErrored
	default:
		return store.OutcomeKilled
	}
}

// sanitizeInput strips control characters from outbound text, keeping
// newlines and tabs so multi-line messages survive.
func sanitizeInput(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
