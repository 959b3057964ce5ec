package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/prompts"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

// LessonSource provides recent project lessons for task prompts. The outcome
// service implements it; a nil source just means no lessons.
type LessonSource interface {
	Lessons(projectID string) []string
}

// Service owns plan records: creation through a planning session, drop-box
// pickup, approval with issue filing, and dependency-gated task spawning.
// All mutations run under one mutex; plan files are small and contention is
// a poll cycle, not a hot path.
type Service struct {
	cfg      *config.Config
	stores   *store.Provider
	sessions *session.Manager
	registry *plugin.Registry
	bus      bus.EventBus
	lessons  LessonSource
	logger   *logger.Logger

	mu sync.Mutex
}

// NewService creates a plan service.
func NewService(cfg *config.Config, stores *store.Provider, sessions *session.Manager, registry *plugin.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		stores:   stores,
		sessions: sessions,
		registry: registry,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "plan-service")),
	}
}

// SetLessonSource wires the lesson provider. Called once at startup.
func (s *Service) SetLessonSource(src LessonSource) {
	s.lessons = src
}

// Create starts a new plan: persist the record, then spawn a planning
// session that explores the repository and writes the task breakdown to the
// plan's drop-box file.
func (s *Service) Create(ctx context.Context, projectID, objective string) (*Plan, error) {
	pc, ok := s.cfg.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, session.ErrUnknownProject)
	}
	if err := s.stores.EnsureProject(projectID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Plan{
		ID:        "plan-" + uuid.New().String()[:8],
		Project:   projectID,
		Status:    StatusPlanning,
		Objective: objective,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.save(p); err != nil {
		return nil, err
	}

	ref := session.ProjectRef(projectID, pc)
	prompt := prompts.Planning(prompts.PlanningParams{
		Project:    ref,
		PlanID:     p.ID,
		Objective:  objective,
		OutputPath: s.stores.Paths().PlanOutputFile(projectID, p.ID),
		Guidance:   prompts.LoadGuidance(ref.Path),
	})

	sess, err := s.sessions.Spawn(ctx, session.SpawnRequest{
		Project: projectID,
		Prompt:  prompt,
		Branch:  "plan/" + p.ID,
		PlanID:  p.ID,
		Summary: "plan: " + truncate(objective, 80),
	})
	if err != nil {
		p.Status = StatusFailed
		p.Error = fmt.Sprintf("failed to spawn planning session: %v", err)
		if serr := s.save(p); serr != nil {
			s.logger.Error("failed to persist plan failure", zap.String("plan_id", p.ID), zap.Error(serr))
		}
		return nil, err
	}

	p.PlanningSessionID = sess.ID
	if err := s.save(p); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, projectID, sess.ID, events.PlanCreated,
		fmt.Sprintf("plan %s created: %s", p.ID, truncate(objective, 120)),
		map[string]any{"planId": p.ID})

	s.logger.Info("plan created",
		zap.String("plan_id", p.ID),
		zap.String("project", projectID),
		zap.String("planning_session", sess.ID))

	return p, nil
}

// Get loads one plan.
func (s *Service) Get(projectID, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(projectID, planID)
}

// List loads every plan of a project, oldest first.
func (s *Service) List(projectID string) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(projectID)
}

func (s *Service) listLocked(projectID string) ([]*Plan, error) {
	entries, err := os.ReadDir(s.stores.Paths().PlansDir(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	var plans []*Plan
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, "-output.json") {
			continue
		}
		p, lerr := s.load(projectID, strings.TrimSuffix(name, ".json"))
		if lerr != nil {
			s.logger.Warn("failed to load plan", zap.String("file", name), zap.Error(lerr))
			continue
		}
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans, nil
}

// CheckPlanning advances every planning-state plan of a project: a drop-box
// file moves the plan to ready (or failed when invalid), a dead planning
// session without output fails it. Called once per poll cycle, after the
// session list has refreshed liveness.
func (s *Service) CheckPlanning(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans, err := s.listLocked(projectID)
	if err != nil {
		return err
	}

	for _, p := range plans {
		if p.Status != StatusPlanning {
			continue
		}

		raw, rerr := os.ReadFile(s.stores.Paths().PlanOutputFile(projectID, p.ID))
		if rerr == nil {
			tasks, shared, perr := parseOutput(raw)
			if perr != nil {
				s.failLocked(ctx, p, perr.Error())
				continue
			}
			p.Tasks = tasks
			p.SharedContext = shared
			p.Status = StatusReady
			if serr := s.save(p); serr != nil {
				s.logger.Error("failed to persist ready plan", zap.String("plan_id", p.ID), zap.Error(serr))
				continue
			}
			s.recordEvent(ctx, projectID, p.PlanningSessionID, events.PlanReady,
				fmt.Sprintf("plan %s ready with %d tasks", p.ID, len(tasks)),
				map[string]any{"planId": p.ID, "tasks": len(tasks)})
			continue
		}
		if !os.IsNotExist(rerr) {
			s.logger.Warn("failed to read plan output", zap.String("plan_id", p.ID), zap.Error(rerr))
			continue
		}

		// No output yet. If the planning session is gone the plan can
		// never become ready.
		if p.PlanningSessionID == "" {
			continue
		}
		sess, serr := s.sessions.Get(projectID, p.PlanningSessionID)
		if serr != nil || sess.Status.IsTerminal() {
			s.failLocked(ctx, p, "planning session exited without producing a plan")
		}
	}
	return nil
}

// Approve takes a ready plan into execution: file a tracker issue per task,
// then spawn every dependency-free task. Issue filing continues past
// per-task failures; a task whose issue could not be created is left for a
// human and never spawned.
func (s *Service) Approve(ctx context.Context, projectID, planID string) (*Plan, error) {
	pc, ok := s.cfg.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("project %q: %w", projectID, session.ErrUnknownProject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(projectID, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusReady {
		return nil, fmt.Errorf("plan %s is %s: %w", planID, p.Status, ErrPlanNotEditable)
	}

	p.Status = StatusApproved
	if err := s.save(p); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, projectID, p.PlanningSessionID, events.PlanApproved,
		fmt.Sprintf("plan %s approved with %d tasks", p.ID, len(p.Tasks)),
		map[string]any{"planId": p.ID})

	ref := session.ProjectRef(projectID, pc)
	s.fileIssues(ctx, p, ref)

	p.Status = StatusExecuting
	if err := s.save(p); err != nil {
		return nil, err
	}

	s.spawnReadyLocked(ctx, p, ref)
	if err := s.save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// fileIssues creates one tracker issue per task. A missing tracker plugin
// skips filing entirely; tasks then run without issues.
func (s *Service) fileIssues(ctx context.Context, p *Plan, ref plugin.ProjectRef) {
	tracker, err := s.registry.Tracker(s.cfg.PluginFor(p.Project, "tracker"))
	if err != nil {
		s.logger.Warn("no tracker plugin, skipping issue creation",
			zap.String("plan_id", p.ID), zap.Error(err))
		return
	}

	for _, task := range p.Tasks {
		issue, ierr := tracker.CreateIssue(ctx, ref, plugin.IssueRequest{
			Title:  task.Title,
			Body:   issueBody(p, task),
			Labels: []string{"fleet-plan", p.ID},
		})
		if ierr != nil {
			task.IssueError = ierr.Error()
			s.logger.Error("failed to create issue",
				zap.String("plan_id", p.ID),
				zap.String("task_id", task.ID),
				zap.Error(ierr))
			s.recordEvent(ctx, p.Project, p.PlanningSessionID, events.PlanIssueFailed,
				fmt.Sprintf("plan %s: issue creation failed for task %s", p.ID, task.ID),
				map[string]any{"planId": p.ID, "taskId": task.ID, "error": ierr.Error()})
			continue
		}
		task.IssueNumber = issue.Number
		task.IssueURL = issue.URL
	}
}

// SpawnReadyTasks spawns every unspawned task whose dependencies have all
// merged. Returns how many sessions were started. Called after each merge
// on an executing plan.
func (s *Service) SpawnReadyTasks(ctx context.Context, projectID, planID string) (int, error) {
	pc, ok := s.cfg.Project(projectID)
	if !ok {
		return 0, fmt.Errorf("project %q: %w", projectID, session.ErrUnknownProject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(projectID, planID)
	if err != nil {
		return 0, err
	}
	if p.Status != StatusExecuting {
		return 0, nil
	}

	spawned := s.spawnReadyLocked(ctx, p, session.ProjectRef(projectID, pc))
	if err := s.save(p); err != nil {
		return spawned, err
	}
	return spawned, nil
}

func (s *Service) spawnReadyLocked(ctx context.Context, p *Plan, ref plugin.ProjectRef) int {
	siblings := s.activeSiblings(p)
	guidance := prompts.LoadGuidance(ref.Path)
	var lessons []string
	if s.lessons != nil {
		lessons = s.lessons.Lessons(p.Project)
	}

	spawned := 0
	for _, task := range p.Tasks {
		if task.SessionID != "" || task.IssueError != "" {
			continue
		}
		if !s.depsMerged(p, task) {
			continue
		}

		params := prompts.TaskParams{
			Project:            ref,
			Title:              task.Title,
			Description:        task.Description,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Scope:              task.Scope,
			AffectedFiles:      task.AffectedFiles,
			Constraints:        task.Constraints,
			SharedContext:      p.SharedContext,
			Guidance:           guidance,
			Lessons:            lessons,
			Siblings:           siblings,
			DependencyDiffs:    s.dependencyDiffs(ctx, p, task, ref),
		}
		var issue *plugin.Issue
		if task.IssueURL != "" || task.IssueNumber != 0 {
			issue = &plugin.Issue{Number: task.IssueNumber, URL: task.IssueURL, Title: task.Title}
		}

		sess, err := s.sessions.Spawn(ctx, session.SpawnRequest{
			Project: p.Project,
			Issue:   issue,
			PromptBuilder: func(branch string) string {
				params.Branch = branch
				return prompts.Task(params)
			},
			PlanID:  p.ID,
			Summary: task.Title,
		})
		if err != nil {
			task.SpawnError = err.Error()
			s.logger.Error("failed to spawn task session",
				zap.String("plan_id", p.ID),
				zap.String("task_id", task.ID),
				zap.Error(err))
			s.recordEvent(ctx, p.Project, "", events.PlanTaskFailed,
				fmt.Sprintf("plan %s: failed to spawn task %s", p.ID, task.ID),
				map[string]any{"planId": p.ID, "taskId": task.ID, "error": err.Error()})
			continue
		}

		task.SessionID = sess.ID
		task.Branch = sess.Branch
		task.SpawnError = ""
		spawned++
		siblings = append(siblings, prompts.SiblingSession{
			ID:     sess.ID,
			Title:  task.Title,
			Branch: sess.Branch,
			Status: string(sess.Status),
		})

		s.recordEvent(ctx, p.Project, sess.ID, events.PlanTaskSpawned,
			fmt.Sprintf("plan %s: task %s spawned as %s", p.ID, task.ID, sess.ID),
			map[string]any{"planId": p.ID, "taskId": task.ID})
	}
	return spawned
}

// depsMerged reports whether every dependency of a task has a merged result.
func (s *Service) depsMerged(p *Plan, task *Task) bool {
	for _, depID := range task.Dependencies {
		dep := p.Task(depID)
		if dep == nil || dep.Result != resultMerged {
			return false
		}
	}
	return true
}

// activeSiblings lists the plan's tasks whose sessions are still running.
func (s *Service) activeSiblings(p *Plan) []prompts.SiblingSession {
	var siblings []prompts.SiblingSession
	for _, t := range p.Tasks {
		if t.SessionID == "" || t.Result != "" {
			continue
		}
		sess, err := s.sessions.Get(p.Project, t.SessionID)
		if err != nil || sess.Status.IsTerminal() {
			continue
		}
		siblings = append(siblings, prompts.SiblingSession{
			ID:     t.SessionID,
			Title:  t.Title,
			Branch: t.Branch,
			Status: string(sess.Status),
		})
	}
	return siblings
}

// dependencyDiffs summarizes the merged PRs a task builds on. Probe failures
// drop the diff rather than blocking the spawn.
func (s *Service) dependencyDiffs(ctx context.Context, p *Plan, task *Task, ref plugin.ProjectRef) []prompts.DependencyDiff {
	if len(task.Dependencies) == 0 {
		return nil
	}
	scm, err := s.registry.SCM(s.cfg.PluginFor(p.Project, "scm"))
	if err != nil {
		return nil
	}

	var diffs []prompts.DependencyDiff
	for _, depID := range task.Dependencies {
		dep := p.Task(depID)
		if dep == nil || dep.PRURL == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Lifecycle.ProbeTimeoutDuration())
		summary, serr := scm.PRSummary(probeCtx, ref, dep.PRURL)
		cancel()
		if serr != nil {
			s.logger.Debug("failed to summarize dependency PR",
				zap.String("pr", dep.PRURL), zap.Error(serr))
			continue
		}
		diffs = append(diffs, prompts.DependencyDiff{
			TaskTitle:    dep.Title,
			PRURL:        dep.PRURL,
			Additions:    summary.Additions,
			Deletions:    summary.Deletions,
			ChangedFiles: summary.ChangedFiles,
		})
	}
	return diffs
}

// RecordTaskTerminal persists a task session's terminal result onto the plan
// so dependency gating survives session archiving. Sessions that are not
// task sessions (planning, review, reconciliation) are ignored.
func (s *Service) RecordTaskTerminal(projectID, planID, sessionID, result, prURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(projectID, planID)
	if err != nil {
		return err
	}
	task := p.TaskBySession(sessionID)
	if task == nil {
		return nil
	}
	task.Result = result
	if prURL != "" {
		task.PRURL = prURL
	}
	return s.save(p)
}

// IsComplete reports whether every task that got a session has reached a
// terminal result. Tasks without sessions neither complete nor block the
// plan; they simply never ran.
func (s *Service) IsComplete(projectID, planID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(projectID, planID)
	if err != nil {
		return false, err
	}
	switch p.Status {
	case StatusDone:
		return true, nil
	case StatusExecuting:
	default:
		return false, nil
	}
	for _, t := range p.Tasks {
		if t.SessionID != "" && t.Result == "" {
			return false, nil
		}
	}
	return true, nil
}

// MarkDone moves an executing plan to done. Returns true only on the first
// call; repeat calls are no-ops so the completion reaction fires once.
func (s *Service) MarkDone(ctx context.Context, projectID, planID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(projectID, planID)
	if err != nil {
		return false, err
	}
	if p.Status != StatusExecuting {
		return false, nil
	}

	p.Status = StatusDone
	if err := s.save(p); err != nil {
		return false, err
	}
	s.recordEvent(ctx, projectID, "", events.PlanComplete,
		fmt.Sprintf("plan %s complete: all tasks finished", p.ID),
		map[string]any{"planId": p.ID})

	s.logger.Info("plan complete", zap.String("plan_id", p.ID), zap.String("project", projectID))
	return true, nil
}

func (s *Service) failLocked(ctx context.Context, p *Plan, reason string) {
	p.Status = StatusFailed
	p.Error = reason
	if err := s.save(p); err != nil {
		s.logger.Error("failed to persist failed plan", zap.String("plan_id", p.ID), zap.Error(err))
		return
	}
	s.recordEvent(ctx, p.Project, p.PlanningSessionID, events.PlanFailed,
		fmt.Sprintf("plan %s failed: %s", p.ID, reason),
		map[string]any{"planId": p.ID, "reason": reason})
}

func (s *Service) load(projectID, planID string) (*Plan, error) {
	raw, err := os.ReadFile(s.stores.Paths().PlanFile(projectID, planID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrPlanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", planID, err)
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", planID, err)
	}
	return &p, nil
}

// save writes the plan atomically via a temp file rename.
func (s *Service) save(p *Plan) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan %s: %w", p.ID, err)
	}
	path := s.stores.Paths().PlanFile(p.Project, p.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", p.ID, err)
	}
	return nil
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
	busEvent := bus.NewEvent(eventType, "plan-service", map[string]any{"event": ev})
	if err := s.bus.Publish(ctx, events.BuildEventSubject(eventType, sessionID), busEvent); err != nil {
		s.logger.Debug("failed to publish event", zap.Error(err))
	}
}

// issueBody renders the tracker issue text for one task.
func issueBody(p *Plan, task *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Part of plan %s: %s\n", p.ID, truncate(p.Objective, 120))
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(task.Dependencies) > 0 {
		fmt.Fprintf(&b, "\nDepends on: %s\n", strings.Join(task.Dependencies, ", "))
	}
	return b.String()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
