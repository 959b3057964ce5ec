// Package lifecycle runs the supervision loop: every poll interval it
// re-classifies each live session from runtime and SCM probes, persists
// status transitions, appends the matching events and dispatches configured
// reactions with retry and escalation. Terminal transitions additionally
// drive plan task spawning, sibling rebase sends, outcome capture and
// retrospective spawns.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/reconcile"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
	"github.com/gg-salo/fleet-commander/internal/tracing"
)

// activityProbeLines bounds the terminal output window fed to activity
// detection.
const activityProbeLines = 40

// NotificationSink fans a notification out to the humans configured for its
// priority. Implementations swallow per-provider failures; a notification is
// never allowed to fail a poll cycle.
type NotificationSink interface {
	Dispatch(ctx context.Context, n plugin.Notification)
}

// Engine owns the polling loop and all in-memory supervision state. Status
// caches and reaction trackers belong exclusively to the engine; other
// components communicate with it through the persistent stores.
type Engine struct {
	cfg        *config.Config
	stores     *store.Provider
	sessions   *session.Manager
	plans      *plan.Service
	outcomes   *outcome.Service
	reconciler *reconcile.Service
	registry   *plugin.Registry
	bus        bus.EventBus
	notify     NotificationSink
	logger     *logger.Logger

	// cycleMu is the re-entrancy guard: at most one cycle or direct check
	// runs at a time. Ticks that fire mid-cycle are skipped.
	cycleMu sync.Mutex

	mu       sync.Mutex
	statuses map[string]session.Status
	trackers map[string]*reactionTracker
	// announced guards summary.all_complete per project until a
	// non-terminal session reappears.
	announced map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewEngine wires the lifecycle engine. The notification sink may be nil;
// notifications are then dropped.
func NewEngine(
	cfg *config.Config,
	stores *store.Provider,
	sessions *session.Manager,
	plans *plan.Service,
	outcomes *outcome.Service,
	reconciler *reconcile.Service,
	registry *plugin.Registry,
	eventBus bus.EventBus,
	notify NotificationSink,
	log *logger.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		stores:     stores,
		sessions:   sessions,
		plans:      plans,
		outcomes:   outcomes,
		reconciler: reconciler,
		registry:   registry,
		bus:        eventBus,
		notify:     notify,
		logger:     log.WithFields(zap.String("component", "lifecycle")),
		statuses:   make(map[string]session.Status),
		trackers:   make(map[string]*reactionTracker),
		announced:  make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine. Calling Start more
// than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.logger.Info("lifecycle engine started",
			zap.Duration("poll_interval", e.cfg.Lifecycle.PollIntervalDuration()),
			zap.Int("max_concurrent_checks", e.cfg.Lifecycle.MaxConcurrentChecks))
		go e.run(ctx)
	})
}

// Stop ends the polling loop and waits for any in-flight cycle to finish.
// Once Stop returns the engine appends no further events.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
	e.logger.Info("lifecycle engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	interval := e.cfg.Lifecycle.PollIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle runs one full poll cycle over every configured project. If a
// cycle is already in flight the call returns immediately.
func (e *Engine) RunCycle(ctx context.Context) {
	if !e.cycleMu.TryLock() {
		e.logger.Debug("previous cycle still running, skipping tick")
		return
	}
	defer e.cycleMu.Unlock()

	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "poll-cycle")
	defer span.End()

	started := time.Now()
	for _, projectID := range e.sessions.Projects() {
		e.pollProject(ctx, projectID)
	}
	e.logger.Debug("poll cycle finished", zap.Duration("took", time.Since(started)))
}

// Check re-classifies a single session immediately, serialized against the
// polling loop so a session is never processed twice concurrently. Used for
// push-based revalidation after interactive actions.
func (e *Engine) Check(ctx context.Context, projectID, sessionID string) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	sess, err := e.sessions.Get(projectID, sessionID)
	if err != nil {
		return err
	}
	e.checkSession(ctx, sess)
	return nil
}

// OverrideStatus forces a session's supervision status through the normal
// transition path, so events, reactions and terminal handling fire exactly
// as they would for a classified change. Used when a human marks a session
// done, stuck or errored, or clears a false alarm back to working.
func (e *Engine) OverrideStatus(ctx context.Context, projectID, sessionID string, next session.Status) error {
	if !next.Valid() {
		return fmt.Errorf("invalid status %q", next)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	sess, err := e.sessions.Get(projectID, sessionID)
	if err != nil {
		return err
	}
	old := e.lastStatus(sess)
	if old == next {
		return nil
	}
	e.handleTransition(ctx, sess, old, next)
	e.rememberStatus(sess, next)
	return nil
}

// pollProject runs one project's share of the cycle: bounded-concurrency
// session checks, planning drop-box pickup, the all-complete summary and
// tracker pruning. The cycle is best-effort; a failure in one project never
// reaches its peers.
func (e *Engine) pollProject(ctx context.Context, projectID string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("poll cycle panicked",
				zap.String("project", projectID),
				zap.Any("panic", r))
		}
	}()

	sessions, err := e.sessions.List(ctx, projectID)
	if err != nil {
		e.logger.Error("failed to list sessions",
			zap.String("project", projectID),
			zap.Error(err))
		return
	}

	limit := e.cfg.Lifecycle.MaxConcurrentChecks
	if limit <= 0 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, sess := range sessions {
		g.Go(func() error {
			e.checkSession(ctx, sess)
			return nil
		})
	}
	_ = g.Wait()

	if err := e.plans.CheckPlanning(ctx, projectID); err != nil {
		e.logger.Warn("failed to check planning sessions",
			zap.String("project", projectID),
			zap.Error(err))
	}

	e.maybeAnnounceAllComplete(ctx, projectID, sessions)
	e.prune(projectID)
}

// checkSession classifies one session and handles whatever the comparison
// against the tracked status demands. Sessions already in a terminal status
// are a no-op with respect to events; only their leftover cleanup runs.
func (e *Engine) checkSession(ctx context.Context, sess *session.Session) {
	old := e.lastStatus(sess)
	if old.IsTerminal() {
		e.rememberStatus(sess, old)
		if err := e.sessions.Cleanup(ctx, sess.Project, sess.ID); err != nil {
			e.logger.Warn("failed to clean up finished session",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
		return
	}

	next := e.classify(ctx, sess, old)
	if next != old {
		e.handleTransition(ctx, sess, old, next)
	} else if !next.IsTerminal() {
		e.repeatReaction(ctx, sess, next)
	}
	e.rememberStatus(sess, next)
}

// maybeAnnounceAllComplete emits summary.all_complete once when a project
// has sessions and none remain non-terminal. The announcement re-arms when a
// non-terminal session appears again.
func (e *Engine) maybeAnnounceAllComplete(ctx context.Context, projectID string, sessions []*session.Session) {
	if len(sessions) == 0 {
		return
	}

	nonTerminal := 0
	for _, sess := range sessions {
		if !e.lastStatus(sess).IsTerminal() {
			nonTerminal++
		}
	}

	e.mu.Lock()
	announced := e.announced[projectID]
	if nonTerminal > 0 {
		e.announced[projectID] = false
	} else if !announced {
		e.announced[projectID] = true
	}
	e.mu.Unlock()

	if nonTerminal > 0 || announced {
		return
	}
	e.recordEvent(ctx, projectID, "", events.SummaryAllComplete,
		"all sessions have reached a terminal state",
		map[string]any{"sessions": len(sessions)})
}

// prune drops in-memory status caches and reaction trackers for sessions no
// longer in the live set. This is the only GC for supervision state.
func (e *Engine) prune(projectID string) {
	ids, err := e.stores.Metadata().List(projectID)
	if err != nil {
		return
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[sessionKey(projectID, id)] = true
	}

	prefix := projectID + "/"
	e.mu.Lock()
	for key := range e.statuses {
		if strings.HasPrefix(key, prefix) && !live[key] {
			delete(e.statuses, key)
		}
	}
	for key := range e.trackers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		idx := strings.LastIndex(key, "/")
		if !live[key[:idx]] {
			delete(e.trackers, key)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) recordEvent(ctx context.Context, projectID, sessionID, eventType, message string, data map[string]any) {
	ev := store.NewEvent(eventType, sessionID, projectID, message, data)
	if err := e.stores.Events(projectID).Append(ev); err != nil {
		e.logger.Error("failed to append event",
			zap.String("type", eventType),
			zap.Error(err))
	}
	if e.bus == nil {
		return
	}
	busEvent := bus.NewEvent(eventType, "lifecycle", map[string]any{"event": ev})
	if err := e.bus.Publish(ctx, events.BuildEventSubject(eventType, sessionID), busEvent); err != nil {
		e.logger.Debug("failed to publish event", zap.Error(err))
	}
}

func (e *Engine) notifyHumans(ctx context.Context, sess *session.Session, eventType, message string, priority events.Priority) {
	if e.notify == nil {
		return
	}
	e.notify.Dispatch(ctx, plugin.Notification{
		Title:     "[" + sess.Project + "] session " + sess.ID,
		Message:   message,
		Priority:  priority,
		EventType: eventType,
		SessionID: sess.ID,
		ProjectID: sess.Project,
		URL:       sess.PR,
	})
}

func (e *Engine) probeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.Lifecycle.ProbeTimeoutDuration())
}

func (e *Engine) scm(projectID string) (plugin.SCM, error) {
	return e.registry.SCM(e.cfg.PluginFor(projectID, "scm"))
}

func (e *Engine) projectRef(projectID string) plugin.ProjectRef {
	pc, _ := e.cfg.Project(projectID)
	return session.ProjectRef(projectID, pc)
}

func (e *Engine) agentName(sess *session.Session) string {
	if sess.Agent != "" {
		return sess.Agent
	}
	return e.cfg.PluginFor(sess.Project, "agent")
}
