// Package outcome captures terminal-state summaries into the per-project
// outcome log and derives lessons from the recent record. Lessons feed new
// session prompts so the fleet stops repeating the same failures.
package outcome

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/classify"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

const (
	// recentWindow is how many outcomes the lesson derivation looks at.
	recentWindow = 20
	// minCheckFailures is the repeat count before a check becomes a lesson.
	minCheckFailures = 2
	// topChecks caps how many per-check lessons are derived.
	topChecks = 3
	// avgRetryThreshold triggers the fix-round lesson.
	avgRetryThreshold = 1.5
	// failureRateThreshold triggers the failure-rate lesson.
	failureRateThreshold = 0.30
)

// Service records terminal outcomes and derives project lessons. It
// implements the session manager's OutcomeRecorder and the plan service's
// LessonSource.
type Service struct {
	stores *store.Provider
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates an outcome service.
func NewService(stores *store.Provider, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		stores: stores,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "outcome-service")),
	}
}

// RecordTerminal appends the outcome summary for a session that just reached
// a terminal state. CI retries and review rounds are reconstructed from the
// session's event history; failing checks come from the newest ci.failing
// event.
func (s *Service) RecordTerminal(ctx context.Context, sess *session.Session, outcomeKind string) error {
	eventLog := s.stores.Events(sess.Project)

	ciRetries, err := eventLog.CountForSession(sess.ID, events.CIFailing)
	if err != nil {
		s.logger.Warn("failed to count ci events", zap.String("session_id", sess.ID), zap.Error(err))
	}
	reviewRounds, err := eventLog.CountForSession(sess.ID, events.ReviewChangesRequested)
	if err != nil {
		s.logger.Warn("failed to count review events", zap.String("session_id", sess.ID), zap.Error(err))
	}

	var failingChecks []string
	if last, lerr := eventLog.LatestForSession(sess.ID, events.CIFailing); lerr == nil && last != nil {
		failingChecks = stringsFromData(last.Data["failingChecks"])
	}

	var durationMs int64
	if !sess.CreatedAt.IsZero() {
		durationMs = time.Since(sess.CreatedAt).Milliseconds()
	}

	record := store.Outcome{
		SessionID:     sess.ID,
		ProjectID:     sess.Project,
		Outcome:       outcomeKind,
		DurationMs:    durationMs,
		CIRetries:     ciRetries,
		ReviewRounds:  reviewRounds,
		Cost:          sess.Cost,
		FailingChecks: failingChecks,
		PlanID:        sess.PlanID,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.stores.Outcomes(sess.Project).Append(record); err != nil {
		return err
	}

	s.recordEvent(ctx, sess.Project, sess.ID, events.OutcomeRecorded,
		fmt.Sprintf("session %s finished: %s", sess.ID, outcomeKind),
		map[string]any{
			"outcome":    outcomeKind,
			"durationMs": durationMs,
			"ciRetries":  ciRetries,
		})

	s.logger.Info("outcome recorded",
		zap.String("session_id", sess.ID),
		zap.String("outcome", outcomeKind),
		zap.Int("ci_retries", ciRetries))
	return nil
}

// Lessons derives short guidance lines from the project's recent outcomes:
// checks that keep failing, an elevated average of CI fix rounds, and a high
// non-merge rate. Returns nil when there is nothing to learn yet.
func (s *Service) Lessons(projectID string) []string {
	recent, err := s.stores.Outcomes(projectID).Recent(recentWindow)
	if err != nil {
		s.logger.Warn("failed to read outcomes", zap.String("project", projectID), zap.Error(err))
		return nil
	}
	if len(recent) == 0 {
		return nil
	}

	var lessons []string

	checkCounts := make(map[string]int)
	var allChecks []string
	for _, o := range recent {
		for _, check := range o.FailingChecks {
			checkCounts[check]++
			allChecks = append(allChecks, check)
		}
	}
	names := make([]string, 0, len(checkCounts))
	for name, count := range checkCounts {
		if count >= minCheckFailures {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if checkCounts[names[i]] != checkCounts[names[j]] {
			return checkCounts[names[i]] > checkCounts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > topChecks {
		names = names[:topChecks]
	}
	for _, name := range names {
		lessons = append(lessons, fmt.Sprintf("CI check %q failed in %d of the last %d sessions. %s",
			name, checkCounts[name], len(recent), classify.Recommendation(name)))
	}

	var totalRetries int
	for _, o := range recent {
		totalRetries += o.CIRetries
	}
	avgRetries := float64(totalRetries) / float64(len(recent))
	if avgRetries > avgRetryThreshold {
		lessons = append(lessons, fmt.Sprintf(
			"Recent sessions needed %.1f CI fix rounds on average. Run the checks locally before the first push.",
			avgRetries))
	}

	failed := 0
	for _, o := range recent {
		if o.Outcome != store.OutcomeMerged {
			failed++
		}
	}
	failureRate := float64(failed) / float64(len(recent))
	if failureRate > failureRateThreshold {
		line := fmt.Sprintf("%d%% of the last %d sessions ended without merging",
			int(math.Round(failureRate*100)), len(recent))
		if cat := classify.DominantCategory(allChecks); len(allChecks) > 0 {
			line += fmt.Sprintf("; the dominant failure area was %s", strings.ToLower(cat.Title()))
		}
		lessons = append(lessons, line+".")
	}

	return lessons
}

// Summary renders the project's recent outcome history as bullet lines for
// a retrospective prompt.
func (s *Service) Summary(projectID string) string {
	recent, err := s.stores.Outcomes(projectID).Recent(recentWindow)
	if err != nil || len(recent) == 0 {
		return ""
	}

	var b strings.Builder
	for _, o := range recent {
		fmt.Fprintf(&b, "- %s: %s after %s, %d CI fix rounds, %d review rounds",
			o.SessionID, o.Outcome, formatDuration(o.DurationMs), o.CIRetries, o.ReviewRounds)
		if len(o.FailingChecks) > 0 {
			fmt.Fprintf(&b, ", failing checks: %s", strings.Join(o.FailingChecks, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
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
	busEvent := bus.NewEvent(eventType, "outcome-service", map[string]any{"event": ev})
	if err := s.bus.Publish(ctx, events.BuildEventSubject(eventType, sessionID), busEvent); err != nil {
		s.logger.Debug("failed to publish event", zap.Error(err))
	}
}

// stringsFromData coerces an event data value back into a string slice.
// JSON round-trips turn []string into []any.
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

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
