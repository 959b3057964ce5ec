package outcome

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Provider) {
	t.Helper()
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	paths := store.NewPaths(filepath.Join(dir, "data"), filepath.Join(dir, "fleet.yaml"))
	stores := store.NewProvider(paths, 500, log)
	require.NoError(t, stores.EnsureProject("api"))
	return NewService(stores, nil, log), stores
}

func TestRecordTerminalCountsEventHistory(t *testing.T) {
	svc, stores := newTestService(t)
	ctx := context.Background()
	eventLog := stores.Events("api")

	require.NoError(t, eventLog.Append(store.NewEvent(events.CIFailing, "api-1", "api",
		"checks failing", map[string]any{"failingChecks": []string{"lint"}})))
	require.NoError(t, eventLog.Append(store.NewEvent(events.CIFailing, "api-1", "api",
		"checks failing", map[string]any{"failingChecks": []string{"test", "build"}})))
	require.NoError(t, eventLog.Append(store.NewEvent(events.ReviewChangesRequested, "api-1", "api",
		"changes requested", nil)))
	// Another session's history must not leak in.
	require.NoError(t, eventLog.Append(store.NewEvent(events.CIFailing, "api-2", "api",
		"checks failing", nil)))

	sess := &session.Session{
		ID:        "api-1",
		Project:   "api",
		PlanID:    "plan-abc",
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, svc.RecordTerminal(ctx, sess, store.OutcomeMerged))

	all, err := stores.Outcomes("api").ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Equal(t, "api-1", got.SessionID)
	assert.Equal(t, store.OutcomeMerged, got.Outcome)
	assert.Equal(t, 2, got.CIRetries)
	assert.Equal(t, 1, got.ReviewRounds)
	assert.Equal(t, []string{"test", "build"}, got.FailingChecks)
	assert.Equal(t, "plan-abc", got.PlanID)
	assert.Greater(t, got.DurationMs, int64(9*60*1000))

	evs, err := eventLog.Query(store.EventFilter{Types: []string{events.OutcomeRecorded}})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestRecordTerminalWithoutHistory(t *testing.T) {
	svc, stores := newTestService(t)

	sess := &session.Session{ID: "api-9", Project: "api"}
	require.NoError(t, svc.RecordTerminal(context.Background(), sess, store.OutcomeKilled))

	all, err := stores.Outcomes("api").ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Zero(t, all[0].CIRetries)
	assert.Zero(t, all[0].DurationMs)
	assert.Empty(t, all[0].FailingChecks)
}

func seedOutcome(t *testing.T, stores *store.Provider, o store.Outcome) {
	t.Helper()
	o.ProjectID = "api"
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	require.NoError(t, stores.Outcomes("api").Append(o))
}

func TestLessonsRepeatedFailingCheck(t *testing.T) {
	svc, stores := newTestService(t)

	seedOutcome(t, stores, store.Outcome{SessionID: "api-1", Outcome: store.OutcomeMerged, FailingChecks: []string{"lint"}})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-2", Outcome: store.OutcomeMerged, FailingChecks: []string{"lint", "unit-tests"}})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-3", Outcome: store.OutcomeMerged, FailingChecks: []string{"lint"}})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-4", Outcome: store.OutcomeMerged})

	lessons := svc.Lessons("api")
	require.NotEmpty(t, lessons)
	assert.Contains(t, lessons[0], `CI check "lint" failed in 3 of the last 4 sessions`)

	// One failure is noise, not a lesson.
	for _, l := range lessons {
		assert.NotContains(t, l, "unit-tests")
	}
}

func TestLessonsElevatedCIRetries(t *testing.T) {
	svc, stores := newTestService(t)

	for _, id := range []string{"api-1", "api-2", "api-3"} {
		seedOutcome(t, stores, store.Outcome{SessionID: id, Outcome: store.OutcomeMerged, CIRetries: 2})
	}

	lessons := svc.Lessons("api")
	require.NotEmpty(t, lessons)
	assert.Contains(t, lessons[0], "2.0 CI fix rounds")
}

func TestLessonsHighFailureRate(t *testing.T) {
	svc, stores := newTestService(t)

	seedOutcome(t, stores, store.Outcome{SessionID: "api-1", Outcome: store.OutcomeMerged})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-2", Outcome: store.OutcomeMerged})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-3", Outcome: store.OutcomeKilled})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-4", Outcome: store.OutcomeStuck, FailingChecks: []string{"unit-tests", "e2e"}})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-5", Outcome: store.OutcomeErrored})

	lessons := svc.Lessons("api")
	require.NotEmpty(t, lessons)

	var found bool
	for _, l := range lessons {
		if strings.Contains(l, "60% of the last 5 sessions") {
			found = true
			assert.Contains(t, l, "dominant failure area")
		}
	}
	assert.True(t, found, "expected a failure-rate lesson, got %v", lessons)
}

func TestLessonsQuietWhenHealthy(t *testing.T) {
	svc, stores := newTestService(t)

	seedOutcome(t, stores, store.Outcome{SessionID: "api-1", Outcome: store.OutcomeMerged, CIRetries: 1})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-2", Outcome: store.OutcomeMerged})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-3", Outcome: store.OutcomeMerged, CIRetries: 1})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-4", Outcome: store.OutcomeMerged})

	assert.Empty(t, svc.Lessons("api"))
}

func TestLessonsEmptyWithoutOutcomes(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Nil(t, svc.Lessons("api"))
}

func TestSummaryRendersHistory(t *testing.T) {
	svc, stores := newTestService(t)

	seedOutcome(t, stores, store.Outcome{
		SessionID:     "api-1",
		Outcome:       store.OutcomeMerged,
		DurationMs:    42 * 60 * 1000,
		CIRetries:     1,
		FailingChecks: []string{"lint"},
	})
	seedOutcome(t, stores, store.Outcome{SessionID: "api-2", Outcome: store.OutcomeStuck, DurationMs: 30_000})

	summary := svc.Summary("api")
	assert.Contains(t, summary, "- api-1: merged after 42m, 1 CI fix rounds")
	assert.Contains(t, summary, "failing checks: lint")
	assert.Contains(t, summary, "- api-2: stuck after 30s")
}

func TestSummaryEmptyWithoutOutcomes(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Empty(t, svc.Summary("api"))
}
