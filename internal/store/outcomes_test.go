package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeRoundTrip(t *testing.T) {
	s := NewOutcomeStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))

	outcome := Outcome{
		SessionID:     "fc-3",
		ProjectID:     "api",
		Outcome:       OutcomeMerged,
		DurationMs:    125000,
		CIRetries:     2,
		ReviewRounds:  1,
		Cost:          0.42,
		FailingChecks: []string{"lint"},
		PlanID:        "pl-7",
		Timestamp:     time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, s.Append(outcome))

	all, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, outcome, all[0])
}

func TestOutcomeRecent(t *testing.T) {
	s := NewOutcomeStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Outcome{
			SessionID: "fc-1",
			ProjectID: "api",
			Outcome:   OutcomeKilled,
			CIRetries: i,
			Timestamp: time.Now().UTC(),
		}))
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].CIRetries)
	assert.Equal(t, 4, recent[1].CIRetries)

	all, err := s.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestOutcomeReadAllMissingFile(t *testing.T) {
	s := NewOutcomeStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))
	all, err := s.ReadAll()
	require.NoError(t, err)
	assert.Nil(t, all)
}
