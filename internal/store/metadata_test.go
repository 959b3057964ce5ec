package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadataStore(t *testing.T) (*MetadataStore, *Paths) {
	t.Helper()
	root := t.TempDir()
	paths := NewPaths(root, filepath.Join(root, "fleet.yaml"))
	require.NoError(t, paths.EnsureProject("api"))
	return NewMetadataStore(paths), paths
}

func TestMetadataRoundTrip(t *testing.T) {
	m := NewMetadata()
	require.NoError(t, m.Set(KeyProject, "api"))
	require.NoError(t, m.Set(KeyBranch, "feat/login"))
	require.NoError(t, m.Set("custom_key", "anything at all = with equals"))
	m.SetStatus("working")

	parsed := ParseMetadata(m.Encode())
	assert.Equal(t, "api", parsed.Value(KeyProject))
	assert.Equal(t, "feat/login", parsed.Value(KeyBranch))
	assert.Equal(t, "working", parsed.Status())
	// Unknown keys and values containing separators survive.
	assert.Equal(t, "anything at all = with equals", parsed.Value("custom_key"))
}

func TestMetadataRejectsInvalidKeysAndValues(t *testing.T) {
	m := NewMetadata()
	assert.Error(t, m.Set("bad-key", "x"))
	assert.Error(t, m.Set("bad key", "x"))
	assert.Error(t, m.Set("", "x"))
	assert.Error(t, m.Set("ok_key", "line1\nline2"))
}

func TestParseMetadataSkipsMalformedLines(t *testing.T) {
	raw := "status=working\ngarbage line\n=nokey\nbad-key=x\npr=https://example.com/pr/1\n"
	m := ParseMetadata([]byte(raw))

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "working", m.Status())
	assert.Equal(t, "https://example.com/pr/1", m.Value(KeyPR))
}

func TestMetadataReactionTracker(t *testing.T) {
	m := NewMetadata()

	_, _, ok := m.ReactionTracker("ci-failed")
	assert.False(t, ok)

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.SetReactionTracker("ci-failed", 2, first)

	attempts, triggered, ok := m.ReactionTracker("ci-failed")
	require.True(t, ok)
	assert.Equal(t, 2, attempts)
	assert.True(t, triggered.Equal(first))

	// The sanitized keys still fit the metadata grammar and round-trip.
	parsed := ParseMetadata(m.Encode())
	attempts, _, ok = parsed.ReactionTracker("ci-failed")
	require.True(t, ok)
	assert.Equal(t, 2, attempts)

	m.ClearReactionTracker("ci-failed")
	_, _, ok = m.ReactionTracker("ci-failed")
	assert.False(t, ok)
}

func TestTryCreateIsExclusive(t *testing.T) {
	s, _ := newTestMetadataStore(t)

	require.NoError(t, s.TryCreate("api", "api-1"))
	err := s.TryCreate("api", "api-1")
	assert.True(t, errors.Is(err, ErrSessionExists))
}

func TestSaveAndLoad(t *testing.T) {
	s, _ := newTestMetadataStore(t)

	m := NewMetadata()
	require.NoError(t, m.Set(KeyProject, "api"))
	m.SetStatus("spawning")
	m.SetCreatedAt(time.Now())
	require.NoError(t, s.Save("api", "api-1", m))

	loaded, err := s.Load("api", "api-1")
	require.NoError(t, err)
	assert.Equal(t, "spawning", loaded.Status())
	assert.Equal(t, "api", loaded.Value(KeyProject))

	_, err = s.Load("api", "api-404")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestArchivePreservesID(t *testing.T) {
	s, paths := newTestMetadataStore(t)

	m := NewMetadata()
	m.SetStatus("done")
	require.NoError(t, s.Save("api", "api-1", m))
	require.NoError(t, s.Archive("api", "api-1"))

	assert.False(t, s.Exists("api", "api-1"))

	entries, err := os.ReadDir(paths.ArchiveDir("api"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "api-1_")

	ids, err := s.List("api")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListSkipsArchiveAndHiddenFiles(t *testing.T) {
	s, paths := newTestMetadataStore(t)

	for _, id := range []string{"api-1", "api-2"} {
		m := NewMetadata()
		m.SetStatus("working")
		require.NoError(t, s.Save("api", id, m))
	}
	require.NoError(t, os.WriteFile(filepath.Join(paths.SessionsDir("api"), ".hidden"), []byte("x"), 0644))

	ids, err := s.List("api")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-1", "api-2"}, ids)
}
