package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Reserved metadata keys. tmuxName predates pluggable runtimes and is kept
// for on-disk compatibility; it stores the globally-unique runtime key.
const (
	KeyProject        = "project"
	KeyWorktree       = "worktree"
	KeyBranch         = "branch"
	KeyStatus         = "status"
	KeyRuntimeKey     = "tmuxName"
	KeyPR             = "pr"
	KeyIssue          = "issue"
	KeySummary        = "summary"
	KeyAgent          = "agent"
	KeyCreatedAt      = "createdAt"
	KeyRuntimeHandle  = "runtimeHandle"
	KeyPlanID         = "planId"
	KeyReviewAttempts = "reviewAttempts"
	KeyCost           = "cost"
)

var (
	// ErrSessionNotFound is returned when no metadata file exists for a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by exclusive creation when the id is taken.
	ErrSessionExists = errors.New("session already exists")
)

var metadataKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Metadata is one session's flat key=value record. Unknown keys are
// preserved across read/write cycles.
type Metadata struct {
	values  map[string]string
	modTime time.Time
}

// NewMetadata returns an empty metadata record.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]string)}
}

// ParseMetadata decodes key=value lines. Lines without a separator or with
// an invalid key are dropped.
func ParseMetadata(data []byte) *Metadata {
	m := NewMetadata()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := line[:idx]
		if !metadataKeyPattern.MatchString(key) {
			continue
		}
		m.values[key] = line[idx+1:]
	}
	return m
}

// Encode renders the record as key=value lines with keys sorted, so repeated
// saves of equal state produce identical bytes.
func (m *Metadata) Encode() []byte {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(m.values[k])
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Get returns the value for a key.
func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Value returns the value for a key, empty when absent.
func (m *Metadata) Value(key string) string {
	return m.values[key]
}

// Set stores a value. Keys must match [a-zA-Z0-9_]+ and values must be
// single-line; both constraints come from the file format.
func (m *Metadata) Set(key, value string) error {
	if !metadataKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid metadata key %q", key)
	}
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("metadata value for %q contains a line break", key)
	}
	m.values[key] = value
	return nil
}

// Delete removes a key.
func (m *Metadata) Delete(key string) {
	delete(m.values, key)
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	return len(m.values)
}

// Status returns the persisted primary status.
func (m *Metadata) Status() string {
	return m.values[KeyStatus]
}

// SetStatus persists the primary status.
func (m *Metadata) SetStatus(status string) {
	m.values[KeyStatus] = status
}

// CreatedAt returns the creation timestamp, zero when absent or malformed.
func (m *Metadata) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339, m.values[KeyCreatedAt])
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetCreatedAt persists the creation timestamp.
func (m *Metadata) SetCreatedAt(t time.Time) {
	m.values[KeyCreatedAt] = t.UTC().Format(time.RFC3339)
}

// ModTime returns when the metadata file was last written, zero for records
// not loaded from disk.
func (m *Metadata) ModTime() time.Time {
	return m.modTime
}

// ReviewAttempts returns the review-gate attempt counter.
func (m *Metadata) ReviewAttempts() int {
	n, _ := strconv.Atoi(m.values[KeyReviewAttempts])
	return n
}

// SetReviewAttempts persists the review-gate attempt counter.
func (m *Metadata) SetReviewAttempts(n int) {
	m.values[KeyReviewAttempts] = strconv.Itoa(n)
}

// reactionMetaKey converts a reaction key like "ci-failed" into the
// character set the metadata format allows.
func reactionMetaKey(reactionKey, suffix string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, reactionKey)
	return "reaction_" + sanitized + "_" + suffix
}

// ReactionTracker returns the persisted attempt counter and first-trigger
// time for a reaction key.
func (m *Metadata) ReactionTracker(reactionKey string) (attempts int, firstTriggered time.Time, ok bool) {
	raw, found := m.values[reactionMetaKey(reactionKey, "attempts")]
	if !found {
		return 0, time.Time{}, false
	}
	attempts, err := strconv.Atoi(raw)
	if err != nil {
		return 0, time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, m.values[reactionMetaKey(reactionKey, "firstTriggered")]); err == nil {
		firstTriggered = ts
	}
	return attempts, firstTriggered, true
}

// SetReactionTracker persists a reaction tracker so restarts resume the same
// retry budget.
func (m *Metadata) SetReactionTracker(reactionKey string, attempts int, firstTriggered time.Time) {
	m.values[reactionMetaKey(reactionKey, "attempts")] = strconv.Itoa(attempts)
	m.values[reactionMetaKey(reactionKey, "firstTriggered")] = firstTriggered.UTC().Format(time.RFC3339)
}

// ClearReactionTracker removes a persisted reaction tracker.
func (m *Metadata) ClearReactionTracker(reactionKey string) {
	delete(m.values, reactionMetaKey(reactionKey, "attempts"))
	delete(m.values, reactionMetaKey(reactionKey, "firstTriggered"))
}

// MetadataStore reads and writes session metadata files.
type MetadataStore struct {
	paths *Paths
}

// NewMetadataStore creates a metadata store over the directory layout.
func NewMetadataStore(paths *Paths) *MetadataStore {
	return &MetadataStore{paths: paths}
}

// TryCreate reserves a session id by creating its metadata file exclusively.
// Returns ErrSessionExists when another caller won the id.
func (s *MetadataStore) TryCreate(projectID, sessionID string) error {
	if err := os.MkdirAll(s.paths.SessionsDir(projectID), 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}
	f, err := os.OpenFile(s.paths.SessionFile(projectID, sessionID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to reserve session id: %w", err)
	}
	return f.Close()
}

// Load reads one session's metadata. The file's modification time doubles
// as the session's last-activity timestamp since every transition rewrites
// the file.
func (s *MetadataStore) Load(projectID, sessionID string) (*Metadata, error) {
	path := s.paths.SessionFile(projectID, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	m := ParseMetadata(data)
	if fi, err := os.Stat(path); err == nil {
		m.modTime = fi.ModTime()
	}
	return m, nil
}

// Save writes one session's metadata atomically (write temp, rename).
func (s *MetadataStore) Save(projectID, sessionID string, m *Metadata) error {
	path := s.paths.SessionFile(projectID, sessionID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+sessionID+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(m.Encode()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}
	return nil
}

// List returns the ids of all live (non-archived) sessions for a project.
func (s *MetadataStore) List(projectID string) ([]string, error) {
	entries, err := os.ReadDir(s.paths.SessionsDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive moves a session's metadata under sessions/archive/, preserving the
// original id in the archived filename.
func (s *MetadataStore) Archive(projectID, sessionID string) error {
	if err := os.MkdirAll(s.paths.ArchiveDir(projectID), 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	src := s.paths.SessionFile(projectID, sessionID)
	dst := filepath.Join(s.paths.ArchiveDir(projectID), fmt.Sprintf("%s_%d", sessionID, time.Now().Unix()))
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

// Exists reports whether a live metadata file exists for the session.
func (s *MetadataStore) Exists(projectID, sessionID string) bool {
	_, err := os.Stat(s.paths.SessionFile(projectID, sessionID))
	return err == nil
}
