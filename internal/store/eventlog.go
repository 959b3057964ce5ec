package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
)

// DefaultMaxEvents is the per-project event log retention.
const DefaultMaxEvents = 500

// Event is one record in a project's events.jsonl. File order is append
// order; queries sort newest-first by timestamp.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  events.Priority `json:"priority"`
	SessionID string          `json:"sessionId"`
	ProjectID string          `json:"projectId"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
	Data      map[string]any  `json:"data"`
}

// NewEvent builds an event with a fresh id, inferred priority and current
// timestamp.
func NewEvent(eventType, sessionID, projectID, message string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Priority:  events.InferPriority(eventType),
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	}
}

// EventFilter selects events on query. Zero values mean "any".
type EventFilter struct {
	Types      []string
	Priorities []events.Priority
	SessionID  string
	Since      time.Time
	Offset     int
	Limit      int
}

// EventStore is the append-only JSONL log for one project. Appends prune
// lazily: when the line count has reached the cap, the file is rewritten
// keeping the most recent cap-1 events before the new one is appended.
type EventStore struct {
	path      string
	maxEvents int
	logger    *logger.Logger

	mu        sync.Mutex
	lineCount int // -1 until first touch
}

// NewEventStore creates an event store writing to path.
func NewEventStore(path string, maxEvents int, log *logger.Logger) *EventStore {
	if maxEvents <= 1 {
		maxEvents = DefaultMaxEvents
	}
	return &EventStore{
		path:      path,
		maxEvents: maxEvents,
		logger:    log.WithFields(zap.String("component", "event_store")),
		lineCount: -1,
	}
}

// Append writes one event as a single JSONL line.
func (s *EventStore) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLineCount(); err != nil {
		return err
	}

	if s.lineCount >= s.maxEvents {
		if err := s.pruneLocked(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create event log dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	s.lineCount++
	return nil
}

// Query returns matching events newest-first, then applies offset/limit.
func (s *EventStore) Query(filter EventFilter) ([]Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	// Reverse file order so equal timestamps stay newest-first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	var matched []Event
	for _, e := range all {
		if !filter.matches(e) {
			continue
		}
		matched = append(matched, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CountForSession counts events of one type for one session.
func (s *EventStore) CountForSession(sessionID, eventType string) (int, error) {
	matched, err := s.Query(EventFilter{SessionID: sessionID, Types: []string{eventType}})
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// LatestForSession returns the newest event of one type for one session,
// or nil when none exists.
func (s *EventStore) LatestForSession(sessionID, eventType string) (*Event, error) {
	matched, err := s.Query(EventFilter{SessionID: sessionID, Types: []string{eventType}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return &matched[0], nil
}

func (f EventFilter) matches(e Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if e.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ensureLineCount lazily counts existing lines once per process.
func (s *EventStore) ensureLineCount() error {
	if s.lineCount >= 0 {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.lineCount = 0
			return nil
		}
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to count event log lines: %w", err)
	}
	s.lineCount = count
	return nil
}

// pruneLocked rewrites the log keeping the most recent maxEvents-1 events in
// file order. Malformed lines are dropped in the rewrite.
func (s *EventStore) pruneLocked() error {
	all, err := s.readAll()
	if err != nil {
		return err
	}

	keep := s.maxEvents - 1
	if len(all) > keep {
		all = all[len(all)-keep:]
	}

	var b strings.Builder
	for _, e := range all {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".events.tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp event log: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write pruned event log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close pruned event log: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace event log: %w", err)
	}

	s.lineCount = len(all)
	s.logger.Debug("pruned event log",
		zap.String("path", s.path),
		zap.Int("kept", len(all)))
	return nil
}

// readAll parses every valid event in file order. Malformed lines are
// skipped.
func (s *EventStore) readAll() ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var all []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return all, nil
}
