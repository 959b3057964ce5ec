package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Outcome kinds. merged is the only successful outcome.
const (
	OutcomeMerged  = "merged"
	OutcomeKilled  = "killed"
	OutcomeStuck   = "stuck"
	OutcomeErrored = "errored"
)

// Outcome is one terminal-state record in outcomes.jsonl.
type Outcome struct {
	SessionID     string    `json:"sessionId"`
	ProjectID     string    `json:"projectId"`
	Outcome       string    `json:"outcome"`
	DurationMs    int64     `json:"durationMs"`
	CIRetries     int       `json:"ciRetries"`
	ReviewRounds  int       `json:"reviewRounds"`
	Cost          float64   `json:"cost,omitempty"`
	FailingChecks []string  `json:"failingChecks,omitempty"`
	PlanID        string    `json:"planId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OutcomeStore is the append-only JSONL log of terminal-state summaries for
// one project. It is never truncated.
type OutcomeStore struct {
	path string
	mu   sync.Mutex
}

// NewOutcomeStore creates an outcome store writing to path.
func NewOutcomeStore(path string) *OutcomeStore {
	return &OutcomeStore{path: path}
}

// Append writes one outcome as a single JSONL line.
func (s *OutcomeStore) Append(outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create outcome log dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open outcome log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

// ReadAll returns every valid outcome in file (append) order. Malformed
// lines are skipped.
func (s *OutcomeStore) ReadAll() ([]Outcome, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open outcome log: %w", err)
	}
	defer f.Close()

	var all []Outcome
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var o Outcome
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			continue
		}
		all = append(all, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outcome log: %w", err)
	}
	return all, nil
}

// Recent returns the most recent n outcomes in append order.
func (s *OutcomeStore) Recent(n int) ([]Outcome, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
