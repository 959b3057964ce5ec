package store

import (
	"sync"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
)

// Provider hands out the per-project stores. Event and outcome stores carry
// internal state tied to their file, so the provider caches one instance per
// project and every component goes through it.
type Provider struct {
	paths     *Paths
	metadata  *MetadataStore
	maxEvents int
	logger    *logger.Logger

	mu       sync.Mutex
	events   map[string]*EventStore
	outcomes map[string]*OutcomeStore
}

// NewProvider creates a store provider rooted at the given paths.
func NewProvider(paths *Paths, maxEvents int, log *logger.Logger) *Provider {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Provider{
		paths:     paths,
		metadata:  NewMetadataStore(paths),
		maxEvents: maxEvents,
		logger:    log,
		events:    make(map[string]*EventStore),
		outcomes:  make(map[string]*OutcomeStore),
	}
}

// Paths returns the directory layout.
func (p *Provider) Paths() *Paths {
	return p.paths
}

// Metadata returns the session metadata store.
func (p *Provider) Metadata() *MetadataStore {
	return p.metadata
}

// Events returns the event store for a project.
func (p *Provider) Events(projectID string) *EventStore {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.events[projectID]; ok {
		return s
	}
	s := NewEventStore(p.paths.EventsFile(projectID), p.maxEvents, p.logger)
	p.events[projectID] = s
	return s
}

// Outcomes returns the outcome store for a project.
func (p *Provider) Outcomes(projectID string) *OutcomeStore {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.outcomes[projectID]; ok {
		return s
	}
	s := NewOutcomeStore(p.paths.OutcomesFile(projectID))
	p.outcomes[projectID] = s
	return s
}

// EnsureProject creates the project's directory tree and ownership stamp.
func (p *Provider) EnsureProject(projectID string) error {
	return p.paths.EnsureProject(projectID)
}
