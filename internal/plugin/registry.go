package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
)

// Registry holds the plugin implementations wired in at startup, keyed by
// slot and name. Lookups of unregistered names fail with
// ErrPluginUnavailable so callers can skip the dependent code path.
type Registry struct {
	plugins map[Slot]map[string]any
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		plugins: make(map[Slot]map[string]any),
		logger:  log.WithFields(zap.String("component", "plugin-registry")),
	}
}

// Register adds an implementation under the given slot and name. The
// implementation must satisfy the slot's interface, and a name can only be
// registered once per slot.
func (r *Registry) Register(slot Slot, name string, impl any) error {
	if name == "" {
		return fmt.Errorf("plugin name required for slot %s", slot)
	}
	if err := checkSlot(slot, impl); err != nil {
		return fmt.Errorf("failed to register %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.plugins[slot]
	if !ok {
		byName = make(map[string]any)
		r.plugins[slot] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("%s plugin %q already registered", slot, name)
	}

	byName[name] = impl
	r.logger.Info("registered plugin",
		zap.String("slot", string(slot)),
		zap.String("name", name))
	return nil
}

// Runtime resolves a runtime plugin by name.
func (r *Registry) Runtime(name string) (Runtime, error) {
	impl, err := r.lookup(SlotRuntime, name)
	if err != nil {
		return nil, err
	}
	return impl.(Runtime), nil
}

// Agent resolves an agent plugin by name.
func (r *Registry) Agent(name string) (Agent, error) {
	impl, err := r.lookup(SlotAgent, name)
	if err != nil {
		return nil, err
	}
	return impl.(Agent), nil
}

// Workspace resolves a workspace plugin by name.
func (r *Registry) Workspace(name string) (Workspace, error) {
	impl, err := r.lookup(SlotWorkspace, name)
	if err != nil {
		return nil, err
	}
	return impl.(Workspace), nil
}

// Tracker resolves a tracker plugin by name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	impl, err := r.lookup(SlotTracker, name)
	if err != nil {
		return nil, err
	}
	return impl.(Tracker), nil
}

// SCM resolves an SCM plugin by name.
func (r *Registry) SCM(name string) (SCM, error) {
	impl, err := r.lookup(SlotSCM, name)
	if err != nil {
		return nil, err
	}
	return impl.(SCM), nil
}

// Notifier resolves a notifier plugin by name.
func (r *Registry) Notifier(name string) (Notifier, error) {
	impl, err := r.lookup(SlotNotifier, name)
	if err != nil {
		return nil, err
	}
	return impl.(Notifier), nil
}

// Names returns the registered names for a slot, sorted.
func (r *Registry) Names(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins[slot]))
	for name := range r.plugins[slot] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(slot Slot, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	impl, ok := r.plugins[slot][name]
	if !ok {
		return nil, fmt.Errorf("%s plugin %q: %w", slot, name, ErrPluginUnavailable)
	}
	return impl, nil
}

func checkSlot(slot Slot, impl any) error {
	var ok bool
	switch slot {
	case SlotRuntime:
		_, ok = impl.(Runtime)
	case SlotAgent:
		_, ok = impl.(Agent)
	case SlotWorkspace:
		_, ok = impl.(Workspace)
	case SlotTracker:
		_, ok = impl.(Tracker)
	case SlotSCM:
		_, ok = impl.(SCM)
	case SlotNotifier:
		_, ok = impl.(Notifier)
	default:
		return fmt.Errorf("unknown plugin slot %q", slot)
	}
	if !ok {
		return fmt.Errorf("implementation does not satisfy the %s interface", slot)
	}
	return nil
}
