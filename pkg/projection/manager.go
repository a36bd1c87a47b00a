package projection

import (
	"context"
	"fmt"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/runner"
)

// Manager bundles the workers of all registered projections behind one
// operational surface: triggering, status, reset and failure resolution.
type Manager struct {
	workers map[string]*Worker
	order   []string
	states  StateStore
	failed  FailedEventStore
}

// NewManager creates an empty manager backed by the shared bookkeeping
// stores.
func NewManager(states StateStore, failed FailedEventStore) *Manager {
	return &Manager{
		workers: map[string]*Worker{},
		states:  states,
		failed:  failed,
	}
}

// Register adds a worker. It panics on duplicate projection names, which
// indicates a wiring bug.
func (m *Manager) Register(w *Worker) {
	name := w.projection.Name()
	if _, ok := m.workers[name]; ok {
		panic(fmt.Sprintf("projection %q registered twice", name))
	}
	m.workers[name] = w
	m.order = append(m.order, name)
}

// Services returns the workers in registration order for the runner.
func (m *Manager) Services() []runner.Service {
	services := make([]runner.Service, 0, len(m.order))
	for _, name := range m.order {
		services = append(services, m.workers[name])
	}
	return services
}

// Trigger wakes every worker for the given instance. Wired to the append
// notifier so projections catch up without waiting for the next tick.
func (m *Manager) Trigger(instanceID string) {
	for _, name := range m.order {
		m.workers[name].Trigger(instanceID)
	}
}

// Status returns the operational state of one (projection, instance).
func (m *Manager) Status(ctx context.Context, projectionName, instanceID string) (*State, error) {
	if _, ok := m.workers[projectionName]; !ok {
		return nil, fmt.Errorf("unknown projection %q: %w", projectionName, domain.ErrNotFound)
	}
	return m.states.Get(ctx, projectionName, instanceID)
}

// FailedEvents lists the pending failure records of one (projection,
// instance) for operator inspection.
func (m *Manager) FailedEvents(ctx context.Context, projectionName, instanceID string) ([]*FailedEvent, error) {
	if _, ok := m.workers[projectionName]; !ok {
		return nil, fmt.Errorf("unknown projection %q: %w", projectionName, domain.ErrNotFound)
	}
	return m.failed.List(ctx, projectionName, instanceID)
}

// Reset wipes and rebuilds one (projection, instance) by replay.
func (m *Manager) Reset(ctx context.Context, projectionName, instanceID string) error {
	w, ok := m.workers[projectionName]
	if !ok {
		return fmt.Errorf("unknown projection %q: %w", projectionName, domain.ErrNotFound)
	}
	if err := w.Reset(ctx, instanceID); err != nil {
		return err
	}
	w.Trigger(instanceID)
	return nil
}

// Resolve applies the operator decision on a quarantined event.
func (m *Manager) Resolve(ctx context.Context, projectionName, instanceID string, p domain.Position, action ResolveAction) error {
	w, ok := m.workers[projectionName]
	if !ok {
		return fmt.Errorf("unknown projection %q: %w", projectionName, domain.ErrNotFound)
	}
	return w.ResolveFailedEvent(ctx, instanceID, p, action)
}
