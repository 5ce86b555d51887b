package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/ruuvistreams/errors"
)

// managed tracks a component and its lifecycle state
type managed struct {
	component LifecycleComponent
	state     State
	lastError error
}

// Manager starts components in registration order and stops them in reverse.
type Manager struct {
	mu         sync.Mutex
	components []*managed
	logger     *slog.Logger
}

// NewManager creates an empty manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "component-manager")
	}
	return &Manager{logger: logger}
}

// Add registers a component. Components must be added before StartAll.
func (m *Manager) Add(c LifecycleComponent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, &managed{component: c, state: StateCreated})
}

// StartAll initializes and starts every component. On failure the components
// already started are stopped again and the error is returned.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mc := range m.components {
		name := mc.component.Meta().Name

		if err := mc.component.Initialize(); err != nil {
			mc.state, mc.lastError = StateFailed, err
			m.stopLocked(i-1, stopTimeout)
			return errors.Wrap(err, "Manager", "StartAll", fmt.Sprintf("initialize %s", name))
		}
		mc.state = StateInitialized

		if err := mc.component.Start(ctx); err != nil {
			mc.state, mc.lastError = StateFailed, err
			m.stopLocked(i-1, stopTimeout)
			return errors.Wrap(err, "Manager", "StartAll", fmt.Sprintf("start %s", name))
		}
		mc.state = StateStarted
		m.logger.Info("Component started", "name", name, "type", mc.component.Meta().Type)
	}
	return nil
}

// StopAll stops started components in reverse order. Each component gets
// the full timeout. The first stop error is returned.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(len(m.components)-1, timeout)
}

func (m *Manager) stopLocked(from int, timeout time.Duration) error {
	var firstErr error
	for i := from; i >= 0; i-- {
		mc := m.components[i]
		if mc.state != StateStarted {
			continue
		}
		name := mc.component.Meta().Name
		if err := mc.component.Stop(timeout); err != nil {
			mc.state, mc.lastError = StateFailed, err
			m.logger.Error("Component stop failed", "name", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mc.state = StateStopped
		m.logger.Info("Component stopped", "name", name)
	}
	return firstErr
}

// States returns the lifecycle state of every component by name
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]State, len(m.components))
	for _, mc := range m.components {
		states[mc.component.Meta().Name] = mc.state
	}
	return states
}

// Components returns the registered components in start order
func (m *Manager) Components() []Discoverable {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Discoverable, 0, len(m.components))
	for _, mc := range m.components {
		out = append(out, mc.component)
	}
	return out
}
