package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/c360/ruuvistreams/component"
)

// CheckFunc reports the current status of one component
type CheckFunc func() Status

// Monitor evaluates registered checks on demand. Checks are evaluated at
// request time so /health always reflects the live components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check for name
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// RegisterComponent registers a check backed by c.Health()
func (m *Monitor) RegisterComponent(c component.Discoverable) {
	name := c.Meta().Name
	m.Register(name, func() Status {
		return FromComponentHealth(name, c.Health())
	})
}

// Count returns the number of checks
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checks)
}

// Check runs every check and aggregates the results, sorted by component name
func (m *Monitor) Check(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(names)
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		s := checks[name]()
		s.Component = name
		subStatuses = append(subStatuses, s)
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregated status as JSON. Unhealthy systems answer 503,
// degraded ones still answer 200.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Check(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
