package health

import (
	"sort"
	"sync"
	"time"
)

// Checker produces a fresh status on demand.
type Checker interface {
	Health() Status
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func() Status

// Health implements Checker.
func (f CheckerFunc) Health() Status { return f() }

// Monitor tracks health of multiple components in a thread-safe manner.
// Components either push statuses with Update or register a Checker that is
// polled on every aggregation.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checkers map[string]Checker
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checkers: make(map[string]Checker),
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Register adds a checker polled by Get and AggregateHealth.
func (m *Monitor) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, hasChecker := m.checkers[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if hasChecker {
		s := c.Health()
		s.Component = name
		return s, true
	}
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checkers, name)
}

// AggregateHealth returns an aggregated health status, components sorted by
// name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses)+len(m.checkers))
	for name := range m.statuses {
		if _, ok := m.checkers[name]; !ok {
			names = append(names, name)
		}
	}
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subs = append(subs, s)
		}
	}
	return Aggregate(systemName, subs)
}
