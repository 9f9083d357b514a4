// Package health aggregates component health checks and serves them over
// HTTP next to the metrics endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one component or of the whole system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// Healthy builds a healthy status.
func Healthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Degraded builds a degraded status: running, but impaired.
func Degraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Unhealthy builds an unhealthy status.
func Unhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StatusHealthy }

// Check produces a component's current health.
type Check func() Status

// Monitor aggregates named health checks. The zero value is not usable;
// call NewMonitor.
type Monitor struct {
	component string

	mu     sync.Mutex
	checks map[string]Check
}

// NewMonitor builds a monitor reporting under the given component name.
func NewMonitor(component string) *Monitor {
	return &Monitor{component: component, checks: make(map[string]Check)}
}

// Register adds or replaces a named check.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Unregister removes a named check.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	delete(m.checks, name)
	m.mu.Unlock()
}

// Status runs every check and folds the results: unhealthy dominates,
// then degraded, then healthy.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = m.checks[name]
	}
	m.mu.Unlock()

	overall := Healthy(m.component, "")
	for _, check := range checks {
		sub := check()
		overall.SubStatuses = append(overall.SubStatuses, sub)
		switch sub.Status {
		case StatusUnhealthy:
			overall.Status = StatusUnhealthy
			overall.Healthy = false
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
				overall.Healthy = false
			}
		}
	}
	return overall
}

// Handler serves the aggregate status as JSON, with 503 when unhealthy.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Status()
		w.Header().Set("Content-Type", "application/json")
		if status.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
