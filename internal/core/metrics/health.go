package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/loop"
)

// Health states, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusUnknown   = "unknown"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var severity = map[string]int{
	StatusHealthy:   0,
	StatusUnknown:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     string                  `json:"status"`
	Message    string                  `json:"message"`
	Timestamp  time.Time               `json:"timestamp"`
	Duration   time.Duration           `json:"duration"`
	Components map[string]HealthStatus `json:"components"`
	SystemInfo map[string]interface{}  `json:"system_info"`
}

// HealthChecker produces health reports.
type HealthChecker interface {
	GetOverallHealth() HealthReport
	RegisterCustomCheck(name string, check func() HealthStatus)
}

// DefaultHealthChecker reports on the database, the event loop, system
// resources, adapters and any custom checks. Unset checks report unknown.
type DefaultHealthChecker struct {
	mu        sync.RWMutex
	database  func() HealthStatus
	eventLoop func() HealthStatus
	resources func() HealthStatus
	adapters  func() map[string]HealthStatus
	custom    map[string]func() HealthStatus
	startTime time.Time
}

// NewDefaultHealthChecker creates a new health checker
func NewDefaultHealthChecker() *DefaultHealthChecker {
	return &DefaultHealthChecker{
		custom:    make(map[string]func() HealthStatus),
		startTime: time.Now(),
	}
}

func (h *DefaultHealthChecker) SetDatabaseChecker(check func() HealthStatus) {
	h.mu.Lock()
	h.database = check
	h.mu.Unlock()
}

func (h *DefaultHealthChecker) SetEventLoopChecker(check func() HealthStatus) {
	h.mu.Lock()
	h.eventLoop = check
	h.mu.Unlock()
}

func (h *DefaultHealthChecker) SetSystemResourceChecker(check func() HealthStatus) {
	h.mu.Lock()
	h.resources = check
	h.mu.Unlock()
}

// SetAdapterChecker installs a check returning one status per adapter.
func (h *DefaultHealthChecker) SetAdapterChecker(check func() map[string]HealthStatus) {
	h.mu.Lock()
	h.adapters = check
	h.mu.Unlock()
}

// RegisterCustomCheck adds a check reported as custom_<name>.
func (h *DefaultHealthChecker) RegisterCustomCheck(name string, check func() HealthStatus) {
	h.mu.Lock()
	h.custom[name] = check
	h.mu.Unlock()
}

// CheckDatabase runs the database check alone.
func (h *DefaultHealthChecker) CheckDatabase() HealthStatus {
	h.mu.RLock()
	check := h.database
	h.mu.RUnlock()
	return timed("Database", check)
}

// GetOverallHealth runs every check. The overall status is the worst
// component status.
func (h *DefaultHealthChecker) GetOverallHealth() HealthReport {
	start := time.Now()

	h.mu.RLock()
	fixed := map[string]struct {
		label string
		check func() HealthStatus
	}{
		"database":         {"Database", h.database},
		"event_loop":       {"Event loop", h.eventLoop},
		"system_resources": {"System resource", h.resources},
	}
	adapters := h.adapters
	custom := make(map[string]func() HealthStatus, len(h.custom))
	for name, check := range h.custom {
		custom[name] = check
	}
	h.mu.RUnlock()

	components := make(map[string]HealthStatus)
	for name, c := range fixed {
		components[name] = timed(c.label, c.check)
	}
	if adapters != nil {
		for name, status := range adapters() {
			components["adapter_"+name] = status
		}
	}
	for name, check := range custom {
		components["custom_"+name] = timed(name, check)
	}

	status, message := summarize(components)
	return HealthReport{
		Status:     status,
		Message:    message,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		Components: components,
		SystemInfo: map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"uptime":     time.Since(h.startTime).String(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

func timed(label string, check func() HealthStatus) HealthStatus {
	if check == nil {
		return HealthStatus{
			Status:    StatusUnknown,
			Message:   label + " health checker not configured",
			Timestamp: time.Now(),
		}
	}
	start := time.Now()
	status := check()
	status.Duration = time.Since(start)
	return status
}

// summarize picks the worst status and counts the components sharing it.
func summarize(components map[string]HealthStatus) (string, string) {
	worst := StatusHealthy
	counts := make(map[string]int)
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := components[name].Status
		if _, known := severity[status]; !known {
			status = StatusUnknown
		}
		counts[status]++
		if severity[status] > severity[worst] {
			worst = status
		}
	}

	if worst == StatusHealthy {
		return worst, fmt.Sprintf("All %d components healthy", len(components))
	}
	return worst, fmt.Sprintf("%d/%d components %s", counts[worst], len(components), worst)
}

// NewHealthStatus creates a new health status
func NewHealthStatus(status, message string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// WithDetails returns a copy of h with details merged in.
func (h HealthStatus) WithDetails(details map[string]interface{}) HealthStatus {
	merged := make(map[string]interface{}, len(h.Details)+len(details))
	for k, v := range h.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	h.Details = merged
	return h
}

// WithDetail returns a copy of h with one more detail.
func (h HealthStatus) WithDetail(key string, value interface{}) HealthStatus {
	return h.WithDetails(map[string]interface{}{key: value})
}

func (h HealthStatus) IsHealthy() bool   { return h.Status == StatusHealthy }
func (h HealthStatus) IsDegraded() bool  { return h.Status == StatusDegraded }
func (h HealthStatus) IsUnhealthy() bool { return h.Status == StatusUnhealthy }

// HealthCheckWithTimeout runs check and reports unhealthy if it has not
// returned within timeout. A late check keeps running in the background.
func HealthCheckWithTimeout(ctx context.Context, timeout time.Duration, check func() HealthStatus) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan HealthStatus, 1)
	go func() { result <- check() }()

	select {
	case status := <-result:
		return status
	case <-ctx.Done():
		return NewHealthStatus(StatusUnhealthy, "Health check timed out").
			WithDetail("timeout", timeout.String())
	}
}

// EventLoopCheck reports the loop unhealthy when it does not run a no-op
// callback within timeout.
func EventLoopCheck(l *loop.Loop, timeout time.Duration) func() HealthStatus {
	return func() HealthStatus {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := l.Call(ctx, func() {}); err != nil {
			return NewHealthStatus(StatusUnhealthy, "Event loop not responding").
				WithDetail("error", err.Error())
		}
		return NewHealthStatus(StatusHealthy, "Event loop responding").
			WithDetails(map[string]interface{}{
				"latency":        time.Since(start).String(),
				"pending_timers": l.PendingTimers(),
			})
	}
}
