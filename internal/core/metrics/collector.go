package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting hub metrics. It
// includes the tracking engine hooks, so a collector can be passed to
// track.WithMetrics directly.
type MetricsCollector interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
	RecordWebSocketConnection(action string)
	RecordDatabaseQuery(operation string, duration time.Duration)
	RecordMQTTMessage(direction string)
	RecordStateChange(domain string)
	RecordSystemResource(cpu, memory, disk float64)

	ObserveRender(d time.Duration, failed bool)
	RateLimited()
	Delivered(updates int)
	TrackerStarted()
	TrackerStopped()

	TrackingStats() TrackingStats
}

// MetricsConfig contains configuration for metrics collection
type MetricsConfig struct {
	Enabled bool
	Prefix  string
}

// TrackingStats is a snapshot of the template tracking counters.
type TrackingStats struct {
	Renders        uint64 `json:"renders"`
	RenderErrors   uint64 `json:"render_errors"`
	RateLimited    uint64 `json:"rate_limited"`
	Delivered      uint64 `json:"updates_delivered"`
	ActiveTrackers int64  `json:"active_trackers"`
}
