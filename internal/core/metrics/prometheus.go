package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements MetricsCollector using Prometheus metrics
type PrometheusCollector struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
	websocketMessages    *prometheus.CounterVec

	// Database Metrics
	databaseQueryDuration *prometheus.HistogramVec

	// MQTT Metrics
	mqttMessages *prometheus.CounterVec

	// State Metrics
	stateChanges *prometheus.CounterVec

	// Template tracking metrics
	templateRenders        *prometheus.CounterVec
	templateRenderDuration prometheus.Histogram
	templateRateLimited    prometheus.Counter
	templateUpdates        prometheus.Counter
	templateTrackers       prometheus.Gauge

	// System Metrics
	systemCPU    prometheus.Gauge
	systemMemory prometheus.Gauge
	systemDisk   prometheus.Gauge

	renders, renderErrors, rateLimited, delivered atomic.Uint64
	trackers                                      atomic.Int64
}

// NewPrometheusCollector creates a collector registering on its own
// registry, together with the Go runtime and process collectors.
func NewPrometheusCollector(config *MetricsConfig) *PrometheusCollector {
	if config == nil {
		config = &MetricsConfig{
			Enabled: true,
			Prefix:  "pma",
		}
	}

	prefix := config.Prefix
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	collector := &PrometheusCollector{
		config:   config,
		registry: reg,
	}

	// Initialize HTTP metrics
	collector.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	collector.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Initialize WebSocket metrics
	collector.websocketConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	collector.websocketMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"},
	)

	// Initialize Database metrics
	collector.databaseQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	collector.mqttMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_mqtt_messages_total",
			Help: "Total number of MQTT messages",
		},
		[]string{"direction"},
	)

	collector.stateChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_state_changes_total",
			Help: "Total number of state_changed events by domain",
		},
		[]string{"domain"},
	)

	// Initialize template tracking metrics
	collector.templateRenders = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_template_renders_total",
			Help: "Total number of tracked template renders",
		},
		[]string{"result"},
	)

	collector.templateRenderDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_template_render_duration_seconds",
			Help:    "Tracked template render duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	collector.templateRateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_template_rate_limited_total",
			Help: "Total number of renders deferred by a rate limit",
		},
	)

	collector.templateUpdates = factory.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_template_updates_delivered_total",
			Help: "Total number of changed template results delivered to listeners",
		},
	)

	collector.templateTrackers = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_template_trackers",
			Help: "Number of active template trackers",
		},
	)

	// Initialize System metrics
	collector.systemCPU = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_system_cpu_usage_percent",
			Help: "System CPU usage percentage",
		},
	)

	collector.systemMemory = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_system_memory_usage_percent",
			Help: "System memory usage percentage",
		},
	)

	collector.systemDisk = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_system_disk_usage_percent",
			Help: "System disk usage percentage",
		},
	)

	return collector
}

// Registry returns the registry the collector's metrics live in.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// RecordHTTPRequest records HTTP request metrics
func (p *PrometheusCollector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if !p.config.Enabled {
		return
	}

	p.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWebSocketConnection records WebSocket connection metrics
func (p *PrometheusCollector) RecordWebSocketConnection(action string) {
	if !p.config.Enabled {
		return
	}

	switch action {
	case "connect":
		p.websocketConnections.Inc()
	case "disconnect":
		p.websocketConnections.Dec()
	case "message_sent":
		p.websocketMessages.WithLabelValues("outbound").Inc()
	case "message_received":
		p.websocketMessages.WithLabelValues("inbound").Inc()
	}
}

// RecordDatabaseQuery records database query metrics
func (p *PrometheusCollector) RecordDatabaseQuery(operation string, duration time.Duration) {
	if !p.config.Enabled {
		return
	}

	p.databaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMQTTMessage counts an MQTT message; direction is inbound or outbound.
func (p *PrometheusCollector) RecordMQTTMessage(direction string) {
	if !p.config.Enabled {
		return
	}

	p.mqttMessages.WithLabelValues(direction).Inc()
}

// RecordStateChange counts a state_changed event.
func (p *PrometheusCollector) RecordStateChange(domain string) {
	if !p.config.Enabled {
		return
	}

	p.stateChanges.WithLabelValues(domain).Inc()
}

// RecordSystemResource records system resource metrics
func (p *PrometheusCollector) RecordSystemResource(cpu, memory, disk float64) {
	if !p.config.Enabled {
		return
	}

	p.systemCPU.Set(cpu)
	p.systemMemory.Set(memory)
	p.systemDisk.Set(disk)
}

// ObserveRender records one tracked template render.
func (p *PrometheusCollector) ObserveRender(d time.Duration, failed bool) {
	p.renders.Add(1)
	if failed {
		p.renderErrors.Add(1)
	}
	if !p.config.Enabled {
		return
	}

	result := "ok"
	if failed {
		result = "error"
	}
	p.templateRenders.WithLabelValues(result).Inc()
	p.templateRenderDuration.Observe(d.Seconds())
}

// RateLimited records a render deferred by a rate limit.
func (p *PrometheusCollector) RateLimited() {
	p.rateLimited.Add(1)
	if p.config.Enabled {
		p.templateRateLimited.Inc()
	}
}

// Delivered records changed results handed to a listener.
func (p *PrometheusCollector) Delivered(updates int) {
	p.delivered.Add(uint64(updates))
	if p.config.Enabled {
		p.templateUpdates.Add(float64(updates))
	}
}

// TrackerStarted records a new tracker.
func (p *PrometheusCollector) TrackerStarted() {
	p.trackers.Add(1)
	if p.config.Enabled {
		p.templateTrackers.Inc()
	}
}

// TrackerStopped records a removed tracker.
func (p *PrometheusCollector) TrackerStopped() {
	p.trackers.Add(-1)
	if p.config.Enabled {
		p.templateTrackers.Dec()
	}
}

// TrackingStats returns the tracking counters. They are kept even when
// metrics export is disabled.
func (p *PrometheusCollector) TrackingStats() TrackingStats {
	return TrackingStats{
		Renders:        p.renders.Load(),
		RenderErrors:   p.renderErrors.Load(),
		RateLimited:    p.rateLimited.Load(),
		Delivered:      p.delivered.Load(),
		ActiveTrackers: p.trackers.Load(),
	}
}
