// Package systemmonitor publishes host resource usage as sensor entities.
package systemmonitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Entity ids written by the monitor.
const (
	EntityCPU    = "sensor.system_cpu_percent"
	EntityMemory = "sensor.system_memory_percent"
	EntityDisk   = "sensor.system_disk_percent"
	EntityLoad   = "sensor.system_load_1m"
	EntityUptime = "sensor.system_uptime"
)

// Sample is one reading of host resources.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
	DiskPercent   float64
	DiskFree      uint64
	DiskPath      string
	Load1         float64
	Uptime        time.Duration
}

// Sampler reads host resources.
type Sampler interface {
	Sample(ctx context.Context) (*Sample, error)
}

type hostSampler struct {
	diskPath string
}

// NewHostSampler returns a Sampler backed by gopsutil. CPU usage is measured
// since the previous call, so the first sample reads zero.
func NewHostSampler(diskPath string) Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{diskPath: diskPath}
}

func (s *hostSampler) Sample(ctx context.Context) (*Sample, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	diskUsage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	sample := &Sample{
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsed:    memInfo.Used,
		MemoryTotal:   memInfo.Total,
		DiskPercent:   diskUsage.UsedPercent,
		DiskFree:      diskUsage.Free,
		DiskPath:      diskUsage.Path,
	}
	if len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}
	// load and uptime are not available everywhere
	if avg, err := load.AvgWithContext(ctx); err == nil {
		sample.Load1 = avg.Load1
	}
	if secs, err := host.UptimeWithContext(ctx); err == nil {
		sample.Uptime = time.Duration(secs) * time.Second
	}
	return sample, nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the gopsutil sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithMetrics reports every sample to the collector.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// Monitor samples host resources on a cron schedule and writes them into
// the state machine.
type Monitor struct {
	hub      *hub.Hub
	schedule string
	sampler  Sampler
	metrics  metrics.MetricsCollector
	logger   *logrus.Entry
	cron     *cron.Cron

	mu   sync.RWMutex
	last *Sample
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a monitor from its configuration.
func New(h *hub.Hub, cfg config.SystemMonitorConfig, logger *logrus.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = h.Logger
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	m := &Monitor{
		hub:      h,
		schedule: schedule,
		logger:   logger.WithField("component", "system_monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewHostSampler(cfg.DiskPath)
	}
	return m
}

// Start takes a first sample and schedules the rest.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cron != nil {
		return errors.New("system monitor already started")
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(m.schedule, func() {
		sampleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Update(sampleCtx); err != nil {
			m.logger.WithError(err).Warn("Failed to sample system resources")
		}
	}); err != nil {
		return fmt.Errorf("invalid system monitor schedule %q: %w", m.schedule, err)
	}

	if err := m.Update(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to sample system resources")
	}
	m.cron = c
	c.Start()
	m.logger.WithField("schedule", m.schedule).Info("System monitor started")
	return nil
}

// Stop cancels the schedule and waits for a running sample to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// Update takes one sample and writes the sensors. When sampling fails every
// sensor becomes unavailable.
func (m *Monitor) Update(ctx context.Context) error {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		for _, id := range []string{EntityCPU, EntityMemory, EntityDisk, EntityLoad, EntityUptime} {
			m.set(ctx, id, states.StateUnavailable, nil)
		}
		return err
	}

	m.mu.Lock()
	m.last = sample
	m.mu.Unlock()

	m.set(ctx, EntityCPU, formatFloat(sample.CPUPercent), percentAttrs("System CPU usage", nil))
	m.set(ctx, EntityMemory, formatFloat(sample.MemoryPercent), percentAttrs("System memory usage", map[string]interface{}{
		"used":  sample.MemoryUsed,
		"total": sample.MemoryTotal,
	}))
	m.set(ctx, EntityDisk, formatFloat(sample.DiskPercent), percentAttrs("System disk usage", map[string]interface{}{
		"path": sample.DiskPath,
		"free": sample.DiskFree,
	}))
	m.set(ctx, EntityLoad, strconv.FormatFloat(sample.Load1, 'f', 2, 64), map[string]interface{}{
		"friendly_name": "System load (1m)",
	})
	m.set(ctx, EntityUptime, strconv.FormatInt(int64(sample.Uptime/time.Second), 10), map[string]interface{}{
		"friendly_name":       "System uptime",
		"unit_of_measurement": "s",
	})

	if m.metrics != nil {
		m.metrics.RecordSystemResource(sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent)
	}
	return nil
}

// Last returns the most recent successful sample, or nil.
func (m *Monitor) Last() *Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// HealthCheck reports degraded above 90% memory or disk use.
func (m *Monitor) HealthCheck() metrics.HealthStatus {
	s := m.Last()
	if s == nil {
		return metrics.NewHealthStatus(metrics.StatusDegraded, "No system sample yet")
	}
	status := metrics.NewHealthStatus(metrics.StatusHealthy, "System resources normal")
	if s.MemoryPercent > 90 || s.DiskPercent > 90 {
		status = metrics.NewHealthStatus(metrics.StatusDegraded, "System resources under pressure")
	}
	return status.WithDetails(map[string]interface{}{
		"cpu_percent":    s.CPUPercent,
		"memory_percent": s.MemoryPercent,
		"disk_percent":   s.DiskPercent,
	})
}

func (m *Monitor) set(ctx context.Context, entityID, value string, attrs map[string]interface{}) {
	if _, err := m.hub.SetState(ctx, entityID, value, attrs, false); err != nil {
		m.logger.WithError(err).WithField("entity_id", entityID).Error("Failed to write system sensor")
	}
}

func percentAttrs(name string, extra map[string]interface{}) map[string]interface{} {
	attrs := map[string]interface{}{
		"friendly_name":       name,
		"unit_of_measurement": "%",
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
