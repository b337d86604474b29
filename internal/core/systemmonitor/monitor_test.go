package systemmonitor

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockSampler struct {
	mock.Mock
}

func (m *mockSampler) Sample(ctx context.Context) (*Sample, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*Sample)
	return s, args.Error(1)
}

func newHub(t *testing.T) *hub.Hub {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := loop.NewManualClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))
	h := hub.New(loop.New(loop.WithClock(clock), loop.WithLogger(logger)), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

var sample = &Sample{
	CPUPercent:    12.345,
	MemoryPercent: 40,
	MemoryUsed:    4 << 30,
	MemoryTotal:   10 << 30,
	DiskPercent:   95.5,
	DiskFree:      1 << 30,
	DiskPath:      "/data",
	Load1:         0.5,
	Uptime:        90 * time.Minute,
}

func TestMonitor_Update(t *testing.T) {
	h := newHub(t)
	sampler := &mockSampler{}
	sampler.On("Sample", mock.Anything).Return(sample, nil)
	collector := metrics.NewPrometheusCollector(&metrics.MetricsConfig{Enabled: true, Prefix: "test"})

	m := New(h, config.SystemMonitorConfig{}, nil, WithSampler(sampler), WithMetrics(collector))
	require.NoError(t, m.Update(context.Background()))

	cpu := h.States.Get(EntityCPU)
	require.NotNil(t, cpu)
	assert.Equal(t, "12.3", cpu.State)
	assert.Equal(t, "%", cpu.Attributes["unit_of_measurement"])

	disk := h.States.Get(EntityDisk)
	require.NotNil(t, disk)
	assert.Equal(t, "95.5", disk.State)
	assert.Equal(t, "/data", disk.Attributes["path"])

	assert.Equal(t, "0.50", h.States.Get(EntityLoad).State)
	assert.Equal(t, "5400", h.States.Get(EntityUptime).State)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "test_system_disk_usage_percent 95.5")

	health := m.HealthCheck()
	assert.True(t, health.IsDegraded())
	assert.Equal(t, 95.5, health.Details["disk_percent"])
}

func TestMonitor_SampleFailure(t *testing.T) {
	h := newHub(t)
	sampler := &mockSampler{}
	sampler.On("Sample", mock.Anything).Return(sample, nil).Once()
	sampler.On("Sample", mock.Anything).Return(nil, errors.New("permission denied")).Once()

	m := New(h, config.SystemMonitorConfig{}, nil, WithSampler(sampler))
	require.NoError(t, m.Update(context.Background()))
	assert.EqualError(t, m.Update(context.Background()), "permission denied")

	for _, id := range []string{EntityCPU, EntityMemory, EntityDisk, EntityLoad, EntityUptime} {
		s := h.States.Get(id)
		require.NotNil(t, s, id)
		assert.Equal(t, states.StateUnavailable, s.State, id)
	}
	assert.Same(t, sample, m.Last(), "the last good sample is kept")
}

func TestMonitor_StartStop(t *testing.T) {
	h := newHub(t)
	sampler := &mockSampler{}
	sampler.On("Sample", mock.Anything).Return(sample, nil)

	m := New(h, config.SystemMonitorConfig{Schedule: "@every 1h"}, nil, WithSampler(sampler))
	assert.Equal(t, "degraded", m.HealthCheck().Status)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	sampler.AssertNumberOfCalls(t, "Sample", 1)
	assert.NotNil(t, h.States.Get(EntityMemory))

	m.Stop()
	m.Stop()
}

func TestMonitor_InvalidSchedule(t *testing.T) {
	h := newHub(t)
	sampler := &mockSampler{}

	m := New(h, config.SystemMonitorConfig{Schedule: "every now and then"}, nil, WithSampler(sampler))
	assert.Error(t, m.Start(context.Background()))
	sampler.AssertNotCalled(t, "Sample", mock.Anything)
}
