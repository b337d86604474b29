package handlers

import (
	"sync"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/recorder"
	"github.com/frostdev-ops/pma-hub/internal/core/templatesensor"
	"github.com/sirupsen/logrus"
)

// Deps are the services the handlers serve. Sensors, Recorder, Metrics and
// Health are optional.
type Deps struct {
	Config   *config.Config
	Core     *hub.Hub
	Sensors  *templatesensor.Manager
	Recorder *recorder.Recorder
	Metrics  metrics.MetricsCollector
	Health   metrics.HealthChecker
	Logger   *logrus.Logger
}

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg      *config.Config
	core     *hub.Hub
	sensors  *templatesensor.Manager
	recorder *recorder.Recorder
	metrics  metrics.MetricsCollector
	health   metrics.HealthChecker
	log      *logrus.Logger

	statsMu sync.RWMutex
	stats   map[string]func() interface{}
}

// NewHandlers creates a new handlers instance
func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = d.Core.Logger
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		cfg:      cfg,
		core:     d.Core,
		sensors:  d.Sensors,
		recorder: d.Recorder,
		metrics:  d.Metrics,
		health:   d.Health,
		log:      logger,
		stats:    make(map[string]func() interface{}),
	}
}

// RegisterStats adds a section to the tracking stats response. Services
// created after the router, such as the MQTT bridge, register themselves
// here.
func (h *Handlers) RegisterStats(name string, fn func() interface{}) {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	h.stats[name] = fn
}
