package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/adapters/discovery"
	"github.com/frostdev-ops/pma-hub/internal/adapters/mqtt"
	"github.com/frostdev-ops/pma-hub/internal/api"
	"github.com/frostdev-ops/pma-hub/internal/api/handlers"
	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/recorder"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/systemmonitor"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/core/templatesensor"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
	"github.com/frostdev-ops/pma-hub/internal/database"
	"github.com/frostdev-ops/pma-hub/internal/websocket"
	"github.com/frostdev-ops/pma-hub/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// run wires every service and blocks until ctx ends or a service fails.
func run(ctx context.Context, cfg *config.Config, log *logger.BatchLogger) error {
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if cfg.Database.Migration.Enabled && cfg.Database.Migration.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return err
		}
	}
	repos := database.NewRepositories(db)

	core := hub.New(loop.New(loop.WithLogger(log.Logger)), log.Logger)

	var collector *metrics.PrometheusCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(&metrics.MetricsConfig{Enabled: true, Prefix: cfg.Metrics.Prefix})
	}

	trackOpts, err := trackOptions(cfg, collector, log.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// The loop and the writers outlive gctx so shutdown can still use them.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	g.Go(func() error {
		if err := core.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event loop stopped: %w", err)
		}
		return nil
	})

	if collector != nil {
		core.TrackAllStates(func(e bus.Event) {
			if data, ok := e.Data.(states.ChangedData); ok {
				domain, _ := states.SplitEntityID(data.EntityID)
				collector.RecordStateChange(domain)
			}
		})
	}

	// Recorder
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec = recorder.New(core, repos.States, cfg.Recorder, log.Logger)
		if cfg.Recorder.RestoreOnStart {
			if _, err := rec.Restore(gctx); err != nil {
				log.WithError(err).Warn("Failed to restore states")
			}
		}
		rec.Start()
		g.Go(func() error { return rec.Run(bgCtx) })
	}

	// Template sensors
	sensors := templatesensor.NewManager(core, repos.TemplateSensors, log.Logger, trackOpts...)
	defs := make([]templatesensor.Definition, 0, len(cfg.TemplateSensors))
	for _, c := range cfg.TemplateSensors {
		defs = append(defs, templatesensor.FromConfig(c))
	}
	if cfg.TemplateSensorsFile != "" {
		fromFile, err := templatesensor.LoadFile(cfg.TemplateSensorsFile)
		if err != nil {
			return err
		}
		defs = append(defs, fromFile...)
	}
	started, err := sensors.Load(gctx, defs)
	if err != nil {
		return err
	}
	log.WithField("count", started).Info("Template sensors started")

	// Health
	health := metrics.NewDefaultHealthChecker()
	health.SetDatabaseChecker(func() metrics.HealthStatus {
		if err := database.Ping(db); err != nil {
			return metrics.NewHealthStatus(metrics.StatusUnhealthy, err.Error())
		}
		return metrics.NewHealthStatus(metrics.StatusHealthy, "Database responding")
	})
	health.SetEventLoopChecker(metrics.EventLoopCheck(core.Loop, 2*time.Second))

	// System monitor
	var monitor *systemmonitor.Monitor
	if cfg.SystemMonitor.Enabled {
		var opts []systemmonitor.Option
		if collector != nil {
			opts = append(opts, systemmonitor.WithMetrics(collector))
		}
		monitor = systemmonitor.New(core, cfg.SystemMonitor, log.Logger, opts...)
		if err := monitor.Start(gctx); err != nil {
			return err
		}
		health.SetSystemResourceChecker(monitor.HealthCheck)
	}

	// WebSocket
	wsOpts := []websocket.HubOption{
		websocket.WithConfig(cfg.WebSocket),
		websocket.WithTrackOptions(trackOpts...),
		websocket.WithAllowedOrigins(cfg.Security.AllowedOrigins),
	}
	if collector != nil {
		wsOpts = append(wsOpts, websocket.WithMetrics(collector))
	}
	wsHub := websocket.NewHub(core, log.Logger, wsOpts...)

	// HTTP
	deps := api.RouterDeps{
		Deps: handlers.Deps{
			Config:   cfg,
			Core:     core,
			Sensors:  sensors,
			Recorder: rec,
			Health:   health,
			Logger:   log.Logger,
		},
		RequestLogger: log,
		WebSocket:     wsHub,
	}
	if collector != nil {
		deps.Metrics = collector
		deps.MetricsHandler = collector.Handler()
	}
	router, h := api.NewRouter(deps)

	// MQTT
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(gctx, cfg.MQTT, log.Logger)
		if err != nil {
			return err
		}
		defer client.Close()

		var opts []mqtt.Option
		if collector != nil {
			opts = append(opts, mqtt.WithMetrics(collector))
		}
		bridge = mqtt.NewBridge(core, cfg.MQTT, client, log.Logger, opts...)
		if err := bridge.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error { return bridge.Run(bgCtx) })

		h.RegisterStats("mqtt", func() interface{} { return bridge.Stats() })
		health.SetAdapterChecker(func() map[string]metrics.HealthStatus {
			if client.IsConnected() {
				return map[string]metrics.HealthStatus{"mqtt": metrics.NewHealthStatus(metrics.StatusHealthy, "Connected to broker")}
			}
			return map[string]metrics.HealthStatus{"mqtt": metrics.NewHealthStatus(metrics.StatusDegraded, "Reconnecting to broker")}
		})
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	// Discovery
	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(cfg.Discovery, cfg.Server.Port, log.Logger)
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer adv.Shutdown()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server forced to shut down")
		}
		wsHub.Close()
		if monitor != nil {
			monitor.Stop()
		}
		if bridge != nil {
			bridge.Stop()
		}
		if err := sensors.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to stop template sensors")
		}
		if rec != nil {
			if err := core.Loop.Call(shutdownCtx, rec.Stop); err != nil {
				log.WithError(err).Warn("Failed to stop recorder")
			}
			if err := rec.Flush(shutdownCtx); err != nil {
				log.WithError(err).Error("Failed to flush recorder")
			}
		}
		log.FlushPending()
		stopBackground()
		return nil
	})

	return g.Wait()
}

// trackOptions builds the tracker options shared by template sensors and
// websocket subscriptions.
func trackOptions(cfg *config.Config, collector *metrics.PrometheusCollector, logger *logrus.Logger) ([]track.Option, error) {
	opts := []track.Option{
		track.WithLogger(logger),
		track.WithDefaults(template.RateLimits{
			AllStates:    cfg.Tracking.AllStatesRateLimit,
			DomainStates: cfg.Tracking.DomainStatesRateLimit,
		}),
	}
	if cfg.Tracking.TimePattern != "" {
		schedule, err := track.ParseSchedule(cfg.Tracking.TimePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tracking.time_pattern: %w", err)
		}
		opts = append(opts, track.WithTimePattern(schedule))
	}
	if cfg.Tracking.StrictTemplates {
		opts = append(opts, track.Strict())
	}
	if collector != nil {
		opts = append(opts, track.WithMetrics(collector))
	}
	return opts, nil
}
