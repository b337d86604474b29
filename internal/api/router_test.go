package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/api/handlers"
	"github.com/frostdev-ops/pma-hub/internal/api/middleware"
	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/metrics"
	"github.com/frostdev-ops/pma-hub/internal/core/recorder"
	"github.com/frostdev-ops/pma-hub/internal/core/templatesensor"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type testServer struct {
	t      *testing.T
	core   *hub.Hub
	router *gin.Engine
	h      *handlers.Handlers
	health *metrics.DefaultHealthChecker
	token  string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Metrics.Prefix = "test"
	if mutate != nil {
		mutate(cfg)
	}

	clock := loop.NewManualClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))
	core := hub.New(loop.New(loop.WithClock(clock), loop.WithLogger(logger)), logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	collector := metrics.NewPrometheusCollector(&metrics.MetricsConfig{Enabled: true, Prefix: "test"})
	health := metrics.NewDefaultHealthChecker()
	health.SetEventLoopChecker(metrics.EventLoopCheck(core.Loop, time.Second))
	ok := func() metrics.HealthStatus { return metrics.NewHealthStatus("healthy", "ok") }
	health.SetDatabaseChecker(ok)
	health.SetSystemResourceChecker(ok)

	sensors := templatesensor.NewManager(core, nil, logger)
	router, h := NewRouter(RouterDeps{
		Deps: handlers.Deps{
			Config:   cfg,
			Core:     core,
			Sensors:  sensors,
			Recorder: recorder.New(core, nil, cfg.Recorder, logger),
			Metrics:  collector,
			Health:   health,
			Logger:   logger,
		},
		MetricsHandler: collector.Handler(),
	})

	t.Cleanup(func() {
		_ = sensors.Close(context.Background())
		cancel()
		<-done
	})

	token, err := middleware.IssueToken(cfg.Auth.JWTSecret, "tester", time.Hour)
	require.NoError(t, err)
	return &testServer{t: t, core: core, router: router, h: h, health: health, token: token}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["components"], "event_loop")

	s.health.RegisterCustomCheck("mqtt", func() metrics.HealthStatus {
		return metrics.NewHealthStatus("unhealthy", "broker unreachable")
	})
	w = s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestStates(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/states/light.kitchen", map[string]interface{}{
		"state":      "on",
		"attributes": map[string]interface{}{"brightness": 200},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "on", decode(t, w)["data"].(map[string]interface{})["state"])

	w = s.do(http.MethodPost, "/api/v1/states/light.kitchen", map[string]interface{}{"state": "off"})
	assert.Equal(t, http.StatusOK, w.Code)

	s.do(http.MethodPost, "/api/v1/states/switch.fan", map[string]interface{}{"state": "on"})

	w = s.do(http.MethodGet, "/api/v1/states?domain=light", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["meta"].(map[string]interface{})["count"])

	w = s.do(http.MethodGet, "/api/v1/states/light.kitchen", nil)
	assert.Equal(t, "off", decode(t, w)["data"].(map[string]interface{})["state"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/states/light.kitchen", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/states/light.kitchen", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/states/light.kitchen", nil).Code)
}

func TestStates_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"bad entity id", "/api/v1/states/Kitchen", map[string]interface{}{"state": "on"}},
		{"missing state", "/api/v1/states/light.kitchen", map[string]interface{}{}},
		{"not json", "/api/v1/states/light.kitchen", []byte("{")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, false, decode(t, w)["success"])
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.core.States.Set("sensor.a", "3", nil, false)
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/api/v1/template", map[string]interface{}{
		"template":  "{{ states('sensor.a') | int * factor }}",
		"variables": map[string]interface{}{"factor": 2},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(6), data["result"])
	assert.Equal(t, []interface{}{"sensor.a"}, data["listeners"].(map[string]interface{})["entities"])
	assert.Equal(t, float64(0), data["rate_limit"])

	w = s.do(http.MethodPost, "/api/v1/template", map[string]interface{}{"template": "{{ states | count }}"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["listeners"].(map[string]interface{})["all"])
	assert.Equal(t, float64(60), data["rate_limit"])

	w = s.do(http.MethodPost, "/api/v1/template", map[string]interface{}{"template": "{{ 1 / 0 }}"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ZeroDivisionError", decode(t, w)["kind"])
}

func TestTemplateSensors(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.core.States.Set("sensor.a", "20", nil, false)
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/api/v1/template-sensors", map[string]interface{}{
		"unique_id": "double_a",
		"state":     "{{ states('sensor.a') | int * 2 }}",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "sensor.double_a", decode(t, w)["data"].(map[string]interface{})["entity_id"])

	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/v1/template-sensors", map[string]interface{}{
		"unique_id": "double_a",
		"state":     "{{ 1 }}",
	}).Code)

	w = s.do(http.MethodGet, "/api/v1/template-sensors/double_a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)["data"].(map[string]interface{})["state"].(map[string]interface{})
	assert.Equal(t, "40", state["state"])

	w = s.do(http.MethodGet, "/api/v1/template-sensors", nil)
	assert.Equal(t, float64(1), decode(t, w)["meta"].(map[string]interface{})["count"])

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/template-sensors/double_a", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/template-sensors/double_a", nil).Code)
	assert.Nil(t, s.core.States.Get("sensor.double_a"))
}

func TestTrackingStats(t *testing.T) {
	s := newTestServer(t, nil)
	s.h.RegisterStats("mqtt", func() interface{} { return map[string]int{"published": 3} })

	w := s.do(http.MethodGet, "/api/v1/tracking/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Contains(t, data, "tracking")
	assert.Contains(t, data, "recorder")
	assert.Equal(t, float64(3), data["mqtt"].(map[string]interface{})["published"])
}

func TestSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.core.States.Set("sensor.a", "1", map[string]interface{}{"unit": "W"}, false)
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zstd", w.Header().Get("Content-Type"))
	assert.Equal(t, "1", w.Header().Get("X-State-Count"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "states-20260314-150926.json.zst")
	snapshot := w.Body.Bytes()

	require.True(t, s.core.States.Remove("sensor.a"))
	w = s.do(http.MethodPost, "/api/v1/snapshot", snapshot)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["data"].(map[string]interface{})["imported"])
	assert.Equal(t, "W", s.core.States.Get("sensor.a").Attributes["unit"])

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/snapshot", []byte("garbage")).Code)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Auth.Enabled = true })

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/states", nil).Code)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/states", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	other, err := middleware.IssueToken("other-secret", "tester", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/states?access_token="+other, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/states?access_token="+s.token, nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays public
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundAndMethods(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	details := decode(t, w)["details"].(map[string]interface{})
	assert.Contains(t, details["suggestions"], "/api/v1/states")

	w = s.do(http.MethodPut, "/api/v1/template", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodGet, "/api/v1/states", nil)

	w := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `path="/api/v1/states"`)
}

func TestRecovery(t *testing.T) {
	s := newTestServer(t, nil)
	s.router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := s.do(http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}
