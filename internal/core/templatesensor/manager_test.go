package templatesensor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/database/models"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t     *testing.T
	clock *loop.ManualClock
	hub   *hub.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := loop.NewManualClock(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := hub.New(loop.New(loop.WithClock(clock), loop.WithLogger(logger)), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, clock: clock, hub: h}
}

func (x *harness) set(entityID, state string) {
	x.t.Helper()
	_, err := x.hub.States.Set(entityID, state, nil, false)
	require.NoError(x.t, err)
	x.hub.Loop.BlockTillDone()
}

func (x *harness) state(entityID string) *states.State {
	x.hub.Loop.BlockTillDone()
	return x.hub.States.Get(entityID)
}

func (x *harness) manager(repo *memoryRepo) *Manager {
	var m *Manager
	if repo != nil {
		m = NewManager(x.hub, repo, nil)
	} else {
		m = NewManager(x.hub, nil, nil)
	}
	x.t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

type memoryRepo struct {
	mu        sync.Mutex
	sensors   map[string]*models.TemplateSensor
	deleteErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sensors: make(map[string]*models.TemplateSensor)}
}

func (r *memoryRepo) Create(_ context.Context, s *models.TemplateSensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sensors[s.ID]; ok {
		return apperrors.ErrConflict
	}
	r.sensors[s.ID] = s
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (*models.TemplateSensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sensors[id]; ok {
		return s, nil
	}
	return nil, apperrors.ErrNotFound
}

func (r *memoryRepo) GetAll(context.Context) ([]*models.TemplateSensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TemplateSensor
	for _, s := range r.sensors {
		out = append(out, s)
	}
	return out, nil
}

func (r *memoryRepo) Update(_ context.Context, s *models.TemplateSensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[s.ID] = s
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.sensors[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.sensors, id)
	return nil
}

func (r *memoryRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sensors)
}

func TestSensor_StateAndAttributes(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.t", "2")
	m := x.manager(nil)

	n, err := m.Load(context.Background(), []Definition{{
		UniqueID:   "mirror",
		Name:       "Mirror",
		State:      "{{ states('sensor.t') }}",
		Attributes: map[string]string{"double": "{{ states('sensor.t') | float * 2 }}"},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s := x.state("sensor.mirror")
	require.NotNil(t, s)
	assert.Equal(t, "2", s.State)
	assert.Equal(t, 4.0, s.Attributes["double"])
	assert.Equal(t, "Mirror", s.Attributes["friendly_name"])

	var (
		mu     sync.Mutex
		writes int
	)
	sub := x.hub.TrackEntities([]string{"sensor.mirror"}, func(bus.Event) {
		mu.Lock()
		writes++
		mu.Unlock()
	})
	defer sub.Cancel()

	x.set("sensor.t", "5")
	s = x.state("sensor.mirror")
	assert.Equal(t, "5", s.State)
	assert.Equal(t, 10.0, s.Attributes["double"])

	mu.Lock()
	assert.Equal(t, 1, writes, "both templates changed but the entity is written once")
	mu.Unlock()
}

func TestSensor_ErrorsBecomeUnknown(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.raw", "abc")
	m := x.manager(nil)

	_, err := m.Load(context.Background(), []Definition{{
		UniqueID:   "parsed",
		State:      "{{ states('sensor.raw') | float }}",
		Attributes: map[string]string{"raw": "{{ states('sensor.raw') }}", "bad": "{{ states('sensor.raw') | int }}"},
	}})
	require.NoError(t, err)

	s := x.state("sensor.parsed")
	require.NotNil(t, s)
	assert.Equal(t, states.StateUnknown, s.State)
	assert.Equal(t, "abc", s.Attributes["raw"])
	assert.NotContains(t, s.Attributes, "bad")

	x.set("sensor.raw", "2.5")
	s = x.state("sensor.parsed")
	assert.Equal(t, "2.5", s.State)
	assert.Equal(t, int64(2), s.Attributes["bad"])
}

func TestSensor_Availability(t *testing.T) {
	x := newHarness(t)
	x.set("switch.power", "off")
	x.set("sensor.load", "150")
	m := x.manager(nil)

	_, err := m.Load(context.Background(), []Definition{{
		UniqueID:     "load",
		EntityID:     "sensor.power_load",
		State:        "{{ states('sensor.load') }}",
		Availability: "{{ is_state('switch.power', 'on') }}",
	}})
	require.NoError(t, err)
	assert.Equal(t, states.StateUnavailable, x.state("sensor.power_load").State)

	x.set("switch.power", "on")
	assert.Equal(t, "150", x.state("sensor.power_load").State)

	x.set("sensor.load", "175")
	assert.Equal(t, "175", x.state("sensor.power_load").State)

	x.set("switch.power", "off")
	assert.Equal(t, states.StateUnavailable, x.state("sensor.power_load").State)
}

func TestSensor_DomainTemplateIsRateLimited(t *testing.T) {
	x := newHarness(t)
	x.set("light.a", "on")
	m := x.manager(nil)

	_, err := m.Load(context.Background(), []Definition{{
		UniqueID: "lights_on",
		State:    "{{ states.light | selectattr('state', 'eq', 'on') | list | count }}",
	}})
	require.NoError(t, err)
	assert.Equal(t, "1", x.state("sensor.lights_on").State)

	x.set("light.b", "on")
	assert.Equal(t, "1", x.state("sensor.lights_on").State)

	x.clock.Advance(time.Second)
	assert.Equal(t, "2", x.state("sensor.lights_on").State)
}

func TestManager_LoadSkipsInvalid(t *testing.T) {
	x := newHarness(t)
	m := x.manager(nil)

	n, err := m.Load(context.Background(), []Definition{
		{UniqueID: "ok", State: "{{ 1 + 1 }}"},
		{UniqueID: "broken", State: "{{ 1 + }}"},
		{UniqueID: "", State: "1"},
		{UniqueID: "ok", State: "{{ 3 }}"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2", x.state("sensor.ok").State)

	defs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "sensor.ok", defs[0].EntityID)
}

func TestManager_CreateAndDelete(t *testing.T) {
	ctx := context.Background()
	x := newHarness(t)
	repo := newMemoryRepo()
	m := x.manager(repo)

	_, err := m.Load(ctx, []Definition{FromConfig(config.TemplateSensorConfig{UniqueID: "configured", State: "on"})})
	require.NoError(t, err)

	def, err := m.Create(ctx, Definition{UniqueID: "api_sensor", Name: "API Sensor!", State: "{{ 40 + 2 }}"})
	require.NoError(t, err)
	assert.Equal(t, "sensor.api_sensor", def.EntityID)
	assert.Equal(t, SourceAPI, def.Source)
	assert.Equal(t, "42", x.state("sensor.api_sensor").State)
	assert.Equal(t, 1, repo.len())

	_, err = m.Create(ctx, Definition{UniqueID: "api_sensor", State: "1"})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	_, err = m.Create(ctx, Definition{UniqueID: "bad", State: "{% if %}"})
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))
	assert.Equal(t, 1, repo.len())

	err = m.Delete(ctx, "configured")
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))

	require.NoError(t, m.Delete(ctx, "api_sensor"))
	assert.Nil(t, x.state("sensor.api_sensor"))
	assert.Zero(t, repo.len())

	assert.True(t, errors.Is(m.Delete(ctx, "api_sensor"), apperrors.ErrNotFound))
}

func TestManager_CreateLogsFailedRollback(t *testing.T) {
	ctx := context.Background()
	x := newHarness(t)
	repo := newMemoryRepo()
	logger, hook := logtest.NewNullLogger()
	m := NewManager(x.hub, repo, logger)
	t.Cleanup(func() { _ = m.Close(ctx) })

	_, err := m.Create(ctx, Definition{UniqueID: "first", EntityID: "sensor.shared", State: "1"})
	require.NoError(t, err)

	repo.deleteErr = errors.New("disk full")
	_, err = m.Create(ctx, Definition{UniqueID: "second", EntityID: "sensor.shared", State: "2"})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Equal(t, 2, repo.len(), "the failed rollback leaves the row behind")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "second", entry.Data["unique_id"])
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "disk full")
}

func TestManager_LoadsPersisted(t *testing.T) {
	ctx := context.Background()
	x := newHarness(t)
	repo := newMemoryRepo()
	require.NoError(t, repo.Create(ctx, Definition{UniqueID: "stored", State: "{{ 'kept' }}", EntityID: "sensor.stored"}.Model()))

	m := x.manager(repo)
	n, err := m.Load(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "kept", x.state("sensor.stored").State)

	def, ok := m.Get(ctx, "stored")
	require.True(t, ok)
	assert.Equal(t, SourceAPI, def.Source)
}

func TestManager_CloseStopsTracking(t *testing.T) {
	x := newHarness(t)
	x.set("sensor.t", "1")
	m := NewManager(x.hub, nil, nil)

	_, err := m.Load(context.Background(), []Definition{{UniqueID: "mirror", State: "{{ states('sensor.t') }}"}})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	x.set("sensor.t", "2")
	assert.Equal(t, "1", x.state("sensor.mirror").State)
	entities, _ := x.hub.KeyedListenerCounts()
	assert.Zero(t, entities)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		def      Definition
		entityID string
		wantErr  string
	}{
		{"from name", Definition{UniqueID: "x", Name: "Lights On!", State: "1"}, "sensor.lights_on", ""},
		{"from unique id", Definition{UniqueID: "Kitchen-Temp", State: "1"}, "sensor.kitchen_temp", ""},
		{"explicit", Definition{UniqueID: "x", EntityID: "binary_sensor.door", State: "1"}, "binary_sensor.door", ""},
		{"missing id", Definition{State: "1"}, "", "unique_id is required"},
		{"bad entity", Definition{UniqueID: "x", EntityID: "Sensor X", State: "1"}, "", "invalid entity_id"},
		{"empty state", Definition{UniqueID: "x", State: "  "}, "", "state template is required"},
		{"bad availability", Definition{UniqueID: "x", State: "1", Availability: "{{ ( }}"}, "", "availability:"},
		{"bad attribute", Definition{UniqueID: "x", State: "1", Attributes: map[string]string{"a": "{{ }"}}, "", "attributes.a:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Normalize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.entityID, tt.def.EntityID)
		})
	}
}

func TestDecode(t *testing.T) {
	list := `
- unique_id: a
  state: "{{ 1 }}"
- unique_id: b
  state: "2"
  attributes:
    unit_of_measurement: W
`
	defs, err := Decode(strings.NewReader(list))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, SourceFile, defs[0].Source)
	assert.Equal(t, "W", defs[1].Attributes["unit_of_measurement"])

	mapping := `
template_sensors:
  - unique_id: c
    state: "3"
`
	defs, err = Decode(strings.NewReader(mapping))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "c", defs[0].UniqueID)

	_, err = Decode(strings.NewReader("- unique_id: a\n  stat: typo\n"))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader("just a string"))
	assert.Error(t, err)

	defs, err = Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, defs)
}
