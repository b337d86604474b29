// Package templatesensor provides entities whose state, attributes and
// availability are rendered from templates and kept current by a tracker.
package templatesensor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/core/template"
	"github.com/frostdev-ops/pma-hub/internal/core/track"
	"github.com/frostdev-ops/pma-hub/internal/database/repositories"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager owns the running template sensors. Its methods may be called from
// any goroutine; sensor bookkeeping happens on the hub's loop.
type Manager struct {
	hub    *hub.Hub
	repo   repositories.TemplateSensorRepository
	logger *logrus.Logger
	opts   []track.Option

	// loop only
	sensors map[string]*sensor
}

// NewManager creates a manager. repo may be nil, in which case sensors
// added through the API are not persisted.
func NewManager(h *hub.Hub, repo repositories.TemplateSensorRepository, logger *logrus.Logger, opts ...track.Option) *Manager {
	if logger == nil {
		logger = h.Logger
	}
	return &Manager{
		hub:     h,
		repo:    repo,
		logger:  logger,
		opts:    opts,
		sensors: make(map[string]*sensor),
	}
}

// Load starts the given definitions followed by the persisted ones. Invalid
// definitions are logged and skipped; the number started is returned.
func (m *Manager) Load(ctx context.Context, defs []Definition) (int, error) {
	if m.repo != nil {
		stored, err := m.repo.GetAll(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to load template sensors: %w", err)
		}
		for _, s := range stored {
			defs = append(defs, FromModel(s))
		}
	}

	started := 0
	for _, def := range defs {
		if err := m.start(ctx, def); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"unique_id": def.UniqueID,
				"source":    def.Source,
			}).Warn("Skipping template sensor")
			continue
		}
		started++
	}
	return started, nil
}

// Create validates, persists and starts a sensor defined through the API.
func (m *Manager) Create(ctx context.Context, def Definition) (Definition, error) {
	def.Source = SourceAPI
	if err := def.Normalize(); err != nil {
		return def, apperrors.WithDetails(apperrors.ErrBadRequest, err.Error())
	}
	if _, ok := m.Get(ctx, def.UniqueID); ok {
		return def, apperrors.WithDetails(apperrors.ErrConflict, "template sensor already exists: "+def.UniqueID)
	}

	if m.repo != nil {
		if err := m.repo.Create(ctx, def.Model()); err != nil {
			return def, err
		}
	}
	if err := m.start(ctx, def); err != nil {
		if m.repo != nil {
			if delErr := m.repo.Delete(ctx, def.UniqueID); delErr != nil {
				m.logger.WithError(delErr).WithField("unique_id", def.UniqueID).
					Error("Failed to roll back template sensor after start failure")
			}
		}
		return def, err
	}
	return def, nil
}

// Delete stops a sensor, removes its entity and deletes it from storage.
// Only sensors created through the API can be deleted.
func (m *Manager) Delete(ctx context.Context, uniqueID string) error {
	def, ok := m.Get(ctx, uniqueID)
	if !ok {
		return apperrors.WithDetails(apperrors.ErrNotFound, "template sensor not found: "+uniqueID)
	}
	if def.Source != SourceAPI {
		return apperrors.WithDetails(apperrors.ErrForbidden, "template sensor is defined in "+string(def.Source))
	}

	if m.repo != nil {
		if err := m.repo.Delete(ctx, uniqueID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}
	return m.hub.Loop.Call(ctx, func() {
		if s, ok := m.sensors[uniqueID]; ok {
			s.stop()
			delete(m.sensors, uniqueID)
			m.hub.States.Remove(s.def.EntityID)
		}
	})
}

// Get returns one running sensor definition.
func (m *Manager) Get(ctx context.Context, uniqueID string) (Definition, bool) {
	var (
		def Definition
		ok  bool
	)
	_ = m.hub.Loop.Call(ctx, func() {
		var s *sensor
		if s, ok = m.sensors[uniqueID]; ok {
			def = s.def
		}
	})
	return def, ok
}

// List returns every running sensor sorted by unique id.
func (m *Manager) List(ctx context.Context) ([]Definition, error) {
	var defs []Definition
	err := m.hub.Loop.Call(ctx, func() {
		for _, s := range m.sensors {
			defs = append(defs, s.def)
		}
	})
	sort.Slice(defs, func(i, j int) bool { return defs[i].UniqueID < defs[j].UniqueID })
	return defs, err
}

// Close stops every sensor. Entities are left in place.
func (m *Manager) Close(ctx context.Context) error {
	return m.hub.Loop.Call(ctx, func() {
		for id, s := range m.sensors {
			s.stop()
			delete(m.sensors, id)
		}
	})
}

func (m *Manager) start(ctx context.Context, def Definition) error {
	if err := def.Normalize(); err != nil {
		return apperrors.WithDetails(apperrors.ErrBadRequest, err.Error())
	}

	var startErr error
	err := m.hub.Loop.Call(ctx, func() {
		if _, exists := m.sensors[def.UniqueID]; exists {
			startErr = apperrors.WithDetails(apperrors.ErrConflict, "template sensor already exists: "+def.UniqueID)
			return
		}
		for _, other := range m.sensors {
			if other.def.EntityID == def.EntityID {
				startErr = apperrors.WithDetails(apperrors.ErrConflict, "entity id already used: "+def.EntityID)
				return
			}
		}
		s, err := newSensor(m.hub, def, m.logger, m.opts)
		if err != nil {
			startErr = err
			return
		}
		m.sensors[def.UniqueID] = s
	})
	if err != nil {
		return err
	}
	return startErr
}

// sensor is one running template sensor. All fields are loop only.
type sensor struct {
	hub     *hub.Hub
	def     Definition
	logger  *logrus.Entry
	tracker *track.Tracker

	// positions in the tracker's template list
	availability int
	attributes   []string
}

func newSensor(h *hub.Hub, def Definition, logger *logrus.Logger, opts []track.Option) (*sensor, error) {
	s := &sensor{
		hub:          h,
		def:          def,
		availability: -1,
		logger: logger.WithFields(logrus.Fields{
			"unique_id": def.UniqueID,
			"entity_id": def.EntityID,
		}),
	}

	templates := []track.TrackTemplate{{Template: template.New(def.State)}}
	if def.Availability != "" {
		s.availability = len(templates)
		templates = append(templates, track.TrackTemplate{Template: template.New(def.Availability)})
	}
	for _, name := range def.attributeNames() {
		s.attributes = append(s.attributes, name)
		templates = append(templates, track.TrackTemplate{Template: template.New(def.Attributes[name])})
	}

	tracker, err := track.TrackTemplateResult(h, templates, s.onUpdate, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to track template sensor %s: %w", def.UniqueID, err)
	}
	s.tracker = tracker
	s.write()
	return s, nil
}

// onUpdate writes the entity once per batch, however many templates changed.
func (s *sensor) onUpdate(_ *bus.Event, _ []track.ResultUpdate) {
	s.write()
}

func (s *sensor) write() {
	results := s.tracker.Results()
	state, attrs := s.compose(results)
	if _, err := s.hub.States.Set(s.def.EntityID, state, attrs, false); err != nil {
		s.logger.WithError(err).Error("Failed to update template sensor")
	}
}

// compose turns render results into a state and attributes. A failed state
// render is unknown; a failed or falsy availability render is unavailable.
func (s *sensor) compose(results []interface{}) (string, map[string]interface{}) {
	attrs := make(map[string]interface{}, len(s.attributes)+1)
	if s.def.Name != "" {
		attrs["friendly_name"] = s.def.Name
	}

	if s.availability >= 0 {
		avail := results[s.availability]
		if _, failed := avail.(*template.Error); failed || !template.ResultAsBoolean(avail) {
			return states.StateUnavailable, attrs
		}
	}

	offset := 1
	if s.availability >= 0 {
		offset = 2
	}
	for i, name := range s.attributes {
		value := results[offset+i]
		if _, failed := value.(*template.Error); failed {
			continue
		}
		attrs[name] = value
	}

	result := results[0]
	if _, failed := result.(*template.Error); failed {
		return states.StateUnknown, attrs
	}
	state := template.ResultAsString(result)
	if len(state) > states.MaxStateLength {
		s.logger.WithField("length", len(state)).Warn("Template sensor state too long")
		return states.StateUnknown, attrs
	}
	return state, attrs
}

func (s *sensor) stop() {
	s.tracker.Remove()
}
