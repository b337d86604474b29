package hub

import (
	"context"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/sirupsen/logrus"
)

// Hub bundles the event loop, the bus and the state machine that every core
// component shares. Per-entity and per-domain state listeners go through the
// keyed dispatchers so the bus only carries one listener for each.
type Hub struct {
	Loop   *loop.Loop
	Bus    *bus.Bus
	States *states.Machine
	Logger *logrus.Logger

	entityChanges   *bus.Keyed
	domainLifecycle *bus.Keyed
}

// New wires a hub around l.
func New(l *loop.Loop, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := bus.New(l)
	return &Hub{
		Loop:            l,
		Bus:             b,
		States:          states.NewMachine(b),
		Logger:          logger,
		entityChanges:   bus.NewKeyed(b, bus.EventStateChanged, entityKey),
		domainLifecycle: bus.NewKeyed(b, bus.EventStateChanged, domainLifecycleKey),
	}
}

// Run runs the loop until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.Bus.Fire(bus.EventServiceStarted, nil)
	return h.Loop.Run(ctx)
}

// SetState writes a state from outside the loop. The write runs on the loop
// so listeners see it in order with everything else the loop does.
func (h *Hub) SetState(ctx context.Context, entityID, value string, attrs map[string]interface{}, force bool) (*states.State, error) {
	var (
		st  *states.State
		err error
	)
	if callErr := h.Loop.Call(ctx, func() {
		st, err = h.States.Set(entityID, value, attrs, force)
	}); callErr != nil {
		return nil, callErr
	}
	return st, err
}

// RemoveState removes an entity from outside the loop and reports whether
// it existed.
func (h *Hub) RemoveState(ctx context.Context, entityID string) (bool, error) {
	var removed bool
	if err := h.Loop.Call(ctx, func() { removed = h.States.Remove(entityID) }); err != nil {
		return false, err
	}
	return removed, nil
}

// TrackEntities calls handler for every state_changed event of entityIDs.
func (h *Hub) TrackEntities(entityIDs []string, handler bus.Handler) *bus.Subscription {
	return h.entityChanges.Subscribe(entityIDs, handler)
}

// TrackDomainLifecycle calls handler when an entity of one of domains is
// added or removed.
func (h *Hub) TrackDomainLifecycle(domains []string, handler bus.Handler) *bus.Subscription {
	return h.domainLifecycle.Subscribe(domains, handler)
}

// TrackAllStates calls handler for every state_changed event.
func (h *Hub) TrackAllStates(handler bus.Handler) *bus.Subscription {
	return h.Bus.Listen(bus.EventStateChanged, handler)
}

// KeyedListenerCounts reports how many entity and domain keys are tracked.
func (h *Hub) KeyedListenerCounts() (entities, domains int) {
	return h.entityChanges.Keys(), h.domainLifecycle.Keys()
}

func entityKey(e bus.Event) (string, bool) {
	data, ok := e.Data.(states.ChangedData)
	if !ok {
		return "", false
	}
	return data.EntityID, true
}

func domainLifecycleKey(e bus.Event) (string, bool) {
	data, ok := e.Data.(states.ChangedData)
	if !ok || !data.IsLifecycle() {
		return "", false
	}
	domain, _ := states.SplitEntityID(data.EntityID)
	return domain, true
}
