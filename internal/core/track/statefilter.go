package track

import (
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
)

// stateChangeFiltered owns the state listeners of one tracker. It installs
// one of: a listener for every change, or a domain add/remove listener plus
// per-entity listeners for the explicit entities and every entity that
// currently exists in the tracked domains.
type stateChangeFiltered struct {
	hub    *hub.Hub
	action bus.Handler
	scope  ListenerScope

	all      *bus.Subscription
	domains  *bus.Subscription
	entities *bus.Subscription
}

func newStateChangeFiltered(h *hub.Hub, scope ListenerScope, action bus.Handler) *stateChangeFiltered {
	f := &stateChangeFiltered{hub: h, action: action}
	f.setup(scope)
	return f
}

// Scope returns a copy of the scope currently installed.
func (f *stateChangeFiltered) Scope() ListenerScope {
	return f.scope.clone()
}

// Update replaces the listeners when scope differs from the installed one.
func (f *stateChangeFiltered) Update(scope ListenerScope) bool {
	if f.scope.All == scope.All && sameSet(f.scope.Domains, scope.Domains) && sameSet(f.scope.Entities, scope.Entities) {
		f.scope.Time = scope.Time
		return false
	}
	f.Cancel()
	f.setup(scope)
	return true
}

// Cancel removes every listener.
func (f *stateChangeFiltered) Cancel() {
	for _, sub := range []*bus.Subscription{f.all, f.domains, f.entities} {
		sub.Cancel()
	}
	f.all, f.domains, f.entities = nil, nil, nil
}

func (f *stateChangeFiltered) setup(scope ListenerScope) {
	f.scope = scope.clone()
	if scope.All {
		f.all = f.hub.TrackAllStates(f.action)
		return
	}
	if len(scope.Domains) > 0 {
		f.domains = f.hub.TrackDomainLifecycle(sortedSet(scope.Domains), f.stateAdded)
	}
	f.setupEntities()
}

func (f *stateChangeFiltered) setupEntities() {
	ids := sortedSet(f.scope.Entities)
	if len(f.scope.Domains) > 0 {
		ids = append(ids, f.hub.States.EntityIDs(sortedSet(f.scope.Domains)...)...)
	}
	if len(ids) == 0 {
		return
	}
	f.entities = f.hub.TrackEntities(ids, f.action)
}

// stateAdded refreshes the per-entity listeners when the set of entities
// in a tracked domain changed, then passes the event on.
func (f *stateChangeFiltered) stateAdded(e bus.Event) {
	f.entities.Cancel()
	f.entities = nil
	f.setupEntities()
	f.action(e)
}

func changedData(e *bus.Event) (states.ChangedData, bool) {
	if e == nil {
		return states.ChangedData{}, false
	}
	data, ok := e.Data.(states.ChangedData)
	return data, ok && data.EntityID != ""
}
