package template

import (
	"github.com/frostdev-ops/pma-hub/internal/core/states"
)

// StateReader is the read side of the state machine a render looks at.
type StateReader interface {
	Get(entityID string) *states.State
	All() []*states.State
	Domain(domains ...string) []*states.State
	Count() int
	DomainCount(domain string) int
}

// Observation records what a render looked at. It is filled in while the
// template runs, so it is complete up to the point where a render failed.
type Observation struct {
	AllStates          bool
	AllStatesLifecycle bool
	Domains            map[string]struct{}
	DomainsLifecycle   map[string]struct{}
	Entities           map[string]struct{}
	HasTime            bool
}

func newObservation() *Observation {
	return &Observation{
		Domains:          map[string]struct{}{},
		DomainsLifecycle: map[string]struct{}{},
		Entities:         map[string]struct{}{},
	}
}

func (o *Observation) entity(id string) { o.Entities[id] = struct{}{} }
func (o *Observation) domain(d string) { o.Domains[d] = struct{}{} }
func (o *Observation) domainLifecycle(d string) { o.DomainsLifecycle[d] = struct{}{} }
func (o *Observation) allStates() { o.AllStates = true }
func (o *Observation) allStatesLifecycle() { o.AllStatesLifecycle = true }
func (o *Observation) timeUsed() { o.HasTime = true }

// statesRoot is the `states` global.
type statesRoot struct{}

// domainStates is `states.<domain>`.
type domainStates struct {
	domain string
}

// stateValue wraps one entity state. Reading its fields records the entity
// only when collect is set, which is the case for states looked up by id.
// States reached by iterating a collection are covered by the domain or
// all-states observation instead.
type stateValue struct {
	state   *states.State
	collect bool
}

func (ev *evaluator) reader() StateReader {
	if ev.env.States == nil {
		panic(newError(KindRuntime, "no state machine available to this template"))
	}
	return ev.env.States
}

// lookupState records entityID and returns its wrapped state or nil.
func (ev *evaluator) lookupState(entityID string) interface{} {
	ev.obs.entity(entityID)
	st := ev.reader().Get(entityID)
	if st == nil {
		return nil
	}
	return &stateValue{state: st, collect: true}
}

func (ev *evaluator) stateString(entityID string) string {
	ev.obs.entity(entityID)
	st := ev.reader().Get(entityID)
	if st == nil {
		return states.StateUnknown
	}
	return st.State
}

func wrapStates(list []*states.State) []interface{} {
	out := make([]interface{}, len(list))
	for i, st := range list {
		out[i] = &stateValue{state: st}
	}
	return out
}

func (ev *evaluator) iterateAll() []interface{} {
	ev.obs.allStates()
	return wrapStates(ev.reader().All())
}

func (ev *evaluator) iterateDomain(domain string) []interface{} {
	ev.obs.domain(domain)
	return wrapStates(ev.reader().Domain(domain))
}

func (ev *evaluator) countAll() int64 {
	ev.obs.allStatesLifecycle()
	return int64(ev.reader().Count())
}

func (ev *evaluator) countDomain(domain string) int64 {
	ev.obs.domainLifecycle(domain)
	return int64(ev.reader().DomainCount(domain))
}

func (ev *evaluator) stateAttr(sv *stateValue, name string) interface{} {
	st := sv.state
	switch name {
	case "entity_id":
		return st.EntityID
	case "domain":
		return st.Domain()
	case "object_id":
		return st.ObjectID()
	}

	if sv.collect {
		ev.obs.entity(st.EntityID)
	}
	switch name {
	case "state":
		return st.State
	case "name":
		return st.Name()
	case "attributes":
		attrs := make(map[string]interface{}, len(st.Attributes))
		for k, v := range st.Attributes {
			attrs[k] = v
		}
		return attrs
	case "last_changed":
		return st.LastChanged.In(ev.location())
	case "last_updated":
		return st.LastUpdated.In(ev.location())
	}
	return undefined{hint: "'TemplateState object' has no attribute '" + name + "'"}
}

// resolveEntity accepts an entity id string or a state value.
func (ev *evaluator) resolveEntity(fn string, v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case *stateValue:
		return x.state.EntityID
	case undefined:
		panic(x.fail())
	}
	panic(newError(KindType, "%s expects an entity id, got '%s'", fn, typeName(v)))
}

func (ev *evaluator) isState(entityID string, want interface{}) bool {
	current := ev.stateString(entityID)
	if ev.reader().Get(entityID) == nil {
		return false
	}
	if list, ok := want.([]interface{}); ok {
		for _, w := range list {
			if equal(current, w) {
				return true
			}
		}
		return false
	}
	return equal(current, want)
}

func (ev *evaluator) stateAttrOf(entityID, name string) interface{} {
	ev.obs.entity(entityID)
	st := ev.reader().Get(entityID)
	if st == nil {
		return nil
	}
	v, ok := st.Attributes[name]
	if !ok {
		return nil
	}
	return normalize(v)
}

func (ev *evaluator) hasValue(entityID string) bool {
	ev.obs.entity(entityID)
	st := ev.reader().Get(entityID)
	return st != nil && st.State != states.StateUnknown && st.State != states.StateUnavailable
}
