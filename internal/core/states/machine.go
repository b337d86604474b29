package states

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/frostdev-ops/pma-hub/internal/core/bus"
)

var (
	// ErrInvalidEntityID is returned for malformed entity ids.
	ErrInvalidEntityID = errors.New("invalid entity id")
	// ErrStateTooLong is returned when a state exceeds MaxStateLength.
	ErrStateTooLong = errors.New("state value too long")
)

// Machine holds the current state of every entity and announces changes on
// the bus. Reads are safe from any goroutine; listeners always run on the loop.
type Machine struct {
	bus *bus.Bus

	mu     sync.RWMutex
	states map[string]*State
}

// NewMachine creates an empty state machine firing events on b.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		bus:    b,
		states: make(map[string]*State),
	}
}

// Get returns the current state of entityID, or nil.
func (m *Machine) Get(entityID string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[entityID]
}

// All returns every state sorted by entity id.
func (m *Machine) All() []*State {
	m.mu.RLock()
	out := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sortStates(out)
	return out
}

// Domain returns the states of the given domains, sorted by entity id.
func (m *Machine) Domain(domains ...string) []*State {
	want := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		want[d] = struct{}{}
	}

	m.mu.RLock()
	out := make([]*State, 0)
	for _, s := range m.states {
		if _, ok := want[s.Domain()]; ok {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sortStates(out)
	return out
}

// EntityIDs lists entity ids, optionally restricted to domains.
func (m *Machine) EntityIDs(domains ...string) []string {
	var list []*State
	if len(domains) == 0 {
		list = m.All()
	} else {
		list = m.Domain(domains...)
	}
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.EntityID
	}
	return ids
}

// Count returns the number of entities.
func (m *Machine) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// DomainCount returns the number of entities in domain.
func (m *Machine) DomainCount(domain string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.states {
		if s.Domain() == domain {
			n++
		}
	}
	return n
}

// Set stores a new state for entityID. Nothing is fired when neither the
// state nor the attributes changed, unless force is set. It returns the
// state that is current afterwards.
func (m *Machine) Set(entityID, value string, attrs map[string]interface{}, force bool) (*State, error) {
	if !ValidEntityID(entityID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	if len(value) > MaxStateLength {
		return nil, fmt.Errorf("%w: %s has %d characters", ErrStateTooLong, entityID, len(value))
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}

	now := m.bus.Now()

	m.mu.Lock()
	old := m.states[entityID]
	sameState := old != nil && old.State == value
	if sameState && !force && sameAttributes(old.Attributes, attrs) {
		m.mu.Unlock()
		return old, nil
	}

	lastChanged := now
	if sameState {
		lastChanged = old.LastChanged
	}
	next := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  copyAttributes(attrs),
		LastChanged: lastChanged,
		LastUpdated: now,
	}
	m.states[entityID] = next
	m.bus.Fire(bus.EventStateChanged, ChangedData{EntityID: entityID, OldState: old, NewState: next})
	m.mu.Unlock()

	return next, nil
}

// Restore places a previously persisted state without changing its
// timestamps. It fires state_changed like Set.
func (m *Machine) Restore(s *State) error {
	if s == nil || !ValidEntityID(s.EntityID) {
		return ErrInvalidEntityID
	}

	restored := *s
	restored.Attributes = copyAttributes(s.Attributes)

	m.mu.Lock()
	old := m.states[s.EntityID]
	m.states[s.EntityID] = &restored
	m.bus.Fire(bus.EventStateChanged, ChangedData{EntityID: s.EntityID, OldState: old, NewState: &restored})
	m.mu.Unlock()
	return nil
}

// Remove deletes entityID. It reports whether the entity existed.
func (m *Machine) Remove(entityID string) bool {
	m.mu.Lock()
	old, ok := m.states[entityID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.states, entityID)
	m.bus.Fire(bus.EventStateChanged, ChangedData{EntityID: entityID, OldState: old, NewState: nil})
	m.mu.Unlock()
	return true
}

func sortStates(list []*State) {
	sort.Slice(list, func(i, j int) bool { return list[i].EntityID < list[j].EntityID })
}
