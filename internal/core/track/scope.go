package track

import (
	"sort"

	"github.com/frostdev-ops/pma-hub/internal/core/template"
)

// ListenerScope is what a set of templates needs to hear about: every state
// change, or the entities and domains they looked at, plus whether any of
// them reads the clock. When All is set Domains and Entities are empty.
type ListenerScope struct {
	All      bool                `json:"all"`
	Domains  map[string]struct{} `json:"-"`
	Entities map[string]struct{} `json:"-"`
	Time     bool                `json:"time"`
}

// ScopeFor combines the observations of several renders.
func ScopeFor(infos []*template.RenderInfo) ListenerScope {
	scope := ListenerScope{
		Domains:  map[string]struct{}{},
		Entities: map[string]struct{}{},
	}
	for _, info := range infos {
		if info == nil {
			continue
		}
		if info.HasTime {
			scope.Time = true
		}
		if info.AllStates || info.AllStatesLifecycle {
			scope.All = true
		}
	}
	if scope.All {
		return scope
	}
	for _, info := range infos {
		if info == nil {
			continue
		}
		for d := range info.Domains {
			scope.Domains[d] = struct{}{}
		}
		for d := range info.DomainsLifecycle {
			scope.Domains[d] = struct{}{}
		}
		for e := range info.Entities {
			scope.Entities[e] = struct{}{}
		}
	}
	return scope
}

// suppressBroad keeps only the explicit entities of info. It stands in for
// a template whose broad re-render is waiting on a rate limit timer.
func suppressBroad(info *template.RenderInfo) *template.RenderInfo {
	if info == nil {
		return nil
	}
	narrowed := *info
	narrowed.Observation = &template.Observation{
		Domains:          map[string]struct{}{},
		DomainsLifecycle: map[string]struct{}{},
		Entities:         info.Entities,
		HasTime:          info.HasTime,
	}
	return &narrowed
}

// Equal reports whether two scopes would install the same listeners.
func (s ListenerScope) Equal(o ListenerScope) bool {
	return s.All == o.All && s.Time == o.Time && sameSet(s.Domains, o.Domains) && sameSet(s.Entities, o.Entities)
}

// DomainList returns the domains sorted.
func (s ListenerScope) DomainList() []string { return sortedSet(s.Domains) }

// EntityList returns the entity ids sorted.
func (s ListenerScope) EntityList() []string { return sortedSet(s.Entities) }

// ScopeView is the serialisable form of a ListenerScope.
type ScopeView struct {
	All      bool     `json:"all"`
	Domains  []string `json:"domains"`
	Entities []string `json:"entities"`
	Time     bool     `json:"time"`
}

// View returns a serialisable copy of the scope.
func (s ListenerScope) View() ScopeView {
	return ScopeView{All: s.All, Domains: s.DomainList(), Entities: s.EntityList(), Time: s.Time}
}

func (s ListenerScope) clone() ListenerScope {
	return ListenerScope{All: s.All, Domains: copySet(s.Domains), Entities: copySet(s.Entities), Time: s.Time}
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
