package template

import (
	"strings"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/states"
)

// Default rate limits for templates whose dependencies are broad.
const (
	DefaultAllStatesRateLimit    = time.Minute
	DefaultDomainStatesRateLimit = time.Second
)

// RateLimits are the implicit limits applied to broad templates.
type RateLimits struct {
	AllStates    time.Duration
	DomainStates time.Duration
}

// DefaultRateLimits returns the built-in limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{AllStates: DefaultAllStatesRateLimit, DomainStates: DefaultDomainStatesRateLimit}
}

// Env is what a render may look at. The zero value renders templates that
// do not touch states.
type Env struct {
	States   StateReader
	Now      func() time.Time
	Location *time.Location
	// Strict turns references to unknown names into errors.
	Strict     bool
	RateLimits RateLimits
}

func (e *Env) rateLimits() RateLimits {
	if e == nil || e.RateLimits == (RateLimits{}) {
		return DefaultRateLimits()
	}
	return e.RateLimits
}

// Template is a compiled template. It is safe to render concurrently.
type Template struct {
	Source string

	once       sync.Once
	root       []node
	native     *outputNode
	static     bool
	compileErr *Error
}

// New returns an uncompiled template for src.
func New(src string) *Template {
	return &Template{Source: src}
}

// Compile parses the template once. Later calls return the first result.
func (t *Template) Compile() error {
	if err := t.compile(); err != nil {
		return err
	}
	return nil
}

// EnsureValid is Compile for callers that want the concrete error type.
func (t *Template) EnsureValid() *Error {
	return t.compile()
}

func (t *Template) compile() *Error {
	t.once.Do(func() {
		t.static = !strings.Contains(t.Source, "{{") && !strings.Contains(t.Source, "{%") && !strings.Contains(t.Source, "{#")
		if t.static {
			return
		}
		root, err := parse(t.Source)
		if err != nil {
			t.compileErr = err
			return
		}
		t.root = root
		t.native = singleOutput(root)
	})
	return t.compileErr
}

// IsStatic reports whether the source contains no template syntax.
func (t *Template) IsStatic() bool {
	t.compile()
	return t.static
}

func (t *Template) String() string {
	return "Template<" + t.Source + ">"
}

// singleOutput returns the only expression of a template made of one
// {{ }} block and surrounding whitespace.
func singleOutput(root []node) *outputNode {
	var out *outputNode
	for _, n := range root {
		switch x := n.(type) {
		case *textNode:
			if strings.TrimSpace(x.text) != "" {
				return nil
			}
		case *outputNode:
			if out != nil {
				return nil
			}
			out = x
		default:
			return nil
		}
	}
	return out
}

// Render evaluates the template and returns its result. A template made
// of a single expression yields the native value of that expression.
func (t *Template) Render(env *Env, vars map[string]interface{}) (interface{}, error) {
	info := t.RenderToInfo(env, vars)
	if info.Err != nil {
		return nil, info.Err
	}
	return info.Result, nil
}

// RenderToInfo evaluates the template and records what it looked at.
func (t *Template) RenderToInfo(env *Env, vars map[string]interface{}) *RenderInfo {
	info := &RenderInfo{Template: t, Observation: newObservation()}
	if err := t.compile(); err != nil {
		info.Err = err
		info.freeze(env)
		return info
	}
	if t.static {
		info.Result = t.Source
		info.freezeStatic()
		return info
	}

	ev := newEvaluator(env, vars, info.Observation)
	var result interface{}
	info.Err = ev.run(func() {
		if t.native != nil {
			ev.line = t.native.line
			result = exportValue(normalize(ev.eval(t.native.x)))
			return
		}
		ev.execBody(t.root)
		result = strings.TrimSpace(ev.out.String())
	})
	if info.Err == nil {
		info.Result = result
	}
	info.freeze(env)
	return info
}

// RenderInfo is the outcome of one render: the result or error and the
// states the render depended on.
type RenderInfo struct {
	Template *Template
	*Observation
	Result interface{}
	Err    *Error
	// RateLimit is the implicit limit for the dependencies observed.
	// Zero means none.
	RateLimit time.Duration

	filter          func(entityID string) bool
	filterLifecycle func(entityID string) bool
}

// Value returns the error when the render failed and the result otherwise.
func (r *RenderInfo) Value() interface{} {
	if r.Err != nil {
		return r.Err
	}
	return r.Result
}

// Filter reports whether a change of entityID can change the result.
func (r *RenderInfo) Filter(entityID string) bool {
	return r.filter(entityID)
}

// FilterLifecycle reports whether adding or removing entityID can change
// the result.
func (r *RenderInfo) FilterLifecycle(entityID string) bool {
	return r.filterLifecycle(entityID)
}

func matchNone(string) bool { return false }
func matchAll(string) bool { return true }

func (r *RenderInfo) freezeStatic() {
	r.filter = matchNone
	r.filterLifecycle = matchNone
}

func (r *RenderInfo) freeze(env *Env) {
	limits := env.rateLimits()
	o := r.Observation

	switch {
	case o.AllStates || o.AllStatesLifecycle || r.Err != nil:
		r.RateLimit = limits.AllStates
	case len(o.Domains) > 0 || len(o.DomainsLifecycle) > 0:
		r.RateLimit = limits.DomainStates
	}

	if r.Err != nil {
		r.filter = matchAll
		r.filterLifecycle = matchAll
		return
	}

	switch {
	case o.AllStates || o.AllStatesLifecycle:
		r.filterLifecycle = matchAll
	case len(o.DomainsLifecycle) > 0:
		r.filterLifecycle = r.inDomains(o.DomainsLifecycle)
	default:
		r.filterLifecycle = matchNone
	}

	switch {
	case o.AllStates:
		r.filter = matchAll
	case len(o.Domains) > 0:
		inDomains := r.inDomains(o.Domains)
		r.filter = func(entityID string) bool {
			if _, ok := o.Entities[entityID]; ok {
				return true
			}
			return inDomains(entityID)
		}
	case len(o.Entities) > 0:
		r.filter = func(entityID string) bool {
			_, ok := o.Entities[entityID]
			return ok
		}
	default:
		r.filter = matchNone
	}
}

func (r *RenderInfo) inDomains(domains map[string]struct{}) func(string) bool {
	return func(entityID string) bool {
		d, _ := states.SplitEntityID(entityID)
		_, ok := domains[d]
		return ok
	}
}
