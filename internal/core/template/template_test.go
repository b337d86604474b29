package template

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStates map[string]*states.State

func (f fakeStates) Get(id string) *states.State { return f[id] }

func (f fakeStates) All() []*states.State {
	out := make([]*states.State, 0, len(f))
	for _, s := range f {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (f fakeStates) Domain(domains ...string) []*states.State {
	var out []*states.State
	for _, s := range f.All() {
		for _, d := range domains {
			if s.Domain() == d {
				out = append(out, s)
			}
		}
	}
	return out
}

func (f fakeStates) Count() int { return len(f) }

func (f fakeStates) DomainCount(domain string) int { return len(f.Domain(domain)) }

func (f fakeStates) set(id, state string, attrs map[string]interface{}) {
	f[id] = &states.State{EntityID: id, State: state, Attributes: attrs}
}

func testEnv() *Env {
	st := fakeStates{}
	st.set("switch.test", "on", nil)
	st.set("light.kitchen", "off", map[string]interface{}{"brightness": 100, "friendly_name": "Kitchen"})
	st.set("light.hall", "on", nil)
	st.set("sensor.temp", "21.5", map[string]interface{}{"unit_of_measurement": "°C"})
	return &Env{
		States:   st,
		Now:      func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) },
		Location: time.UTC,
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestRender_NativeResults(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected interface{}
	}{
		{"addition", "{{ 1 + 2 }}", int64(3)},
		{"true division", "{{ 7 / 2 }}", 3.5},
		{"floor division", "{{ 7 // 2 }}", int64(3)},
		{"negative floor division", "{{ -7 // 2 }}", int64(-4)},
		{"modulo follows divisor sign", "{{ -7 % 3 }}", int64(2)},
		{"power", "{{ 2 ** 10 }}", int64(1024)},
		{"largest int power", "{{ 2 ** 62 }}", int64(4611686018427387904)},
		{"power of minus one", "{{ (-1) ** 1000000000001 }}", int64(-1)},
		{"negative exponent is float", "{{ 2 ** -1 }}", 0.5},
		{"list repetition", "{{ [1, 2] * 2 }}", []interface{}{int64(1), int64(2), int64(1), int64(2)}},
		{"concat", "{{ 'a' ~ 1 }}", "a1"},
		{"sum filter", "{{ [1, 2, 3] | sum }}", int64(6)},
		{"lower", "{{ 'Hello' | lower }}", "hello"},
		{"none", "{{ none }}", nil},
		{"and returns operand", "{{ true and 'x' }}", "x"},
		{"or returns operand", "{{ 0 or 'y' }}", "y"},
		{"conditional", "{{ 3 if false else 4 }}", int64(4)},
		{"in list", "{{ 'b' in ['a', 'b'] }}", true},
		{"not in string", "{{ 'z' not in 'abc' }}", true},
		{"chained compare", "{{ 1 < 2 < 3 }}", true},
		{"filter binds tighter than plus", "{{ '3.5' | float + 1 }}", 4.5},
		{"round to even", "{{ 2.5 | round }}", int64(2)},
		{"round precision", "{{ 3.14159 | round(2) }}", 3.14},
		{"unary minus then filter", "{{ -3 | abs }}", int64(3)},
		{"sort", "{{ [3, 1, 2] | sort }}", []interface{}{int64(1), int64(2), int64(3)}},
		{"sort reverse", "{{ [3, 1, 2] | sort(reverse=true) }}", []interface{}{int64(3), int64(2), int64(1)}},
		{"range", "{{ range(3) | list }}", []interface{}{int64(0), int64(1), int64(2)}},
		{"dict attribute", "{{ {'a': 1}.a }}", int64(1)},
		{"dict get", "{{ {'a': 1}.get('b', 5) }}", int64(5)},
		{"int with default", "{{ 'x' | int(7) }}", int64(7)},
		{"float global", "{{ float('1.5') * 2 }}", 3.0},
		{"default filter", "{{ missing | default('fallback') }}", "fallback"},
		{"is defined", "{{ missing is defined }}", false},
		{"is not none", "{{ 1 is not none }}", true},
		{"divisibleby", "{{ 9 is divisibleby 3 }}", true},
		{"join", "{{ ['a', 'b'] | join(', ') }}", "a, b"},
		{"unique", "{{ [1, 1.0, 2] | unique | count }}", int64(2)},
		{"min max", "{{ max(1, 5, 3) - min([4, 2]) }}", int64(3)},
		{"string method", "{{ 'a,b'.split(',') | last }}", "b"},
		{"undefined renders empty", "{{ missing }}", ""},
		{"title", "{{ 'living room' | title }}", "Living Room"},
		{"select", "{{ [0, 1, 2] | select | list }}", []interface{}{int64(1), int64(2)}},
		{"map filter", "{{ ['a', 'b'] | map('upper') | join }}", "AB"},
		{"timestamp custom", "{{ 0 | timestamp_custom('%Y-%m-%d %H:%M', false) }}", "1970-01-01 00:00"},
		{"as_timestamp", "{{ as_timestamp('2024-01-01T00:00:00+00:00') }}", 1704067200.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := New(tt.source).Render(testEnv(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRender_StringResults(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		vars     map[string]interface{}
		expected string
	}{
		{
			name:     "for loop with loop variable",
			source:   "{% for i in range(3) %}{{ i }}{% if not loop.last %},{% endif %}{% endfor %}",
			expected: "0,1,2",
		},
		{
			name:     "set",
			source:   "{% set x = 5 %}{{ x * 2 }}",
			expected: "10",
		},
		{
			name:     "python style list",
			source:   "{{ [1, 'a', none, true, 1.0] }} x",
			expected: "[1, 'a', None, True, 1.0] x",
		},
		{
			name:     "unpacking items",
			source:   "{% for k, v in {'b': 2, 'a': 1}.items() %}{{ k }}={{ v }};{% endfor %}",
			expected: "a=1;b=2;",
		},
		{
			name:     "for else",
			source:   "{% for x in [] %}a{% else %}empty{% endfor %}",
			expected: "empty",
		},
		{
			name:     "loop filter",
			source:   "{% for x in [1, 2, 3, 4] if x is even %}{{ x }}{% endfor %}",
			expected: "24",
		},
		{
			name:     "variables",
			source:   "{{ x }}-{{ y }}",
			vars:     map[string]interface{}{"x": 1, "y": "z"},
			expected: "1-z",
		},
		{
			name:     "floats",
			source:   "{{ 1.5 }} {{ 2.0 }}",
			expected: "1.5 2.0",
		},
		{
			name:     "elif",
			source:   "{% if 0 %}a{% elif 1 %}b{% else %}c{% endif %}",
			expected: "b",
		},
		{
			name:     "whitespace control",
			source:   "a  {%- if true -%}  b  {%- endif -%}  c",
			expected: "abc",
		},
		{
			name:     "comments",
			source:   "a{# ignored #}b{{ 1 }}",
			expected: "ab1",
		},
		{
			name:     "result is trimmed",
			source:   "\n  {% if true %} on {% endif %}\n",
			expected: "on",
		},
		{
			name:     "set inside loop stays in loop",
			source:   "{% set n = 1 %}{% for i in [5] %}{% set n = i %}{% endfor %}{{ n }}!",
			expected: "1!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := New(tt.source).Render(testEnv(), tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		env    *Env
		kind   Kind
	}{
		{"division by zero", "{{ 1 / 0 }}", nil, KindZeroDivision},
		{"str plus int", "{{ 'a' + 1 }}", nil, KindType},
		{"attribute of undefined", "{{ foo.bar }}", nil, KindUndefined},
		{"float without default", "{{ 'abc' | float }}", nil, KindValue},
		{"not callable", "{{ 1() }}", nil, KindType},
		{"strict undefined", "{{ missing }}", &Env{Strict: true}, KindUndefined},
		{"unordered compare", "{{ 'a' < 1 }}", nil, KindType},
		{"iteration cap", "{% for i in range(200000) %}{% endfor %}", nil, KindRuntime},
		{"list repetition cap", "{{ ((range(3000) | list) * 3000) | count }}", nil, KindRuntime},
		{"power overflow", "{{ 2 ** 63 }}", nil, KindOverflow},
		{"multiplication overflow", "{{ (2 ** 62) * 4 }}", nil, KindOverflow},
		{"addition overflow", "{{ 9223372036854775807 + 1 }}", nil, KindOverflow},
		{"float power overflow", "{{ 10.0 ** 400 }}", nil, KindOverflow},
		{"states without state machine", "{{ states('a.b') }}", &Env{}, KindRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := New(tt.source).RenderToInfo(tt.env, nil)
			require.NotNil(t, info.Err)
			assert.Equal(t, tt.kind, info.Err.Kind)
			assert.Nil(t, info.Result)
			assert.Same(t, info.Err, info.Value())
			assert.True(t, errors.Is(info.Err, &Error{Kind: tt.kind}))
		})
	}
}

func TestCompile_SyntaxErrors(t *testing.T) {
	sources := []string{
		"{% if %}",
		"{{ x | nosuchfilter }}",
		"{% for x in y %}",
		"{{ 1 + }}",
		"{{ 'unterminated }}",
		"{% endif %}",
		"{% frobnicate %}",
		"{{ x is nosuchtest }}",
		"{# open comment",
		"{{ x",
	}

	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			tpl := New(src)
			err := tpl.EnsureValid()
			require.NotNil(t, err)
			assert.True(t, err.IsSyntax(), err.Error())
			assert.Error(t, tpl.Compile())

			info := tpl.RenderToInfo(testEnv(), nil)
			assert.Same(t, err, info.Err)
			assert.Equal(t, DefaultAllStatesRateLimit, info.RateLimit)
			assert.True(t, info.Filter("any.entity"))
			assert.True(t, info.FilterLifecycle("any.entity"))
		})
	}
}

func TestCompile_ValidTemplateReturnsNilError(t *testing.T) {
	tpl := New("{{ 1 }}")
	assert.NoError(t, tpl.Compile())
	assert.False(t, tpl.IsStatic())
}

func TestRenderInfo_Observation(t *testing.T) {
	t.Run("explicit entity", func(t *testing.T) {
		info := New("{{ states.switch.test.state }}").RenderToInfo(testEnv(), nil)
		require.Nil(t, info.Err)
		assert.Equal(t, "on", info.Result)
		assert.Equal(t, []string{"switch.test"}, keys(info.Entities))
		assert.Empty(t, info.Domains)
		assert.Zero(t, info.RateLimit)
		assert.True(t, info.Filter("switch.test"))
		assert.False(t, info.Filter("light.kitchen"))
		assert.False(t, info.FilterLifecycle("switch.test"))
	})

	t.Run("missing entity is still recorded", func(t *testing.T) {
		info := New("{{ states('sensor.missing') }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, "unknown", info.Result)
		assert.Equal(t, []string{"sensor.missing"}, keys(info.Entities))
	})

	t.Run("missing entity attribute is false not error", func(t *testing.T) {
		info := New("{{ states.switch.nothere.state == 'on' }}").RenderToInfo(testEnv(), nil)
		require.Nil(t, info.Err)
		assert.Equal(t, false, info.Result)
		assert.Equal(t, []string{"switch.nothere"}, keys(info.Entities))
	})

	t.Run("domain iteration", func(t *testing.T) {
		info := New("{{ states.light | selectattr('state', 'eq', 'on') | list | count }}").RenderToInfo(testEnv(), nil)
		require.Nil(t, info.Err)
		assert.Equal(t, int64(1), info.Result)
		assert.Equal(t, []string{"light"}, keys(info.Domains))
		assert.Empty(t, info.Entities, "iterated states are not explicit")
		assert.Equal(t, DefaultDomainStatesRateLimit, info.RateLimit)
		assert.True(t, info.Filter("light.new"))
		assert.False(t, info.Filter("switch.test"))
		assert.False(t, info.FilterLifecycle("light.new"))
	})

	t.Run("domain count", func(t *testing.T) {
		info := New("{{ states.light | count }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, int64(2), info.Result)
		assert.Equal(t, []string{"light"}, keys(info.DomainsLifecycle))
		assert.Empty(t, info.Domains)
		assert.False(t, info.Filter("light.kitchen"))
		assert.True(t, info.FilterLifecycle("light.new"))
		assert.False(t, info.FilterLifecycle("switch.new"))
	})

	t.Run("all states count", func(t *testing.T) {
		info := New("{{ states | count }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, int64(4), info.Result)
		assert.True(t, info.AllStatesLifecycle)
		assert.False(t, info.AllStates)
		assert.Equal(t, DefaultAllStatesRateLimit, info.RateLimit)
		assert.False(t, info.Filter("sensor.temp"))
		assert.True(t, info.FilterLifecycle("anything.new"))
	})

	t.Run("all states iteration", func(t *testing.T) {
		info := New("{% for s in states %}{{ s.entity_id }} {% endfor %}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, "light.hall light.kitchen sensor.temp switch.test", info.Result)
		assert.True(t, info.AllStates)
		assert.True(t, info.Filter("sensor.other"))
	})

	t.Run("iterated attributes are not explicit", func(t *testing.T) {
		info := New("{{ states | selectattr('state', 'eq', 'on') | map(attribute='entity_id') | join(',') }}").RenderToInfo(testEnv(), nil)
		require.Nil(t, info.Err)
		assert.Equal(t, "light.hall,switch.test", info.Result)
		assert.True(t, info.AllStates)
		assert.Empty(t, info.Entities)

		info = New("{{ states.light | map(attribute='state') | join(',') }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, "on,off", info.Result)
		assert.Empty(t, info.Entities)

		info = New("{% for s in states.light %}{{ s.state }}{% endfor %}{{ states.light.kitchen.state }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, []string{"light.kitchen"}, keys(info.Entities))
	})

	t.Run("time functions", func(t *testing.T) {
		info := New("{{ now().year }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, int64(2026), info.Result)
		assert.True(t, info.HasTime)

		info = New("{{ utcnow().minute }}").RenderToInfo(testEnv(), nil)
		assert.Equal(t, int64(9), info.Result)
		assert.True(t, info.HasTime)
	})

	t.Run("partial failure keeps observations", func(t *testing.T) {
		info := New("{{ states('sensor.temp') | float + nope.x }}").RenderToInfo(testEnv(), nil)
		require.NotNil(t, info.Err)
		assert.Equal(t, KindUndefined, info.Err.Kind)
		assert.Equal(t, []string{"sensor.temp"}, keys(info.Entities))
		assert.Equal(t, DefaultAllStatesRateLimit, info.RateLimit)
		assert.True(t, info.Filter("unrelated.entity"))
	})

	t.Run("state helpers", func(t *testing.T) {
		env := testEnv()
		assert.Equal(t, true, New("{{ is_state('switch.test', 'on') }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, true, New("{{ is_state('switch.test', ['off', 'on']) }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, int64(100), New("{{ state_attr('light.kitchen', 'brightness') }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, true, New("{{ is_state_attr('light.kitchen', 'brightness', 100) }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, false, New("{{ has_value('sensor.nope') }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, int64(101), New("{{ states.light.kitchen.attributes.brightness + 1 }}").RenderToInfo(env, nil).Result)
		assert.Equal(t, "Kitchen", New("{{ states.light.kitchen.name }}").RenderToInfo(env, nil).Result)
	})

	t.Run("custom rate limits", func(t *testing.T) {
		env := testEnv()
		env.RateLimits = RateLimits{AllStates: 5 * time.Second, DomainStates: 100 * time.Millisecond}
		assert.Equal(t, 5*time.Second, New("{{ states | count }}").RenderToInfo(env, nil).RateLimit)
		assert.Equal(t, 100*time.Millisecond, New("{{ states.light | count }}").RenderToInfo(env, nil).RateLimit)
	})
}

func TestRenderInfo_Static(t *testing.T) {
	tpl := New("plain text")
	assert.True(t, tpl.IsStatic())

	info := tpl.RenderToInfo(testEnv(), nil)
	assert.Equal(t, "plain text", info.Result)
	assert.False(t, info.Filter("switch.test"))
	assert.False(t, info.FilterLifecycle("switch.test"))
	assert.Zero(t, info.RateLimit)
}

func TestResultsEqual(t *testing.T) {
	assert.True(t, ResultsEqual(int64(1), 1.0))
	assert.True(t, ResultsEqual([]interface{}{int64(1)}, []interface{}{1.0}))
	assert.False(t, ResultsEqual("1", int64(1)))
	assert.False(t, ResultsEqual(nil, false))
	assert.True(t, ResultsEqual(&Error{Kind: KindType, Message: "x"}, &Error{Kind: KindType, Message: "x"}))
	assert.False(t, ResultsEqual(&Error{Kind: KindType, Message: "x"}, "x"))
}

func TestRender_Concurrent(t *testing.T) {
	tpl := New("{% for s in states.light %}{{ s.state }}{% endfor %}")
	env := testEnv()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				result, err := tpl.Render(env, nil)
				assert.NoError(t, err)
				assert.Equal(t, "onoff", result)
			}
		}()
	}
	wg.Wait()
}
