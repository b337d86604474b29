package template

import (
	"math"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIterations = 100000
	maxOutput     = 256 << 10
)

type evaluator struct {
	env    *Env
	obs    *Observation
	scopes []map[string]interface{}
	out    strings.Builder
	steps  int
	line   int
}

func newEvaluator(env *Env, vars map[string]interface{}, obs *Observation) *evaluator {
	if env == nil {
		env = &Env{}
	}
	root := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		root[k] = v
	}
	return &evaluator{env: env, obs: obs, scopes: []map[string]interface{}{root}}
}

// run executes fn and converts a raised *Error, or a Go runtime panic, into
// a returned error.
func (ev *evaluator) run(fn func()) (err *Error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch x := r.(type) {
		case *Error:
			err = x
		case runtime.Error:
			err = newError(KindRuntime, "%s", x.Error())
		default:
			panic(r)
		}
		if err.Line == 0 {
			err.Line = ev.line
		}
	}()
	fn()
	return nil
}

func (ev *evaluator) location() *time.Location {
	if ev.env.Location != nil {
		return ev.env.Location
	}
	return time.Local
}

func (ev *evaluator) now() time.Time {
	if ev.env.Now != nil {
		return ev.env.Now()
	}
	return time.Now()
}

func (ev *evaluator) tick() {
	ev.steps++
	if ev.steps > maxIterations {
		panic(newError(KindRuntime, "template exceeded %d loop iterations", maxIterations))
	}
}

func (ev *evaluator) push() { ev.scopes = append(ev.scopes, map[string]interface{}{}) }
func (ev *evaluator) pop() { ev.scopes = ev.scopes[:len(ev.scopes)-1] }

func (ev *evaluator) set(name string, v interface{}) {
	ev.scopes[len(ev.scopes)-1][name] = v
}

func (ev *evaluator) lookup(name string) interface{} {
	for i := len(ev.scopes) - 1; i >= 0; i-- {
		if v, ok := ev.scopes[i][name]; ok {
			return normalize(v)
		}
	}
	if name == "states" {
		return &statesRoot{}
	}
	if g, ok := globals[name]; ok {
		return g
	}
	u := undefined{hint: "'" + name + "' is undefined"}
	if ev.env.Strict {
		panic(u.fail())
	}
	return u
}

func (ev *evaluator) write(s string) {
	ev.out.WriteString(s)
	if ev.out.Len() > maxOutput {
		panic(newError(KindRuntime, "template output exceeded %d bytes", maxOutput))
	}
}

func (ev *evaluator) execBody(body []node) {
	for _, n := range body {
		ev.exec(n)
	}
}

func (ev *evaluator) exec(n node) {
	switch x := n.(type) {
	case *textNode:
		ev.write(x.text)
	case *outputNode:
		ev.line = x.line
		ev.write(toString(ev.eval(x.x)))
	case *ifNode:
		for _, br := range x.branches {
			ev.line = br.cond.line()
			if truthy(ev.eval(br.cond)) {
				ev.execBody(br.body)
				return
			}
		}
		ev.execBody(x.elseBody)
	case *forNode:
		ev.execFor(x)
	case *setNode:
		ev.line = x.value.line()
		ev.set(x.name, ev.eval(x.value))
	}
}

func (ev *evaluator) execFor(n *forNode) {
	ev.line = n.line
	items := ev.iterate(ev.eval(n.iter))

	ev.push()
	defer ev.pop()

	if n.cond != nil {
		kept := items[:0:0]
		for _, item := range items {
			ev.tick()
			ev.assign(n.targets, item)
			if truthy(ev.eval(n.cond)) {
				kept = append(kept, item)
			}
		}
		items = kept
	}
	if len(items) == 0 {
		ev.execBody(n.elseBody)
		return
	}

	for i, item := range items {
		ev.tick()
		ev.assign(n.targets, item)
		ev.set("loop", map[string]interface{}{
			"index":     int64(i + 1),
			"index0":    int64(i),
			"revindex":  int64(len(items) - i),
			"revindex0": int64(len(items) - i - 1),
			"first":     i == 0,
			"last":      i == len(items)-1,
			"length":    int64(len(items)),
		})
		ev.execBody(n.body)
	}
}

func (ev *evaluator) assign(targets []string, item interface{}) {
	if len(targets) == 1 {
		ev.set(targets[0], item)
		return
	}
	parts, ok := normalize(item).([]interface{})
	if !ok {
		panic(newError(KindType, "cannot unpack non-iterable %s object", typeName(item)))
	}
	if len(parts) != len(targets) {
		panic(newError(KindValue, "expected %d values to unpack, got %d", len(targets), len(parts)))
	}
	for i, t := range targets {
		ev.set(t, parts[i])
	}
}

func (ev *evaluator) eval(e expr) interface{} {
	switch x := e.(type) {
	case *literalExpr:
		return x.val
	case *nameExpr:
		return ev.lookup(x.name)
	case *attrExpr:
		return ev.getAttr(ev.eval(x.obj), x.name)
	case *indexExpr:
		return ev.getItem(ev.eval(x.obj), ev.eval(x.key))
	case *callExpr:
		fn := ev.eval(x.fn)
		args, kwargs := ev.evalArgs(x.args, x.kwargs)
		return ev.call(fn, args, kwargs)
	case *filterExpr:
		v := ev.eval(x.arg)
		args, kwargs := ev.evalArgs(x.args, x.kwargs)
		return applyFilter(ev, x.name, v, args, kwargs)
	case *testExpr:
		v := ev.eval(x.arg)
		args, _ := ev.evalArgs(x.args, nil)
		return applyTest(ev, x.name, v, args) != x.negate
	case *unaryExpr:
		return negate(ev.eval(x.x))
	case *binaryExpr:
		return ev.arith(x.op, ev.eval(x.l), ev.eval(x.r))
	case *logicalExpr:
		l := ev.eval(x.l)
		if truthy(l) != x.and {
			return l
		}
		return ev.eval(x.r)
	case *notExpr:
		return !truthy(ev.eval(x.x))
	case *compareExpr:
		return ev.evalCompare(x)
	case *condExpr:
		if truthy(ev.eval(x.cond)) {
			return ev.eval(x.then)
		}
		if x.els_ == nil {
			return undefined{hint: "the inline if-expression evaluated to false and no else section was defined"}
		}
		return ev.eval(x.els_)
	case *listExpr:
		out := make([]interface{}, len(x.items))
		for i, item := range x.items {
			out[i] = ev.eval(item)
		}
		return out
	case *dictExpr:
		out := make(map[string]interface{}, len(x.keys))
		for i := range x.keys {
			k := ev.eval(x.keys[i])
			if u, ok := k.(undefined); ok {
				panic(u.fail())
			}
			out[toString(k)] = ev.eval(x.values[i])
		}
		return out
	}
	panic(newError(KindRuntime, "unsupported expression %T", e))
}

func (ev *evaluator) evalArgs(args []expr, kwargs []kwarg) ([]interface{}, map[string]interface{}) {
	var out []interface{}
	if len(args) > 0 {
		out = make([]interface{}, len(args))
		for i, a := range args {
			out[i] = ev.eval(a)
		}
	}
	var kw map[string]interface{}
	if len(kwargs) > 0 {
		kw = make(map[string]interface{}, len(kwargs))
		for _, k := range kwargs {
			kw[k.name] = ev.eval(k.value)
		}
	}
	return out, kw
}

func (ev *evaluator) evalCompare(c *compareExpr) interface{} {
	left := ev.eval(c.first)
	for i, op := range c.ops {
		right := ev.eval(c.rest[i])
		var ok bool
		switch op {
		case "==":
			ok = equal(left, right)
		case "!=":
			ok = !equal(left, right)
		case "<":
			ok = compare(op, left, right) < 0
		case "<=":
			ok = compare(op, left, right) <= 0
		case ">":
			ok = compare(op, left, right) > 0
		case ">=":
			ok = compare(op, left, right) >= 0
		case "in":
			ok = ev.contains(right, left)
		case "not in":
			ok = !ev.contains(right, left)
		}
		if !ok {
			return false
		}
		left = right
	}
	return true
}

func (ev *evaluator) contains(container, item interface{}) bool {
	switch c := normalize(container).(type) {
	case string:
		s, ok := normalize(item).(string)
		if !ok {
			panic(newError(KindType, "'in <string>' requires string as left operand, not %s", typeName(item)))
		}
		return strings.Contains(c, s)
	case []interface{}:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		k, ok := normalize(item).(string)
		if !ok {
			return false
		}
		_, found := c[k]
		return found
	case *domainStates:
		id, ok := normalize(item).(string)
		return ok && ev.lookupState(c.domain+"."+id) != nil
	case undefined:
		panic(c.fail())
	}
	panic(newError(KindType, "argument of type '%s' is not iterable", typeName(container)))
}

func (ev *evaluator) call(fn interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	switch f := fn.(type) {
	case *builtin:
		return f.fn(ev, args, kwargs)
	case *statesRoot:
		if len(args) != 1 {
			panic(newError(KindType, "states() takes exactly one argument (%d given)", len(args)))
		}
		return ev.stateString(ev.resolveEntity("states", args[0]))
	case undefined:
		panic(f.fail())
	}
	panic(newError(KindType, "'%s' object is not callable", typeName(fn)))
}

func (ev *evaluator) getAttr(obj interface{}, name string) interface{} {
	switch o := normalize(obj).(type) {
	case undefined:
		panic(o.fail())
	case nil:
		return undefined{hint: "'None' has no attribute '" + name + "'"}
	case *statesRoot:
		return &domainStates{domain: name}
	case *domainStates:
		return ev.lookupState(o.domain + "." + name)
	case *stateValue:
		return ev.stateAttr(o, name)
	case map[string]interface{}:
		if v, ok := o[name]; ok {
			return normalize(v)
		}
		if m := dictMethod(o, name); m != nil {
			return m
		}
		return undefined{hint: "'dict object' has no attribute '" + name + "'"}
	case string:
		if m := stringMethod(o, name); m != nil {
			return m
		}
	case time.Time:
		if v, ok := timeAttr(o, name); ok {
			return v
		}
	}
	return undefined{hint: "'" + typeName(obj) + " object' has no attribute '" + name + "'"}
}

func (ev *evaluator) getItem(obj, key interface{}) interface{} {
	key = normalize(key)
	if u, ok := key.(undefined); ok {
		panic(u.fail())
	}
	switch o := normalize(obj).(type) {
	case undefined:
		panic(o.fail())
	case nil:
		return undefined{hint: "'None' has no attribute '" + toString(key) + "'"}
	case *statesRoot:
		k := toString(key)
		if strings.Contains(k, ".") {
			return ev.lookupState(k)
		}
		return &domainStates{domain: k}
	case *domainStates:
		return ev.lookupState(o.domain + "." + toString(key))
	case *stateValue:
		return ev.stateAttr(o, toString(key))
	case map[string]interface{}:
		if v, ok := o[toString(key)]; ok {
			return normalize(v)
		}
		return undefined{hint: "'dict object' has no attribute '" + toString(key) + "'"}
	case []interface{}:
		i, ok := index(key, len(o))
		if !ok {
			return undefined{hint: "list object has no element " + toString(key)}
		}
		return normalize(o[i])
	case string:
		runes := []rune(o)
		i, ok := index(key, len(runes))
		if !ok {
			return undefined{hint: "str object has no element " + toString(key)}
		}
		return string(runes[i])
	}
	return ev.getAttr(obj, toString(key))
}

func index(key interface{}, n int) (int, bool) {
	i, ok := key.(int64)
	if !ok {
		return 0, false
	}
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, false
	}
	return int(i), true
}

// iterate lists the items of an iterable value.
func (ev *evaluator) iterate(v interface{}) []interface{} {
	switch x := normalize(v).(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		copy(out, x)
		return out
	case map[string]interface{}:
		keys := sortedKeys(x)
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out
	case string:
		out := make([]interface{}, 0, utf8.RuneCountInString(x))
		for _, r := range x {
			out = append(out, string(r))
		}
		return out
	case *statesRoot:
		return ev.iterateAll()
	case *domainStates:
		return ev.iterateDomain(x.domain)
	case undefined:
		if ev.env.Strict {
			panic(x.fail())
		}
		return nil
	}
	panic(newError(KindType, "'%s' object is not iterable", typeName(v)))
}

func (ev *evaluator) length(v interface{}) int64 {
	switch x := normalize(v).(type) {
	case *statesRoot:
		return ev.countAll()
	case *domainStates:
		return ev.countDomain(x.domain)
	case []interface{}:
		return int64(len(x))
	case map[string]interface{}:
		return int64(len(x))
	case string:
		return int64(utf8.RuneCountInString(x))
	case undefined:
		if ev.env.Strict {
			panic(x.fail())
		}
		return 0
	}
	panic(newError(KindType, "object of type '%s' has no len()", typeName(v)))
}

func negate(v interface{}) interface{} {
	v = normalize(v)
	if u, ok := v.(undefined); ok {
		panic(u.fail())
	}
	i, f, isFloat, ok := number(v)
	if !ok {
		panic(newError(KindType, "bad operand type for unary -: '%s'", typeName(v)))
	}
	if isFloat {
		return -f
	}
	if i == math.MinInt64 {
		panic(overflow())
	}
	return -i
}

func (ev *evaluator) arith(op string, a, b interface{}) interface{} {
	a, b = normalize(a), normalize(b)
	if op == "~" {
		return toString(a) + toString(b)
	}
	if u, ok := a.(undefined); ok {
		panic(u.fail())
	}
	if u, ok := b.(undefined); ok {
		panic(u.fail())
	}

	ai, af, aFloat, aNum := number(a)
	bi, bf, bFloat, bNum := number(b)
	if aNum && bNum {
		return numericOp(op, ai, af, bi, bf, aFloat || bFloat)
	}

	switch op {
	case "+":
		if x, ok := a.(string); ok {
			if y, ok := b.(string); ok {
				return x + y
			}
			panic(newError(KindType, "can only concatenate str (not \"%s\") to str", typeName(b)))
		}
		if x, ok := a.([]interface{}); ok {
			if y, ok := b.([]interface{}); ok {
				out := make([]interface{}, 0, len(x)+len(y))
				return append(append(out, x...), y...)
			}
		}
	case "*":
		if bNum && !bFloat && bi > maxIterations {
			panic(newError(KindRuntime, "sequence repeat count %d is too large", bi))
		}
		if s, ok := a.(string); ok && bNum && !bFloat {
			if int64(len(s))*bi > maxOutput {
				panic(newError(KindRuntime, "template output exceeded %d bytes", maxOutput))
			}
			return strings.Repeat(s, int(math.Max(0, float64(bi))))
		}
		if l, ok := a.([]interface{}); ok && bNum && !bFloat {
			if int64(len(l))*bi > maxIterations {
				panic(newError(KindRuntime, "sequence repetition exceeds %d items", maxIterations))
			}
			out := make([]interface{}, 0, int(math.Max(0, float64(int64(len(l))*bi))))
			for n := int64(0); n < bi; n++ {
				for range l {
					ev.tick()
				}
				out = append(out, l...)
			}
			return out
		}
	}
	panic(newError(KindType, "unsupported operand type(s) for %s: '%s' and '%s'", op, typeName(a), typeName(b)))
}

func numericOp(op string, ai int64, af float64, bi int64, bf float64, useFloat bool) interface{} {
	switch op {
	case "+":
		if useFloat {
			return af + bf
		}
		return addInt(ai, bi)
	case "-":
		if useFloat {
			return af - bf
		}
		if bi == math.MinInt64 {
			panic(overflow())
		}
		return addInt(ai, -bi)
	case "*":
		if useFloat {
			return af * bf
		}
		return mulInt(ai, bi)
	case "/":
		if bf == 0 {
			panic(newError(KindZeroDivision, "division by zero"))
		}
		return af / bf
	case "//":
		if useFloat {
			if bf == 0 {
				panic(newError(KindZeroDivision, "float floor division by zero"))
			}
			return math.Floor(af / bf)
		}
		if bi == 0 {
			panic(newError(KindZeroDivision, "integer division or modulo by zero"))
		}
		if ai == math.MinInt64 && bi == -1 {
			panic(overflow())
		}
		q := ai / bi
		if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
			q--
		}
		return q
	case "%":
		if useFloat {
			if bf == 0 {
				panic(newError(KindZeroDivision, "float modulo"))
			}
			m := math.Mod(af, bf)
			if m != 0 && (m < 0) != (bf < 0) {
				m += bf
			}
			return m
		}
		if bi == 0 {
			panic(newError(KindZeroDivision, "integer division or modulo by zero"))
		}
		m := ai % bi
		if m != 0 && (m < 0) != (bi < 0) {
			m += bi
		}
		return m
	case "**":
		if !useFloat && bi >= 0 {
			return powInt(ai, bi)
		}
		p := math.Pow(af, bf)
		if math.IsInf(p, 0) && !math.IsInf(af, 0) && !math.IsInf(bf, 0) {
			panic(newError(KindOverflow, "(34, 'Numerical result out of range')"))
		}
		return p
	}
	panic(newError(KindRuntime, "unknown operator %s", op))
}

func overflow() *Error {
	return newError(KindOverflow, "integer result out of range")
}

// addInt and mulInt fail instead of wrapping around.
func addInt(a, b int64) int64 {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		panic(overflow())
	}
	return r
}

// powInt needs at most 63 steps: any base other than -1, 0 and 1
// overflows before that.
func powInt(base, exp int64) int64 {
	switch {
	case exp == 0 || base == 1:
		return 1
	case base == 0:
		return 0
	case base == -1:
		if exp%2 == 1 {
			return -1
		}
		return 1
	}
	r := int64(1)
	for n := int64(0); n < exp; n++ {
		r = mulInt(r, base)
	}
	return r
}

func mulInt(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		panic(overflow())
	}
	return r
}
