package template

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// undefined is the value of a missing name, attribute or key. It renders as
// an empty string and fails on anything else that needs a real value.
type undefined struct {
	hint string
}

func (u undefined) fail() *Error {
	return newError(KindUndefined, "%s", u.hint)
}

// builtin is a callable global or bound method.
type builtin struct {
	name string
	fn   func(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{}
}

// normalize maps arbitrary Go values coming from state attributes and
// variables onto the small set of types the evaluator works with.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, undefined, []interface{}, map[string]interface{}, time.Time,
		*builtin, *stateValue, *statesRoot, *domainStates:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]interface{}, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case time.Duration:
		return x.Seconds()
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// exportValue turns an evaluator value into a plain result: lists, maps and
// scalars stay, everything else is rendered to its string form.
func exportValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, time.Time:
		return x
	case undefined:
		return ""
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = exportValue(normalize(item))
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = exportValue(normalize(item))
		}
		return out
	default:
		return toString(x)
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []interface{}:
		return "list"
	case map[string]interface{}:
		return "dict"
	case undefined:
		return "Undefined"
	case time.Time:
		return "datetime"
	case *builtin:
		return "function"
	case *stateValue:
		return "TemplateState"
	case *statesRoot:
		return "AllStates"
	case *domainStates:
		return "DomainStates"
	}
	return fmt.Sprintf("%T", v)
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	return true
}

// toString formats v the way template authors expect to see it printed.
func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case undefined:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case []interface{}:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = repr(normalize(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]interface{}:
		keys := sortedKeys(x)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = repr(k) + ": " + repr(normalize(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case time.Time:
		return formatTime(x)
	case *stateValue:
		return fmt.Sprintf("<template TemplateState(%s)>", x.state.String())
	case *statesRoot:
		return "<template AllStates>"
	case *domainStates:
		return fmt.Sprintf("<template DomainStates(%s)>", x.domain)
	case *builtin:
		return fmt.Sprintf("<built-in function %s>", x.name)
	}
	return fmt.Sprint(v)
}

func repr(v interface{}) string {
	if s, ok := v.(string); ok {
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`).Replace(s) + "'"
	}
	return toString(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e16 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	layout := "2006-01-02 15:04:05"
	if t.Nanosecond()/1000 != 0 {
		layout += ".000000"
	}
	return t.Format(layout + "-07:00")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// number extracts a numeric value. Booleans count as integers.
func number(v interface{}) (i int64, f float64, isFloat, ok bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, 1, false, true
		}
		return 0, 0, false, true
	case int64:
		return x, float64(x), false, true
	case float64:
		return int64(x), x, true, true
	}
	return 0, 0, false, false
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func equal(a, b interface{}) bool {
	a, b = normalize(a), normalize(b)
	if _, ok := a.(undefined); ok {
		_, ok := b.(undefined)
		return ok
	}
	if _, ok := b.(undefined); ok {
		return false
	}
	if ai, af, aFloat, ok := number(a); ok {
		bi, bf, bFloat, ok := number(b)
		if !ok {
			return false
		}
		if aFloat || bFloat {
			return af == bf
		}
		return ai == bi
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !equal(v, w) {
				return false
			}
		}
		return true
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case *stateValue:
		y, ok := b.(*stateValue)
		return ok && x.state == y.state
	}
	return a == b
}

// compare orders a and b. It fails with a TypeError for unordered pairs.
func compare(op string, a, b interface{}) int {
	a, b = normalize(a), normalize(b)
	if _, af, _, ok := number(a); ok {
		if _, bf, _, ok := number(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case []interface{}:
		if y, ok := b.([]interface{}); ok {
			for i := 0; i < len(x) && i < len(y); i++ {
				if equal(x[i], y[i]) {
					continue
				}
				return compare(op, x[i], y[i])
			}
			switch {
			case len(x) < len(y):
				return -1
			case len(x) > len(y):
				return 1
			}
			return 0
		}
	}
	if u, ok := a.(undefined); ok {
		panic(u.fail())
	}
	if u, ok := b.(undefined); ok {
		panic(u.fail())
	}
	panic(newError(KindType, "'%s' not supported between instances of '%s' and '%s'", op, typeName(a), typeName(b)))
}

// ResultsEqual reports whether two render results are the same value.
// Numbers compare across int and float.
func ResultsEqual(a, b interface{}) bool {
	ea, aErr := a.(*Error)
	eb, bErr := b.(*Error)
	if aErr || bErr {
		return aErr && bErr && ea.Kind == eb.Kind && ea.Message == eb.Message
	}
	return equal(a, b)
}

// ResultAsBoolean interprets a render result as a condition. Strings are
// matched against the usual on/off words and numbers are true when non-zero.
// Errors and anything else are false.
func ResultAsBoolean(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on", "enable":
			return true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f != 0
		}
	}
	return false
}

// ResultAsString formats a render result the way it is printed inside a
// template, which is also how it is stored as an entity state.
func ResultAsString(v interface{}) string {
	return toString(normalize(v))
}
