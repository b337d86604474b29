package template

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type filterFunc func(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{}

type testFunc func(ev *evaluator, v interface{}, args []interface{}) bool

var (
	filters map[string]filterFunc
	tests   map[string]testFunc
	globals map[string]*builtin
)

func init() {
	filters = map[string]filterFunc{
		"count":            filterLength,
		"length":           filterLength,
		"list":             filterList,
		"first":            filterFirst,
		"last":             filterLast,
		"join":             filterJoin,
		"lower":            stringFilter(strings.ToLower),
		"upper":            stringFilter(strings.ToUpper),
		"title":            stringFilter(titleCase),
		"capitalize":       stringFilter(capitalize),
		"trim":             stringFilter(strings.TrimSpace),
		"replace":          filterReplace,
		"default":          filterDefault,
		"d":                filterDefault,
		"int":              filterInt,
		"float":            filterFloat,
		"bool":             filterBool,
		"round":            filterRound,
		"abs":              filterAbs,
		"string":           func(_ *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} { return toString(v) },
		"sum":              filterSum,
		"min":              filterMinMax(-1),
		"max":              filterMinMax(1),
		"sort":             filterSort,
		"unique":           filterUnique,
		"reverse":          filterReverse,
		"selectattr":       filterSelectAttr(true),
		"rejectattr":       filterSelectAttr(false),
		"select":           filterSelect(true),
		"reject":           filterSelect(false),
		"map":              filterMap,
		"as_timestamp":     filterAsTimestamp,
		"timestamp_custom": filterTimestampCustom,
		"timestamp_local":  filterTimestampLocal,
	}

	tests = map[string]testFunc{
		"defined":   func(_ *evaluator, v interface{}, _ []interface{}) bool { _, u := v.(undefined); return !u },
		"undefined": func(_ *evaluator, v interface{}, _ []interface{}) bool { _, u := v.(undefined); return u },
		"none":      func(_ *evaluator, v interface{}, _ []interface{}) bool { return v == nil },
		"number":    func(_ *evaluator, v interface{}, _ []interface{}) bool { return isNumber(v) },
		"string":    func(_ *evaluator, v interface{}, _ []interface{}) bool { _, ok := v.(string); return ok },
		"boolean":   func(_ *evaluator, v interface{}, _ []interface{}) bool { _, ok := v.(bool); return ok },
		"true":      func(_ *evaluator, v interface{}, _ []interface{}) bool { return v == true },
		"false":     func(_ *evaluator, v interface{}, _ []interface{}) bool { return v == false },
		"mapping":   func(_ *evaluator, v interface{}, _ []interface{}) bool { _, ok := v.(map[string]interface{}); return ok },
		"sequence":  func(_ *evaluator, v interface{}, _ []interface{}) bool { _, ok := v.([]interface{}); return ok },
		"even":      func(_ *evaluator, v interface{}, _ []interface{}) bool { return toInt(v)%2 == 0 },
		"odd":       func(_ *evaluator, v interface{}, _ []interface{}) bool { return toInt(v)%2 != 0 },
		"eq":        func(_ *evaluator, v interface{}, a []interface{}) bool { return equal(v, arg(a, 0, nil)) },
		"ne":        func(_ *evaluator, v interface{}, a []interface{}) bool { return !equal(v, arg(a, 0, nil)) },
		"lt":        func(_ *evaluator, v interface{}, a []interface{}) bool { return compare("<", v, arg(a, 0, nil)) < 0 },
		"le":        func(_ *evaluator, v interface{}, a []interface{}) bool { return compare("<=", v, arg(a, 0, nil)) <= 0 },
		"gt":        func(_ *evaluator, v interface{}, a []interface{}) bool { return compare(">", v, arg(a, 0, nil)) > 0 },
		"ge":        func(_ *evaluator, v interface{}, a []interface{}) bool { return compare(">=", v, arg(a, 0, nil)) >= 0 },
		"in":        func(ev *evaluator, v interface{}, a []interface{}) bool { return ev.contains(arg(a, 0, nil), v) },
		"divisibleby": func(_ *evaluator, v interface{}, a []interface{}) bool {
			n := toInt(arg(a, 0, int64(1)))
			return n != 0 && toInt(v)%n == 0
		},
	}
	tests["=="] = tests["eq"]
	tests["!="] = tests["ne"]
	tests["<"] = tests["lt"]
	tests["<="] = tests["le"]
	tests[">"] = tests["gt"]
	tests[">="] = tests["ge"]

	globals = map[string]*builtin{}
	for name, fn := range map[string]func(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{}{
		"is_state":      fnIsState,
		"state_attr":    fnStateAttr,
		"is_state_attr": fnIsStateAttr,
		"has_value":     fnHasValue,
		"now":           fnNow,
		"utcnow":        fnUTCNow,
		"as_timestamp":  fnAsTimestamp,
		"float":         fnFloat,
		"int":           fnInt,
		"bool":          fnBool,
		"range":         fnRange,
		"min":           fnMinMax(-1),
		"max":           fnMinMax(1),
		"dict":          fnDict,
	} {
		globals[name] = &builtin{name: name, fn: fn}
	}
}

func applyFilter(ev *evaluator, name string, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	f, ok := filters[name]
	if !ok {
		panic(newError(KindRuntime, "No filter named '%s'.", name))
	}
	return f(ev, normalize(v), args, kwargs)
}

func applyTest(ev *evaluator, name string, v interface{}, args []interface{}) bool {
	t, ok := tests[name]
	if !ok {
		panic(newError(KindRuntime, "No test named '%s'.", name))
	}
	return t(ev, normalize(v), args)
}

func arg(args []interface{}, i int, def interface{}) interface{} {
	if i < len(args) {
		return normalize(args[i])
	}
	return def
}

// option returns a positional argument, or the keyword of the same name.
func option(args []interface{}, kwargs map[string]interface{}, i int, name string, def interface{}) interface{} {
	if v, ok := kwargs[name]; ok {
		return normalize(v)
	}
	return arg(args, i, def)
}

func hasOption(args []interface{}, kwargs map[string]interface{}, i int, name string) bool {
	if _, ok := kwargs[name]; ok {
		return true
	}
	return i < len(args)
}

func toInt(v interface{}) int64 {
	i, f, isFloat, ok := number(normalize(v))
	if !ok {
		panic(newError(KindType, "'%s' object cannot be interpreted as an integer", typeName(v)))
	}
	if isFloat {
		return int64(f)
	}
	return i
}

func stringFilter(fn func(string) string) filterFunc {
	return func(_ *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
		return fn(toString(v))
	}
}

func titleCase(s string) string {
	prev := ' '
	return strings.Map(func(r rune) rune {
		defer func() { prev = r }()
		if unicode.IsLetter(prev) || unicode.IsDigit(prev) || prev == '\'' {
			return unicode.ToLower(r)
		}
		return unicode.ToTitle(r)
	}, s)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func filterLength(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	return ev.length(v)
}

func filterList(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	return ev.iterate(v)
}

func filterFirst(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	items := ev.iterate(v)
	if len(items) == 0 {
		return undefined{hint: "No first item, sequence was empty."}
	}
	return items[0]
}

func filterLast(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	items := ev.iterate(v)
	if len(items) == 0 {
		return undefined{hint: "No last item, sequence was empty."}
	}
	return items[len(items)-1]
}

func filterJoin(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	sep := toString(option(args, kwargs, 0, "d", ""))
	attr := option(args, kwargs, 1, "attribute", nil)
	items := ev.iterate(v)
	parts := make([]string, len(items))
	for i, item := range items {
		if attr != nil {
			item = ev.getAttrPath(item, toString(attr))
		}
		parts[i] = toString(normalize(item))
	}
	return strings.Join(parts, sep)
}

func filterReplace(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	old := toString(option(args, kwargs, 0, "old", ""))
	repl := toString(option(args, kwargs, 1, "new", ""))
	n := -1
	if c := option(args, kwargs, 2, "count", nil); c != nil {
		n = int(toInt(c))
	}
	return strings.Replace(toString(v), old, repl, n)
}

func filterDefault(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	def := option(args, kwargs, 0, "default_value", "")
	boolean := truthy(option(args, kwargs, 1, "boolean", false))
	if _, ok := v.(undefined); ok {
		return def
	}
	if boolean && !truthy(v) {
		return def
	}
	return v
}

// parseFloat converts a value the way the float() builtin does.
func parseFloat(v interface{}) (float64, bool) {
	switch x := normalize(v).(type) {
	case bool, int64, float64:
		_, f, _, _ := number(x)
		return f, true
	case string:
		s := strings.TrimSpace(x)
		switch strings.ToLower(s) {
		case "inf", "+inf", "infinity":
			return math.Inf(1), true
		case "-inf", "-infinity":
			return math.Inf(-1), true
		case "nan":
			return math.NaN(), true
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
		return f, err == nil
	case time.Time:
		return float64(x.UnixNano()) / 1e9, true
	}
	return 0, false
}

func parseInt(v interface{}, base int) (int64, bool) {
	switch x := normalize(v).(type) {
	case bool, int64:
		i, _, _, _ := number(x)
		return i, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), base, 64); err == nil {
			return i, true
		}
		if base == 10 {
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

func filterFloat(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	if f, ok := parseFloat(v); ok {
		return f
	}
	if hasOption(args, kwargs, 0, "default") {
		return option(args, kwargs, 0, "default", nil)
	}
	panic(newError(KindValue, "float got invalid input '%s' but no default was specified", toString(v)))
}

func filterInt(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	base := int(toInt(option(args, kwargs, 1, "base", int64(10))))
	if i, ok := parseInt(v, base); ok {
		return i
	}
	if hasOption(args, kwargs, 0, "default") {
		return option(args, kwargs, 0, "default", nil)
	}
	panic(newError(KindValue, "int got invalid input '%s' but no default was specified", toString(v)))
}

func parseBool(v interface{}) (bool, bool) {
	switch x := normalize(v).(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "on", "enable", "1":
			return true, true
		case "false", "no", "off", "disable", "0", "none":
			return false, true
		}
	case nil:
		return false, true
	}
	return false, false
}

func filterBool(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	if b, ok := parseBool(v); ok {
		return b
	}
	if hasOption(args, kwargs, 0, "default") {
		return option(args, kwargs, 0, "default", nil)
	}
	panic(newError(KindValue, "bool got invalid input '%s' but no default was specified", toString(v)))
}

func filterRound(_ *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	f, ok := parseFloat(v)
	if !ok {
		if hasOption(args, kwargs, 2, "default") {
			return option(args, kwargs, 2, "default", nil)
		}
		panic(newError(KindValue, "round got invalid input '%s' but no default was specified", toString(v)))
	}
	precision := toInt(option(args, kwargs, 0, "precision", int64(0)))
	method := toString(option(args, kwargs, 1, "method", "common"))
	scale := math.Pow(10, float64(precision))
	switch method {
	case "ceil":
		f = math.Ceil(f*scale) / scale
	case "floor":
		f = math.Floor(f*scale) / scale
	case "half":
		f = math.Round(f*2) / 2
	default:
		f = math.RoundToEven(f*scale) / scale
	}
	if precision == 0 && method != "half" {
		return int64(f)
	}
	return f
}

func filterAbs(_ *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	i, f, isFloat, ok := number(v)
	if !ok {
		panic(newError(KindType, "bad operand type for abs(): '%s'", typeName(v)))
	}
	if isFloat {
		return math.Abs(f)
	}
	if i < 0 {
		return -i
	}
	return i
}

func filterSum(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	attr := option(args, kwargs, 0, "attribute", nil)
	var total interface{} = option(args, kwargs, 1, "start", int64(0))
	for _, item := range ev.iterate(v) {
		if attr != nil {
			item = ev.getAttrPath(item, toString(attr))
		}
		total = ev.arith("+", total, item)
	}
	return total
}

func extreme(items []interface{}, sign int) interface{} {
	if len(items) == 0 {
		return undefined{hint: "No aggregated item, sequence was empty."}
	}
	best := normalize(items[0])
	for _, item := range items[1:] {
		item = normalize(item)
		if compare("<", item, best)*sign > 0 {
			best = item
		}
	}
	return best
}

func filterMinMax(sign int) filterFunc {
	return func(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
		items := ev.iterate(v)
		if attr := option(args, kwargs, 1, "attribute", nil); attr != nil {
			return extremeBy(ev, items, toString(attr), sign)
		}
		return extreme(items, sign)
	}
}

func extremeBy(ev *evaluator, items []interface{}, attr string, sign int) interface{} {
	if len(items) == 0 {
		return undefined{hint: "No aggregated item, sequence was empty."}
	}
	best, bestKey := items[0], ev.getAttrPath(items[0], attr)
	for _, item := range items[1:] {
		key := ev.getAttrPath(item, attr)
		if compare("<", key, bestKey)*sign > 0 {
			best, bestKey = item, key
		}
	}
	return best
}

func filterSort(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	items := ev.iterate(v)
	reverse := truthy(option(args, kwargs, 0, "reverse", false))
	caseSensitive := truthy(option(args, kwargs, 1, "case_sensitive", false))
	attr := option(args, kwargs, 2, "attribute", nil)

	keys := make([]interface{}, len(items))
	for i, item := range items {
		k := normalize(item)
		if attr != nil {
			k = normalize(ev.getAttrPath(item, toString(attr)))
		}
		if s, ok := k.(string); ok && !caseSensitive {
			k = strings.ToLower(s)
		}
		keys[i] = k
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		c := compare("<", keys[idx[a]], keys[idx[b]])
		if reverse {
			return c > 0
		}
		return c < 0
	})
	out := make([]interface{}, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

func filterUnique(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	var out []interface{}
	for _, item := range ev.iterate(v) {
		seen := false
		for _, o := range out {
			if equal(o, item) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []interface{}{}
	}
	return out
}

func filterReverse(ev *evaluator, v interface{}, _ []interface{}, _ map[string]interface{}) interface{} {
	if s, ok := v.(string); ok {
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r)
	}
	items := ev.iterate(v)
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// getAttrPath resolves a dotted attribute path like "attributes.battery".
func (ev *evaluator) getAttrPath(v interface{}, path string) interface{} {
	for _, part := range strings.Split(path, ".") {
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			v = ev.getItem(v, n)
			continue
		}
		v = ev.getAttr(v, part)
		if u, ok := v.(undefined); ok {
			return u
		}
	}
	return v
}

func filterSelectAttr(keep bool) filterFunc {
	return func(ev *evaluator, v interface{}, args []interface{}, _ map[string]interface{}) interface{} {
		if len(args) == 0 {
			panic(newError(KindRuntime, "Missing parameter for attribute name"))
		}
		attr := toString(args[0])
		out := []interface{}{}
		for _, item := range ev.iterate(v) {
			ev.tick()
			val := ev.getAttrPath(item, attr)
			var ok bool
			if len(args) > 1 {
				ok = applyTest(ev, toString(args[1]), val, args[2:])
			} else {
				ok = truthy(val)
			}
			if ok == keep {
				out = append(out, item)
			}
		}
		return out
	}
}

func filterSelect(keep bool) filterFunc {
	return func(ev *evaluator, v interface{}, args []interface{}, _ map[string]interface{}) interface{} {
		out := []interface{}{}
		for _, item := range ev.iterate(v) {
			ev.tick()
			var ok bool
			if len(args) > 0 {
				ok = applyTest(ev, toString(args[0]), item, args[1:])
			} else {
				ok = truthy(item)
			}
			if ok == keep {
				out = append(out, item)
			}
		}
		return out
	}
}

func filterMap(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	items := ev.iterate(v)
	out := make([]interface{}, len(items))
	if attr, ok := kwargs["attribute"]; ok {
		def, hasDefault := kwargs["default"]
		for i, item := range items {
			ev.tick()
			val := ev.getAttrPath(item, toString(attr))
			if _, missing := val.(undefined); missing && hasDefault {
				val = def
			}
			out[i] = val
		}
		return out
	}
	if len(args) == 0 {
		panic(newError(KindRuntime, "map requires a filter name or an attribute"))
	}
	name := toString(args[0])
	for i, item := range items {
		ev.tick()
		out[i] = applyFilter(ev, name, item, args[1:], nil)
	}
	return out
}

// toTime converts datetimes, timestamps and date strings to a time.
func toTime(v interface{}, loc *time.Location) (time.Time, bool) {
	switch x := normalize(v).(type) {
	case time.Time:
		return x, true
	case int64, float64:
		_, f, _, _ := number(x)
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).In(loc), true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999Z07:00",
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05.999999999",
			"2006-01-02",
		} {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toTime(f, loc)
		}
	}
	return time.Time{}, false
}

// timestampInput accepts a unix timestamp as a number or numeric string.
func timestampInput(v interface{}) (time.Time, bool) {
	if _, ok := v.(time.Time); ok {
		return time.Time{}, false
	}
	f, ok := parseFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	return toTime(f, time.UTC)
}

func timestamp(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func filterAsTimestamp(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	return fnAsTimestamp(ev, append([]interface{}{v}, args...), kwargs)
}

func filterTimestampCustom(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	format := toString(option(args, kwargs, 0, "format_string", "%Y-%m-%d %H:%M:%S"))
	local := truthy(option(args, kwargs, 1, "local", true))
	t, ok := timestampInput(v)
	if !ok {
		if hasOption(args, kwargs, 2, "default") {
			return option(args, kwargs, 2, "default", nil)
		}
		panic(newError(KindValue, "timestamp_custom got invalid input '%s' but no default was specified", toString(v)))
	}
	if local {
		t = t.In(ev.location())
	} else {
		t = t.UTC()
	}
	return strftime(t, format)
}

func filterTimestampLocal(ev *evaluator, v interface{}, args []interface{}, kwargs map[string]interface{}) interface{} {
	t, ok := timestampInput(v)
	if !ok {
		if hasOption(args, kwargs, 0, "default") {
			return option(args, kwargs, 0, "default", nil)
		}
		panic(newError(KindValue, "timestamp_local got invalid input '%s' but no default was specified", toString(v)))
	}
	return t.In(ev.location()).Format(time.RFC3339)
}

// strftime implements the common directives of the C function.
func strftime(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			b.WriteString(strconv.Itoa(t.Year()))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'e':
			b.WriteString(t.Format("_2"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'I':
			b.WriteString(t.Format("03"))
		case 'M':
			b.WriteString(t.Format("04"))
		case 'S':
			b.WriteString(t.Format("05"))
		case 'f':
			b.WriteString(t.Format(".000000")[1:])
		case 'p':
			b.WriteString(t.Format("PM"))
		case 'a':
			b.WriteString(t.Format("Mon"))
		case 'A':
			b.WriteString(t.Format("Monday"))
		case 'b', 'h':
			b.WriteString(t.Format("Jan"))
		case 'B':
			b.WriteString(t.Format("January"))
		case 'z':
			b.WriteString(t.Format("-0700"))
		case 'Z':
			b.WriteString(t.Format("MST"))
		case 'j':
			b.WriteString(strconv.Itoa(1000 + t.YearDay())[1:])
		case 'w':
			b.WriteString(strconv.Itoa(int(t.Weekday())))
		case 's':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

func fnIsState(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
	if len(args) != 2 {
		panic(newError(KindType, "is_state() takes 2 arguments (%d given)", len(args)))
	}
	return ev.isState(ev.resolveEntity("is_state", normalize(args[0])), normalize(args[1]))
}

func fnStateAttr(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
	if len(args) != 2 {
		panic(newError(KindType, "state_attr() takes 2 arguments (%d given)", len(args)))
	}
	return ev.stateAttrOf(ev.resolveEntity("state_attr", normalize(args[0])), toString(args[1]))
}

func fnIsStateAttr(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
	if len(args) != 3 {
		panic(newError(KindType, "is_state_attr() takes 3 arguments (%d given)", len(args)))
	}
	v := ev.stateAttrOf(ev.resolveEntity("is_state_attr", normalize(args[0])), toString(args[1]))
	return v != nil && equal(v, args[2])
}

func fnHasValue(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
	if len(args) != 1 {
		panic(newError(KindType, "has_value() takes 1 argument (%d given)", len(args)))
	}
	return ev.hasValue(ev.resolveEntity("has_value", normalize(args[0])))
}

func fnNow(ev *evaluator, _ []interface{}, _ map[string]interface{}) interface{} {
	ev.obs.timeUsed()
	return ev.now().In(ev.location())
}

func fnUTCNow(ev *evaluator, _ []interface{}, _ map[string]interface{}) interface{} {
	ev.obs.timeUsed()
	return ev.now().UTC()
}

func fnAsTimestamp(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	if len(args) == 0 {
		panic(newError(KindType, "as_timestamp() missing required argument"))
	}
	if t, ok := toTime(args[0], ev.location()); ok {
		return timestamp(t)
	}
	if hasOption(args, kwargs, 1, "default") {
		return option(args, kwargs, 1, "default", nil)
	}
	panic(newError(KindValue, "as_timestamp got invalid input '%s' but no default was specified", toString(normalize(args[0]))))
}

func fnFloat(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	if len(args) == 0 {
		return 0.0
	}
	return filterFloat(ev, normalize(args[0]), args[1:], kwargs)
}

func fnInt(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	if len(args) == 0 {
		return int64(0)
	}
	return filterInt(ev, normalize(args[0]), args[1:], kwargs)
}

func fnBool(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	if len(args) == 0 {
		return false
	}
	return filterBool(ev, normalize(args[0]), args[1:], kwargs)
}

func fnRange(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
	var start, stop, step int64 = 0, 0, 1
	switch len(args) {
	case 1:
		stop = toInt(args[0])
	case 2:
		start, stop = toInt(args[0]), toInt(args[1])
	case 3:
		start, stop, step = toInt(args[0]), toInt(args[1]), toInt(args[2])
	default:
		panic(newError(KindType, "range expected 1 to 3 arguments, got %d", len(args)))
	}
	if step == 0 {
		panic(newError(KindValue, "range() arg 3 must not be zero"))
	}
	out := []interface{}{}
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		ev.tick()
		out = append(out, i)
	}
	return out
}

func fnMinMax(sign int) func(ev *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	return func(ev *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
		if len(args) == 1 {
			return extreme(ev.iterate(args[0]), sign)
		}
		return extreme(args, sign)
	}
}

func fnDict(_ *evaluator, args []interface{}, kwargs map[string]interface{}) interface{} {
	out := map[string]interface{}{}
	if len(args) > 0 {
		if m, ok := normalize(args[0]).(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	for k, v := range kwargs {
		out[k] = v
	}
	return out
}

func dictMethod(m map[string]interface{}, name string) *builtin {
	switch name {
	case "items":
		return &builtin{name: "items", fn: func(_ *evaluator, _ []interface{}, _ map[string]interface{}) interface{} {
			keys := sortedKeys(m)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = []interface{}{k, normalize(m[k])}
			}
			return out
		}}
	case "keys":
		return &builtin{name: "keys", fn: func(_ *evaluator, _ []interface{}, _ map[string]interface{}) interface{} {
			keys := sortedKeys(m)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return out
		}}
	case "values":
		return &builtin{name: "values", fn: func(_ *evaluator, _ []interface{}, _ map[string]interface{}) interface{} {
			keys := sortedKeys(m)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = normalize(m[k])
			}
			return out
		}}
	case "get":
		return &builtin{name: "get", fn: func(_ *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
			if v, ok := m[toString(arg(args, 0, ""))]; ok {
				return normalize(v)
			}
			return arg(args, 1, nil)
		}}
	}
	return nil
}

func stringMethod(s, name string) *builtin {
	var fn func(args []interface{}) interface{}
	switch name {
	case "lower":
		fn = func([]interface{}) interface{} { return strings.ToLower(s) }
	case "upper":
		fn = func([]interface{}) interface{} { return strings.ToUpper(s) }
	case "title":
		fn = func([]interface{}) interface{} { return titleCase(s) }
	case "strip":
		fn = func([]interface{}) interface{} { return strings.TrimSpace(s) }
	case "startswith":
		fn = func(a []interface{}) interface{} { return strings.HasPrefix(s, toString(arg(a, 0, ""))) }
	case "endswith":
		fn = func(a []interface{}) interface{} { return strings.HasSuffix(s, toString(arg(a, 0, ""))) }
	case "replace":
		fn = func(a []interface{}) interface{} {
			return strings.ReplaceAll(s, toString(arg(a, 0, "")), toString(arg(a, 1, "")))
		}
	case "split":
		fn = func(a []interface{}) interface{} {
			var parts []string
			if sep := arg(a, 0, nil); sep != nil {
				parts = strings.Split(s, toString(sep))
			} else {
				parts = strings.Fields(s)
			}
			out := make([]interface{}, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out
		}
	default:
		return nil
	}
	return &builtin{name: name, fn: func(_ *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
		return fn(args)
	}}
}

func timeAttr(t time.Time, name string) (interface{}, bool) {
	switch name {
	case "year":
		return int64(t.Year()), true
	case "month":
		return int64(t.Month()), true
	case "day":
		return int64(t.Day()), true
	case "hour":
		return int64(t.Hour()), true
	case "minute":
		return int64(t.Minute()), true
	case "second":
		return int64(t.Second()), true
	case "microsecond":
		return int64(t.Nanosecond() / 1000), true
	case "timestamp":
		return &builtin{name: name, fn: func(*evaluator, []interface{}, map[string]interface{}) interface{} {
			return timestamp(t)
		}}, true
	case "isoformat":
		return &builtin{name: name, fn: func(*evaluator, []interface{}, map[string]interface{}) interface{} {
			return t.Format("2006-01-02T15:04:05.999999-07:00")
		}}, true
	case "weekday":
		return &builtin{name: name, fn: func(*evaluator, []interface{}, map[string]interface{}) interface{} {
			return int64((t.Weekday() + 6) % 7)
		}}, true
	case "strftime":
		return &builtin{name: name, fn: func(_ *evaluator, args []interface{}, _ map[string]interface{}) interface{} {
			return strftime(t, toString(arg(args, 0, "")))
		}}, true
	}
	return nil, false
}
