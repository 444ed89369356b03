// Package rules evaluates the Mongo-style JSON condition language stored on
// routing rules.
package rules

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrUnsupportedOperator is returned when a condition uses an operator the
// evaluator does not know.
var ErrUnsupportedOperator = errors.New("unsupported operator")

// Eval evaluates a rule against a message context. The grammar:
//
//   - true/false literals evaluate to themselves;
//   - a list is an implicit AND;
//   - a dict may carry $and/$or/$not, otherwise its keys are dot-separated
//     field paths whose value is a literal (equality shorthand) or an
//     operator dict.
//
// A missing field path yields nil, which only $exists:false matches. The
// evaluator is pure and deterministic for a fixed input.
func Eval(rule any, ctx map[string]any) (bool, error) {
	switch r := rule.(type) {
	case bool:
		return r, nil
	case []any:
		for _, sub := range r {
			ok, err := Eval(sub, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case map[string]any:
		return evalDict(r, ctx)
	default:
		// Anything else is not a rule.
		return false, nil
	}
}

func evalDict(rule map[string]any, ctx map[string]any) (bool, error) {
	if sub, ok := rule["$and"]; ok {
		subs, err := ruleList("$and", sub)
		if err != nil {
			return false, err
		}
		for _, s := range subs {
			ok, err := Eval(s, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if sub, ok := rule["$or"]; ok {
		subs, err := ruleList("$or", sub)
		if err != nil {
			return false, err
		}
		for _, s := range subs {
			ok, err := Eval(s, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if sub, ok := rule["$not"]; ok {
		ok, err := Eval(sub, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	// Field predicates, all must hold. Keys are visited in sorted order so
	// error reporting is deterministic.
	for _, field := range sortedKeys(rule) {
		ok, err := evalField(field, rule[field], ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalField(field string, cond any, ctx map[string]any) (bool, error) {
	val := lookupPath(ctx, field)

	condMap, isMap := cond.(map[string]any)
	if !isMap || !hasOperatorKey(condMap) {
		// Shorthand equality: {"field": literal}.
		return equals(val, cond), nil
	}

	for _, op := range sortedKeys(condMap) {
		ok, err := applyOperator(op, val, condMap[op], ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func applyOperator(op string, val, arg any, ctx map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return promotedEqual(val, arg), nil
	case "$ne":
		return !promotedEqual(val, arg), nil
	case "$gt":
		c, err := orderedCompare(val, arg)
		return c > 0, err
	case "$gte":
		c, err := orderedCompare(val, arg)
		return c >= 0, err
	case "$lt":
		c, err := orderedCompare(val, arg)
		return c < 0, err
	case "$lte":
		c, err := orderedCompare(val, arg)
		return c <= 0, err
	case "$in":
		return membership(val, arg)
	case "$nin":
		ok, err := membership(val, arg)
		return !ok, err
	case "$exists":
		return truthy(arg) == (val != nil), nil
	case "$regex":
		return regexMatch(val, arg)
	case "$contains":
		return contains(val, arg), nil
	case "$startswith":
		s, ok := val.(string)
		return ok && strings.HasPrefix(s, stringify(arg)), nil
	case "$endswith":
		s, ok := val.(string)
		return ok && strings.HasSuffix(s, stringify(arg)), nil
	case "$between":
		return between(val, arg)
	case "$elemMatch":
		return elemMatch(val, arg, ctx)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}

// lookupPath walks a dot-separated path through nested maps. Any miss along
// the way yields nil.
func lookupPath(ctx map[string]any, path string) any {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func hasOperatorKey(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ruleList(op string, v any) ([]any, error) {
	subs, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s requires an array, got %T", op, v)
	}
	return subs, nil
}

// equals is the plain deep equality used by shorthand conditions and
// membership checks. Numbers compare across int/float widths; no timestamp
// promotion happens here.
func equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, okb := toFloat(b)
		return okb && fa == fb
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equals(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			bv, ok := y[k]
			if !ok || !equals(v, bv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// promotedEqual is equality after ISO-8601 promotion, used by $eq/$ne so
// differently formatted timestamps still compare equal.
func promotedEqual(a, b any) bool {
	pa, pb := promote(a), promote(b)
	if ta, ok := pa.(time.Time); ok {
		tb, okb := pb.(time.Time)
		return okb && ta.Equal(tb)
	}
	return equals(pa, pb)
}

// orderedCompare returns -1, 0 or 1. Both sides go through ISO-8601
// promotion first; comparing values of incompatible kinds is an error.
func orderedCompare(a, b any) (int, error) {
	pa, pb := promote(a), promote(b)

	if ta, ok := pa.(time.Time); ok {
		tb, okb := pb.(time.Time)
		if !okb {
			return 0, fmt.Errorf("cannot compare timestamp with %T", b)
		}
		return ta.Compare(tb), nil
	}
	if fa, ok := toFloat(pa); ok {
		fb, okb := toFloat(pb)
		if !okb {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if sa, ok := pa.(string); ok {
		sb, okb := pb.(string)
		if !okb {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("values of type %T are not ordered", a)
}

func membership(val, arg any) (bool, error) {
	switch c := arg.(type) {
	case []any:
		for _, e := range c {
			if equals(val, e) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := val.(string)
		if !ok {
			return false, fmt.Errorf("$in over a string requires a string value, got %T", val)
		}
		return strings.Contains(c, s), nil
	default:
		return false, fmt.Errorf("$in requires an array or string, got %T", arg)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// regexMatch accepts a bare pattern string or {pattern, flags} with the i
// and m flags. Non-string values never match.
func regexMatch(val, arg any) (bool, error) {
	pattern := ""
	flags := ""
	switch spec := arg.(type) {
	case map[string]any:
		if p, ok := spec["pattern"].(string); ok {
			pattern = p
		}
		if f, ok := spec["flags"].(string); ok {
			flags = f
		}
	default:
		pattern = stringify(arg)
	}

	var prefix string
	if strings.ContainsRune(flags, 'i') {
		prefix += "i"
	}
	if strings.ContainsRune(flags, 'm') {
		prefix += "m"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	s, ok := val.(string)
	if !ok {
		return false, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("$regex: %w", err)
	}
	return re.MatchString(s), nil
}

func contains(container, needle any) bool {
	switch c := container.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(c, n)
	case []any:
		for _, e := range c {
			if equals(e, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func between(val, arg any) (bool, error) {
	rng, ok := arg.([]any)
	if !ok || len(rng) != 2 {
		return false, nil
	}
	if val == nil || rng[0] == nil || rng[1] == nil {
		return false, nil
	}
	lo, err := orderedCompare(rng[0], val)
	if err != nil {
		return false, err
	}
	hi, err := orderedCompare(val, rng[1])
	if err != nil {
		return false, err
	}
	return lo <= 0 && hi <= 0, nil
}

// elemMatch applies the sub-rule to each array element, once with the
// element bound as "this" in the outer context and, for object elements,
// once more with the element itself as the context.
func elemMatch(val, arg any, ctx map[string]any) (bool, error) {
	arr, ok := val.([]any)
	if !ok {
		return false, nil
	}
	for _, elem := range arr {
		bound := make(map[string]any, len(ctx)+1)
		bound["this"] = elem
		for k, v := range ctx {
			bound[k] = v
		}
		ok, err := Eval(arg, bound)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		if elemCtx, isMap := elem.(map[string]any); isMap {
			ok, err = Eval(arg, elemCtx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// promote turns ISO-8601 strings into time.Time for ordered comparisons;
// everything else passes through.
func promote(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, ok := parseISO(s); ok {
		return t
	}
	return v
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseISO(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
