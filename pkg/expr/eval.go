package expr

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// evalNode evaluates a validated tree against a scope of named values.
// Numeric semantics follow the expression language's conventions: / is true
// division, // is floor division, % takes the sign of the divisor, and
// mixed int/float arithmetic widens to float.
func evalNode(n node, scope map[string]any) (any, error) {
	switch v := n.(type) {
	case *literalNode:
		return v.value, nil
	case *nameNode:
		val, ok := scope[v.name]
		if !ok {
			return nil, evalErrorf("name %q is not defined", v.name)
		}
		return val, nil
	case *listNode:
		return evalElems(v.elems, scope)
	case *setNode:
		return evalElems(v.elems, scope)
	case *dictNode:
		return evalDict(v, scope)
	case *subscriptNode:
		return evalSubscript(v, scope)
	case *callNode:
		return evalCall(v, scope)
	case *unaryNode:
		return evalUnary(v, scope)
	case *binaryNode:
		return evalBinary(v, scope)
	case *boolOpNode:
		return evalBoolOp(v, scope)
	case *compareNode:
		return evalCompare(v, scope)
	case *ternaryNode:
		cond, err := evalNode(v.cond, scope)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return evalNode(v.body, scope)
		}
		return evalNode(v.orelse, scope)
	default:
		return nil, evalErrorf("unsupported node %s", n.nodeKind())
	}
}

func evalElems(elems []node, scope map[string]any) ([]any, error) {
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		v, err := evalNode(e, scope)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func evalDict(d *dictNode, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(d.keys))
	for i, kn := range d.keys {
		k, err := evalNode(kn, scope)
		if err != nil {
			return nil, err
		}
		ks, ok := k.(string)
		if !ok {
			return nil, evalErrorf("dict keys must be strings, got %T", k)
		}
		v, err := evalNode(d.values[i], scope)
		if err != nil {
			return nil, err
		}
		out[ks] = v
	}
	return out, nil
}

func evalSubscript(s *subscriptNode, scope map[string]any) (any, error) {
	target, err := evalNode(s.target, scope)
	if err != nil {
		return nil, err
	}
	index, err := evalNode(s.index, scope)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, evalErrorf("mapping keys must be strings, got %T", index)
		}
		v, ok := t[key]
		if !ok {
			return nil, evalErrorf("key %q not found", key)
		}
		return v, nil
	case []any:
		i, ok := asInt(index)
		if !ok {
			return nil, evalErrorf("list indices must be integers, got %T", index)
		}
		if i < 0 {
			i += int64(len(t))
		}
		if i < 0 || i >= int64(len(t)) {
			return nil, evalErrorf("list index %d out of range", i)
		}
		return t[i], nil
	case string:
		i, ok := asInt(index)
		if !ok {
			return nil, evalErrorf("string indices must be integers, got %T", index)
		}
		runes := []rune(t)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, evalErrorf("string index %d out of range", i)
		}
		return string(runes[i]), nil
	default:
		return nil, evalErrorf("cannot index value of type %T", target)
	}
}

func evalCall(c *callNode, scope map[string]any) (any, error) {
	if attr, ok := c.callee.(*attrNode); ok {
		// Validation pins this to row.get.
		target, err := evalNode(attr.target, scope)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]any)
		if !ok {
			return nil, evalErrorf("row.get target is %T, not a mapping", target)
		}
		key, err := evalNode(c.args[0], scope)
		if err != nil {
			return nil, err
		}
		var fallback any
		if len(c.args) == 2 {
			fallback, err = evalNode(c.args[1], scope)
			if err != nil {
				return nil, err
			}
		}
		ks, ok := key.(string)
		if !ok {
			return fallback, nil
		}
		if v, present := m[ks]; present {
			return v, nil
		}
		return fallback, nil
	}

	name := c.callee.(*nameNode).name
	arg, err := evalNode(c.args[0], scope)
	if err != nil {
		return nil, err
	}
	switch name {
	case "len":
		return builtinLen(arg)
	case "str":
		return builtinStr(arg)
	case "int":
		return builtinInt(arg)
	case "float":
		return builtinFloat(arg)
	case "bool":
		return truthy(arg), nil
	case "abs":
		return builtinAbs(arg)
	default:
		return nil, evalErrorf("unknown builtin %q", name)
	}
}

func evalUnary(u *unaryNode, scope map[string]any) (any, error) {
	operand, err := evalNode(u.operand, scope)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "not":
		return !truthy(operand), nil
	case "-":
		if i, ok := asInt(operand); ok {
			if i == math.MinInt64 {
				return nil, evalErrorf("integer overflow negating %d", i)
			}
			return -i, nil
		}
		if f, ok := asFloat(operand); ok {
			return -f, nil
		}
		return nil, evalErrorf("unary - requires a number, got %T", operand)
	case "+":
		if i, ok := asInt(operand); ok {
			return i, nil
		}
		if f, ok := asFloat(operand); ok {
			return f, nil
		}
		return nil, evalErrorf("unary + requires a number, got %T", operand)
	default:
		return nil, evalErrorf("unknown unary operator %q", u.op)
	}
}

func evalBinary(b *binaryNode, scope map[string]any) (any, error) {
	left, err := evalNode(b.left, scope)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.right, scope)
	if err != nil {
		return nil, err
	}

	if b.op == "+" {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, evalErrorf("cannot concatenate string and %T", right)
			}
			return ls + rs, nil
		}
		if ll, ok := left.([]any); ok {
			rl, ok := right.([]any)
			if !ok {
				return nil, evalErrorf("cannot concatenate list and %T", right)
			}
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			out = append(out, rl...)
			return out, nil
		}
	}

	li, lIsInt := asInt(left)
	ri, rIsInt := asInt(right)
	if lIsInt && rIsInt {
		return intArith(b.op, li, ri)
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, evalErrorf("operator %s requires numbers, got %T and %T", b.op, left, right)
	}
	return floatArith(b.op, lf, rf)
}

func intArith(op string, a, b int64) (any, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, evalErrorf("division by zero")
		}
		return float64(a) / float64(b), nil
	case "//":
		if b == 0 {
			return nil, evalErrorf("integer division by zero")
		}
		q := a / b
		if a%b != 0 && (a < 0) != (b < 0) {
			q--
		}
		return q, nil
	case "%":
		if b == 0 {
			return nil, evalErrorf("modulo by zero")
		}
		r := a % b
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return r, nil
	default:
		return nil, evalErrorf("unknown operator %q", op)
	}
}

func floatArith(op string, a, b float64) (any, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, evalErrorf("division by zero")
		}
		return a / b, nil
	case "//":
		if b == 0 {
			return nil, evalErrorf("integer division by zero")
		}
		return math.Floor(a / b), nil
	case "%":
		if b == 0 {
			return nil, evalErrorf("modulo by zero")
		}
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return r, nil
	default:
		return nil, evalErrorf("unknown operator %q", op)
	}
}

// evalBoolOp returns operand values, not coerced booleans: a or b yields a
// when a is truthy, otherwise b. Operands after the deciding one are never
// evaluated.
func evalBoolOp(b *boolOpNode, scope map[string]any) (any, error) {
	var last any
	for i, operand := range b.operands {
		v, err := evalNode(operand, scope)
		if err != nil {
			return nil, err
		}
		last = v
		if i == len(b.operands)-1 {
			break
		}
		if b.op == "and" && !truthy(v) {
			return v, nil
		}
		if b.op == "or" && truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

// evalCompare evaluates a chain like 1 < x <= 10 link by link, evaluating
// each operand at most once and stopping at the first false link.
func evalCompare(c *compareNode, scope map[string]any) (any, error) {
	left, err := evalNode(c.left, scope)
	if err != nil {
		return nil, err
	}
	for i, op := range c.ops {
		right, err := evalNode(c.rest[i], scope)
		if err != nil {
			return nil, err
		}
		ok, err := evalCompareLink(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func evalCompareLink(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(op, left, right)
	case "in":
		return evalMembership(left, right)
	case "not in":
		ok, err := evalMembership(left, right)
		return !ok, err
	case "is":
		return evalIdentity(left, right)
	case "is not":
		ok, err := evalIdentity(left, right)
		return !ok, err
	default:
		return false, evalErrorf("unknown comparison operator %q", op)
	}
}

// evalIdentity supports identity tests against None and booleans only.
// Identity against arbitrary values has no stable meaning once rows round
// trip through serialization.
func evalIdentity(left, right any) (bool, error) {
	if right == nil {
		return left == nil, nil
	}
	if rb, ok := right.(bool); ok {
		lb, ok := left.(bool)
		return ok && lb == rb, nil
	}
	return false, evalErrorf("'is' comparisons are only supported against None, True, and False")
}

func evalMembership(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, elem := range h {
			if looseEqual(needle, elem) {
				return true, nil
			}
		}
		return false, nil
	case string:
		ns, ok := needle.(string)
		if !ok {
			return false, evalErrorf("'in <string>' requires a string on the left, got %T", needle)
		}
		return strings.Contains(h, ns), nil
	case map[string]any:
		ns, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, present := h[ns]
		return present, nil
	default:
		return false, evalErrorf("'in' requires a list, string, or mapping, got %T", haystack)
	}
}

// looseEqual compares values with cross-type numeric equality, so 1 == 1.0
// holds. Booleans only equal booleans; lists and mappings compare
// element-wise.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if ai, aok := asInt(a); aok {
		if bi, bok := asInt(b); bok {
			return ai == bi
		}
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !looseEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareOrdered(op string, a, b any) (bool, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false, evalErrorf("cannot order string against %T", b)
		}
		return orderResult(op, strings.Compare(as, bs)), nil
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return false, evalErrorf("cannot order %T against %T", a, b)
	}
	switch {
	case af < bf:
		return orderResult(op, -1), nil
	case af > bf:
		return orderResult(op, 1), nil
	default:
		return orderResult(op, 0), nil
	}
}

func orderResult(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// truthy applies container truthiness: nil, false, numeric zero, empty
// strings, and empty containers are false, everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if i, ok := asInt(v); ok {
		return i != 0
	}
	if f, ok := asFloat(v); ok {
		return f != 0
	}
	return true
}

func builtinLen(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return int64(utf8.RuneCountInString(t)), nil
	case []any:
		return int64(len(t)), nil
	case map[string]any:
		return int64(len(t)), nil
	default:
		return nil, evalErrorf("len() requires a string, list, or mapping, got %T", v)
	}
}

func builtinStr(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return "None", nil
	case bool:
		if t {
			return "True", nil
		}
		return "False", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	}
	if i, ok := asInt(v); ok {
		return strconv.FormatInt(i, 10), nil
	}
	if f, ok := asFloat(v); ok {
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && !strings.Contains(s, "NaN") {
			s += ".0"
		}
		return s, nil
	}
	return nil, evalErrorf("str() requires a scalar, got %T", v)
}

func builtinInt(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, evalErrorf("int() cannot parse %q", t)
		}
		return i, nil
	}
	if i, ok := asInt(v); ok {
		return i, nil
	}
	if f, ok := asFloat(v); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, evalErrorf("int() cannot convert %v", f)
		}
		return int64(math.Trunc(f)), nil
	}
	return nil, evalErrorf("int() requires a number or numeric string, got %T", v)
}

func builtinFloat(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, evalErrorf("float() cannot parse %q", t)
		}
		return f, nil
	}
	if f, ok := asFloat(v); ok {
		return f, nil
	}
	return nil, evalErrorf("float() requires a number or numeric string, got %T", v)
}

func builtinAbs(v any) (any, error) {
	if i, ok := asInt(v); ok {
		if i == math.MinInt64 {
			return nil, evalErrorf("integer overflow in abs(%d)", i)
		}
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	if f, ok := asFloat(v); ok {
		return math.Abs(f), nil
	}
	return nil, evalErrorf("abs() requires a number, got %T", v)
}

// asInt reports v as an int64 for every integer kind that can reach row
// data. Floats and booleans are deliberately excluded.
func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// asFloat reports v as a float64 for any numeric kind, integers included.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
