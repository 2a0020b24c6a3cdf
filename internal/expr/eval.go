package expr

import (
	"encoding/json"
	"math"
	"strings"
)

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent is the value of a field path that does not exist in the item. It is
// falsy, compares false against everything and never appears in stored data.
var Absent any = absent{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Eval evaluates n against data. The result is a JSON value (nil, bool,
// float64, string, []any, map[string]any) or Absent.
//
// Evaluation is total: it performs no I/O and recurses only as deep as the
// tree. Type errors are reported as *EvaluationError.
func Eval(n Node, data map[string]any) (any, error) {
	var root any = data
	if data == nil {
		root = map[string]any{}
	}
	return eval(n, root)
}

func eval(n Node, root any) (any, error) {
	switch n := n.(type) {
	case *Literal:
		return n.Value, nil
	case *List:
		out := make([]any, 0, len(n.Elems))
		for _, e := range n.Elems {
			v, err := eval(e, root)
			if err != nil {
				return nil, err
			}
			if IsAbsent(v) {
				v = nil
			}
			out = append(out, v)
		}
		return out, nil
	case *Path:
		return lookup(root, n.Segments), nil
	case *Unary:
		return evalUnary(n, root)
	case *Binary:
		return evalBinary(n, root)
	}
	return nil, &EvaluationError{Expr: "?", Msg: "unknown expression node"}
}

// lookup descends through mappings by key. Descending through a sequence
// maps the lookup over its elements and drops elements where it is absent.
func lookup(cur any, segments []string) any {
	for _, seg := range segments {
		cur = step(cur, seg)
		if IsAbsent(cur) {
			return Absent
		}
	}
	return cur
}

func step(cur any, seg string) any {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[seg]
		if !ok {
			return Absent
		}
		return v
	case []any:
		out := make([]any, 0, len(c))
		for _, el := range c {
			v := step(el, seg)
			if !IsAbsent(v) {
				out = append(out, v)
			}
		}
		return out
	}
	return Absent
}

func evalUnary(n *Unary, root any) (any, error) {
	x, err := eval(n.X, root)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpNot:
		return !Truthy(x), nil
	case OpNeg:
		if isNothing(x) {
			return Absent, nil
		}
		if f, ok := toNumber(x); ok {
			return -f, nil
		}
		return nil, evalErrorf(n, "bad operand type for unary -: %s", typeName(x))
	}
	return nil, evalErrorf(n, "unsupported unary operator %s", n.Op)
}

func evalBinary(n *Binary, root any) (any, error) {
	left, err := eval(n.Left, root)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpAnd:
		if !Truthy(left) {
			return left, nil
		}
		return eval(n.Right, root)
	case OpOr:
		if Truthy(left) {
			return left, nil
		}
		return eval(n.Right, root)
	case OpSlash:
		// A bare path to the right of a mapping or sequence digs into it:
		// issue/milestone/title reads issue["milestone"]["title"].
		if p, ok := n.Right.(*Path); ok {
			switch left.(type) {
			case map[string]any, []any:
				return lookup(left, p.Segments), nil
			}
			if isNothing(left) {
				return Absent, nil
			}
		}
	}

	right, err := eval(n.Right, root)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpEq, OpNe:
		if IsAbsent(left) || IsAbsent(right) {
			return false, nil
		}
		eq := equal(left, right)
		if n.Op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case OpLt, OpLe, OpGt, OpGe:
		return compare(n, left, right)
	case OpIn, OpNotIn:
		return member(n, left, right)
	case OpAdd:
		return add(n, left, right)
	case OpSub:
		return subtract(n, left, right)
	case OpMul:
		return multiply(n, left, right)
	case OpSlash:
		return divide(n, left, right)
	}
	return nil, evalErrorf(n, "unsupported operator %s", n.Op)
}

func compare(n *Binary, left, right any) (any, error) {
	if isNothing(left) || isNothing(right) {
		return false, nil
	}
	var c int
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	ls, lstr := left.(string)
	rs, rstr := right.(string)
	switch {
	case lok && rok:
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	case lstr && rstr:
		c = strings.Compare(ls, rs)
	default:
		return nil, evalErrorf(n, "'%s' not supported between %s and %s", n.Op, typeName(left), typeName(right))
	}
	switch n.Op {
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	}
	return c >= 0, nil
}

func member(n *Binary, needle, haystack any) (any, error) {
	if IsAbsent(needle) || isNothing(haystack) {
		return false, nil
	}
	var found bool
	switch h := haystack.(type) {
	case []any:
		for _, el := range h {
			if equal(needle, el) {
				found = true
				break
			}
		}
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, evalErrorf(n, "'in <string>' requires string as left operand, not %s", typeName(needle))
		}
		found = strings.Contains(h, s)
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return nil, evalErrorf(n, "mapping keys are strings, not %s", typeName(needle))
		}
		_, found = h[s]
	default:
		return nil, evalErrorf(n, "argument of type %s is not a container", typeName(haystack))
	}
	if n.Op == OpNotIn {
		return !found, nil
	}
	return found, nil
}

func add(n *Binary, left, right any) (any, error) {
	left, right = zeroIfNothing(left, right)
	if lf, ok := toNumber(left); ok {
		if rf, ok := toNumber(right); ok {
			return lf + rf, nil
		}
	}
	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l + r, nil
		}
	case []any:
		if r, ok := right.([]any); ok {
			out := make([]any, 0, len(l)+len(r))
			out = append(out, l...)
			return append(out, r...), nil
		}
	}
	return nil, evalErrorf(n, "unsupported operand types for +: %s and %s", typeName(left), typeName(right))
}

func subtract(n *Binary, left, right any) (any, error) {
	left, right = zeroIfNothing(left, right)
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, evalErrorf(n, "unsupported operand types for -: %s and %s", typeName(left), typeName(right))
	}
	return lf - rf, nil
}

func multiply(n *Binary, left, right any) (any, error) {
	if isNothing(left) || isNothing(right) {
		return Absent, nil
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, evalErrorf(n, "unsupported operand types for *: %s and %s", typeName(left), typeName(right))
	}
	return lf * rf, nil
}

// divide is the numeric half of the slash operator. Dividing by zero yields
// Absent so that the rule does not apply.
func divide(n *Binary, left, right any) (any, error) {
	if isNothing(left) || isNothing(right) {
		return Absent, nil
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, evalErrorf(n, "unsupported operand types for /: %s and %s", typeName(left), typeName(right))
	}
	if rf == 0 {
		return Absent, nil
	}
	return lf / rf, nil
}

// Truthy applies the rule language's truthiness: Absent, null, false, zero,
// the empty string, and empty sequences and mappings are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil, absent:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// Number converts a condition result to a number for scaled consequences.
// Booleans count as 0 or 1.
func Number(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return toNumber(v)
}

func isNothing(v any) bool { return v == nil || IsAbsent(v) }

func zeroIfNothing(left, right any) (any, any) {
	if isNothing(left) {
		left = 0.0
	}
	if isNothing(right) {
		right = 0.0
	}
	return left, right
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		return ok && af == bf
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case absent:
		return "absent"
	case bool:
		return "bool"
	case string:
		return "string"
	case []any:
		return "sequence"
	case map[string]any:
		return "mapping"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	return "unknown"
}
