package expr

import (
	"strconv"
	"strings"
)

// Op identifies a unary or binary operator.
type Op int

const (
	OpOr Op = iota
	OpAnd
	OpNot
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNotIn
	OpAdd
	OpSub
	OpMul
	// OpSlash is either path descent or numeric division, decided at
	// evaluation time by the kind of its left operand.
	OpSlash
	OpNeg
)

var opText = map[Op]string{
	OpOr: "or", OpAnd: "and", OpNot: "not",
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpIn: "in", OpNotIn: "not in",
	OpAdd: "+", OpSub: "-", OpMul: "*", OpSlash: "/", OpNeg: "-",
}

func (o Op) String() string { return opText[o] }

// precedence mirrors the parser's grammar levels; higher binds tighter.
func (o Op) precedence() int {
	switch o {
	case OpOr:
		return 1
	case OpAnd:
		return 2
	case OpNot:
		return 3
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpNotIn:
		return 4
	case OpAdd, OpSub:
		return 5
	case OpMul, OpSlash:
		return 6
	case OpNeg:
		return 7
	}
	return 0
}

// Node is an immutable expression tree node. The set of implementations is
// closed: Literal, List, Path, Unary and Binary.
type Node interface {
	// Pos is the byte offset of the node in the rule text.
	Pos() int
	// String renders the node in canonical rule syntax.
	String() string
	node()
}

// Literal is a string, float64, bool or nil constant.
type Literal struct {
	Offset int
	Value  any
}

// List is a bracketed list of expressions.
type List struct {
	Offset int
	Elems  []Node
}

// Path is a field lookup written as dot-separated identifiers.
type Path struct {
	Offset   int
	Segments []string
}

type Unary struct {
	Offset int
	Op     Op
	X      Node
}

type Binary struct {
	Offset int
	Op     Op
	Left   Node
	Right  Node
}

func (n *Literal) Pos() int { return n.Offset }
func (n *List) Pos() int    { return n.Offset }
func (n *Path) Pos() int    { return n.Offset }
func (n *Unary) Pos() int   { return n.Offset }
func (n *Binary) Pos() int  { return n.Offset }

func (*Literal) node() {}
func (*List) node()    {}
func (*Path) node()    {}
func (*Unary) node()   {}
func (*Binary) node()  {}

func (n *Literal) String() string {
	switch v := n.Value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return FormatNumber(v)
	case string:
		return strconv.Quote(v)
	}
	return "?"
}

func (n *List) String() string {
	parts := make([]string, len(n.Elems))
	for i, e := range n.Elems {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (n *Path) String() string { return strings.Join(n.Segments, ".") }

func (n *Unary) String() string {
	x := wrap(n.X, n.Op.precedence(), false)
	if n.Op == OpNot {
		return "not " + x
	}
	return "-" + x
}

func (n *Binary) String() string {
	p := n.Op.precedence()
	l := wrap(n.Left, p, false)
	r := wrap(n.Right, p, true)
	if n.Op == OpSlash {
		return l + "/" + r
	}
	return l + " " + n.Op.String() + " " + r
}

// wrap parenthesizes a child whose operator binds looser than its parent.
// Right operands of left-associative operators also need parentheses at
// equal precedence.
func wrap(n Node, parent int, right bool) string {
	var p int
	switch c := n.(type) {
	case *Binary:
		p = c.Op.precedence()
	case *Unary:
		p = c.Op.precedence()
	default:
		return n.String()
	}
	if p < parent || (right && p == parent) {
		return "(" + n.String() + ")"
	}
	return n.String()
}

// FormatNumber renders a float without a trailing fraction when it is whole.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
