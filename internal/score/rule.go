package score

import (
	"fmt"
	"strconv"
	"strings"

	"monoqueue/internal/expr"
)

// ConsequenceKind selects how a firing rule changes the running total.
type ConsequenceKind int

const (
	// Fixed adds a constant delta.
	Fixed ConsequenceKind = iota
	// Scaled adds the condition's numeric value times a coefficient.
	Scaled
	// Divide divides the running total by a constant.
	Divide
)

// Consequence is the scoring action of a rule.
type Consequence struct {
	// Kind selects the action.
	Kind ConsequenceKind
	// Value is the delta for Fixed, the coefficient for Scaled and the
	// divisor for Divide. A Divide value is never zero.
	Value float64
}

// ParseConsequence reads the consequence notation used in rule text:
// "+3", "-2", "+X", "-X", "+0.5X" and "/100".
func ParseConsequence(s string) (Consequence, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Consequence{}, fmt.Errorf("invalid consequence %q", s)
	}
	op, body := s[0], strings.TrimSpace(s[1:])

	switch op {
	case '+', '-':
		sign := 1.0
		if op == '-' {
			sign = -1
		}
		if strings.HasSuffix(body, "X") {
			coef := 1.0
			if k := strings.TrimSpace(strings.TrimSuffix(body, "X")); k != "" {
				f, err := strconv.ParseFloat(k, 64)
				if err != nil {
					return Consequence{}, fmt.Errorf("invalid coefficient %q in consequence %q", k, s)
				}
				coef = f
			}
			return Consequence{Kind: Scaled, Value: sign * coef}, nil
		}
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Consequence{}, fmt.Errorf("invalid delta %q in consequence %q", body, s)
		}
		return Consequence{Kind: Fixed, Value: sign * f}, nil
	case '/':
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Consequence{}, fmt.Errorf("invalid divisor %q in consequence %q", body, s)
		}
		if f == 0 {
			return Consequence{}, fmt.Errorf("divisor must not be zero in consequence %q", s)
		}
		return Consequence{Kind: Divide, Value: f}, nil
	}
	return Consequence{}, fmt.Errorf("consequence %q must start with '+', '-' or '/'", s)
}

// String renders the consequence in rule text notation.
func (c Consequence) String() string {
	switch c.Kind {
	case Scaled:
		switch c.Value {
		case 1:
			return "+X"
		case -1:
			return "-X"
		}
		return signed(c.Value) + "X"
	case Divide:
		return "/" + expr.FormatNumber(c.Value)
	}
	return signed(c.Value)
}

func signed(f float64) string {
	if f < 0 {
		return expr.FormatNumber(f)
	}
	return "+" + expr.FormatNumber(f)
}

// Rule is one scoring clause: a condition, the consequence applied when the
// condition is truthy and a label explaining it. A Rule is immutable once
// built and safe for concurrent use.
type Rule struct {
	// Name identifies the rule in annotations, errors and metrics.
	Name string `yaml:"name"`

	// When is the condition text.
	When string `yaml:"when"`

	// Then is the consequence.
	Then Consequence `yaml:"-"`

	// Label explains the score change. Defaults to Name.
	Label string `yaml:"label"`

	// program is the compiled condition.
	program *expr.Program

	// line is where the rule was declared, for load reports.
	line int
}

// NewRule compiles the condition of a rule. Syntax errors are returned as
// *expr.SyntaxError carrying the rule name.
func NewRule(name, when string, then Consequence, label string) (Rule, error) {
	program, err := expr.Compile(name, when)
	if err != nil {
		return Rule{}, err
	}
	if label == "" {
		label = name
	}
	return Rule{Name: name, When: when, Then: then, Label: label, program: program}, nil
}

// Program returns the compiled condition.
func (r Rule) Program() *expr.Program {
	return r.program
}

// String renders the rule in the text rule format.
func (r Rule) String() string {
	return fmt.Sprintf("%s = %s -> %s: %s", r.Name, r.program.Root(), r.Then, r.Label)
}
