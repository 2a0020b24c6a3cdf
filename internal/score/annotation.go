package score

import "monoqueue/internal/expr"

// Annotation explains one score component of an item.
type Annotation struct {
	// Rule is the name of the rule that fired.
	Rule string `json:"rule"`
	// Op is "+" for additive consequences and "/" for divisors.
	Op string `json:"op"`
	// Value is the applied delta or divisor.
	Value float64 `json:"value"`
	// Label is the rule's label.
	Label string `json:"label,omitempty"`
}

// String renders the annotation as "+N: label", "-N: label" or "/N: label".
func (a Annotation) String() string {
	s := signed(a.Value)
	if a.Op == "/" {
		s = "/" + expr.FormatNumber(a.Value)
	}
	if a.Label == "" {
		return s
	}
	return s + ": " + a.Label
}
