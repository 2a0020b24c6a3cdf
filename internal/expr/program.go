package expr

import "errors"

// Program is a parsed condition bound to the rule that owns it. It is
// immutable and safe for concurrent use.
type Program struct {
	rule   string
	source string
	root   Node
}

// Compile parses src on behalf of rule.
func Compile(rule, src string) (*Program, error) {
	root, err := Parse(rule, src)
	if err != nil {
		return nil, err
	}
	return &Program{rule: rule, source: src, root: root}, nil
}

// Eval runs the program against one item's fields. Evaluation errors carry
// the rule id.
func (p *Program) Eval(data map[string]any) (any, error) {
	v, err := Eval(p.root, data)
	if err != nil {
		var ee *EvaluationError
		if errors.As(err, &ee) && ee.Rule == "" {
			cp := *ee
			cp.Rule = p.rule
			return nil, &cp
		}
		return nil, err
	}
	return v, nil
}

func (p *Program) Rule() string   { return p.rule }
func (p *Program) Source() string { return p.source }
func (p *Program) Root() Node     { return p.root }
