package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is the kind of every *SyntaxError.
	ErrSyntax = errors.New("syntax error")
	// ErrEvaluation is the kind of every *EvaluationError.
	ErrEvaluation = errors.New("evaluation error")
)

// SyntaxError reports rule text that cannot be parsed into an expression.
// Offset is a byte offset into Text.
type SyntaxError struct {
	Rule   string
	Offset int
	Text   string
	Msg    string
}

func (e *SyntaxError) Error() string {
	if e == nil {
		return ""
	}
	if e.Rule == "" {
		return fmt.Sprintf("%s at offset %d: %s", ErrSyntax, e.Offset, e.Msg)
	}
	return fmt.Sprintf("rule %q: %s at offset %d: %s", e.Rule, ErrSyntax, e.Offset, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

// EvaluationError reports a sub-expression that could not be resolved against
// an item, for example an ordering comparison between a string and a number.
type EvaluationError struct {
	Rule string
	Expr string
	Msg  string
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Rule == "" {
		return fmt.Sprintf("%s in %s: %s", ErrEvaluation, e.Expr, e.Msg)
	}
	return fmt.Sprintf("rule %q: %s in %s: %s", e.Rule, ErrEvaluation, e.Expr, e.Msg)
}

func (e *EvaluationError) Unwrap() error { return ErrEvaluation }

func syntaxErrorf(rule, text string, offset int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Rule: rule, Offset: offset, Text: text, Msg: fmt.Sprintf(format, args...)}
}

func evalErrorf(n Node, format string, args ...any) *EvaluationError {
	return &EvaluationError{Expr: n.String(), Msg: fmt.Sprintf(format, args...)}
}
