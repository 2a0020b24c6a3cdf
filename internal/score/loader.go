package score

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"monoqueue/internal/expr"

	"gopkg.in/yaml.v3"
)

// RuleSyntaxError reports a rule rejected at load time. The remaining rules
// still load.
type RuleSyntaxError struct {
	// Line is the 1-based line of the rule in text sources, or the 1-based
	// entry index in YAML sources.
	Line int
	// Err describes the problem and names the rule.
	Err *expr.SyntaxError
}

func (e *RuleSyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Err)
}

func (e *RuleSyntaxError) Unwrap() error { return e.Err }

// Rule returns the identifier of the rejected rule.
func (e *RuleSyntaxError) Rule() string { return e.Err.Rule }

// LoadReport is the outcome of loading rules: the rules that compiled, in
// declaration order, and one error per rejected rule.
type LoadReport struct {
	Rules  []Rule
	Errors []*RuleSyntaxError
}

// Err joins the load errors, or returns nil when every rule loaded.
func (r LoadReport) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Combine concatenates reports in order. A rule whose name was already
// loaded is rejected.
func Combine(reports ...LoadReport) LoadReport {
	var out LoadReport
	seen := make(map[string]bool)
	for _, r := range reports {
		out.Errors = append(out.Errors, r.Errors...)
		for _, rule := range r.Rules {
			if seen[rule.Name] {
				out.Errors = append(out.Errors, &RuleSyntaxError{
					Line: rule.line,
					Err:  &expr.SyntaxError{Rule: rule.Name, Text: rule.When, Msg: "duplicate rule name"},
				})
				continue
			}
			seen[rule.Name] = true
			out.Rules = append(out.Rules, rule)
		}
	}
	return out
}

var (
	ruleNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	sectionPattern  = regexp.MustCompile(`^\[[A-Za-z0-9_.\- ]+\]$`)
)

// ParseRules reads rules in the text format, one per line:
//
//	name = <condition> -> <consequence>[: <label>]
//
// The "name =" prefix is optional; unnamed rules are called rule<line>.
// Blank lines, lines starting with '#' or ';' and "[section]" headers are
// skipped.
func ParseRules(src string) LoadReport {
	var report LoadReport
	for i, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || line[0] == '#' || line[0] == ';' || sectionPattern.MatchString(line) {
			continue
		}
		rule, err := parseLine(line, i+1)
		if err != nil {
			report.Errors = append(report.Errors, &RuleSyntaxError{Line: i + 1, Err: err})
			continue
		}
		report.Rules = append(report.Rules, rule)
	}
	return Combine(report)
}

func parseLine(line string, lineNo int) (Rule, *expr.SyntaxError) {
	name := fmt.Sprintf("rule%d", lineNo)
	body, bodyOffset := line, 0
	if eq := strings.IndexByte(line, '='); eq > 0 && (eq+1 == len(line) || line[eq+1] != '=') {
		if candidate := strings.TrimSpace(line[:eq]); ruleNamePattern.MatchString(candidate) {
			name, body, bodyOffset = candidate, line[eq+1:], eq+1
		}
	}

	arrow := indexUnquoted(body, "->")
	if arrow < 0 {
		return Rule{}, &expr.SyntaxError{Rule: name, Offset: len(line), Text: line, Msg: "missing '->' before the consequence"}
	}

	then, label, _ := strings.Cut(body[arrow+2:], ":")
	consequence, err := ParseConsequence(then)
	if err != nil {
		return Rule{}, &expr.SyntaxError{Rule: name, Offset: bodyOffset + arrow + 2, Text: line, Msg: err.Error()}
	}

	cond := body[:arrow]
	condOffset := bodyOffset + len(cond) - len(strings.TrimLeft(cond, " \t"))
	rule, err := NewRule(name, strings.TrimSpace(cond), consequence, strings.TrimSpace(label))
	if err != nil {
		var se *expr.SyntaxError
		if errors.As(err, &se) {
			// Offsets count from the start of the line, like consequence errors.
			return Rule{}, &expr.SyntaxError{Rule: name, Offset: condOffset + se.Offset, Text: line, Msg: se.Msg}
		}
		return Rule{}, &expr.SyntaxError{Rule: name, Text: line, Msg: err.Error()}
	}
	rule.line = lineNo
	return rule, nil
}

// indexUnquoted returns the index of the first sep outside string literals.
func indexUnquoted(s, sep string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			return i
		}
	}
	return -1
}

// yamlRule is one entry of a YAML rules file.
type yamlRule struct {
	Name  string `yaml:"name"`
	When  string `yaml:"when"`
	Then  string `yaml:"then"`
	Label string `yaml:"label"`
}

// DecodeRules reads a YAML list of rules:
//
//   - name: mine
//     when: '"me" in issue/assignees/login'
//     then: "+5"
//     label: assigned to me
//
// A document that is not a YAML list is an error; individual bad entries are
// reported in the LoadReport.
func DecodeRules(data []byte) (LoadReport, error) {
	var entries []yamlRule
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return LoadReport{}, fmt.Errorf("decode rules: %w", err)
	}

	var report LoadReport
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("rule%d", i+1)
		}
		consequence, err := ParseConsequence(e.Then)
		if err != nil {
			report.Errors = append(report.Errors, &RuleSyntaxError{
				Line: i + 1,
				Err:  &expr.SyntaxError{Rule: name, Text: e.Then, Msg: err.Error()},
			})
			continue
		}
		rule, err := NewRule(name, e.When, consequence, e.Label)
		if err != nil {
			var se *expr.SyntaxError
			if !errors.As(err, &se) {
				se = &expr.SyntaxError{Rule: name, Text: e.When, Msg: err.Error()}
			}
			report.Errors = append(report.Errors, &RuleSyntaxError{Line: i + 1, Err: se})
			continue
		}
		rule.line = i + 1
		report.Rules = append(report.Rules, rule)
	}
	return Combine(report), nil
}

// LoadFile loads rules from path. Files ending in .yaml or .yml use the YAML
// form, anything else the text form.
func LoadFile(path string) (LoadReport, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return LoadReport{}, fmt.Errorf("read rules: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeRules(content)
	}
	return ParseRules(string(content)), nil
}
