package expr

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokKeyword
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string // operator or identifier text; decoded value for strings
	num  float64
	pos  int
}

// keywords are the words with meaning in the rule language.
var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "True": true, "False": true,
	"null": true, "None": true,
}

// reserved words are rejected outright so that rule text never looks like a
// statement, a definition or an import.
var reserved = map[string]bool{
	"import": true, "from": true, "def": true, "class": true, "lambda": true,
	"for": true, "while": true, "if": true, "else": true, "elif": true,
	"is": true, "return": true, "yield": true, "del": true, "global": true,
	"nonlocal": true, "exec": true, "eval": true, "with": true, "as": true,
	"pass": true, "raise": true, "try": true, "except": true, "finally": true,
	"async": true, "await": true, "assert": true,
}

type lexer struct {
	rule string
	src  string
	pos  int
}

func tokenize(rule, src string) ([]token, error) {
	lx := &lexer{rule: rule, src: src}
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) && isSpace(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos >= len(lx.src) {
		return token{kind: tokEOF, pos: lx.pos}, nil
	}

	start := lx.pos
	c := lx.src[lx.pos]
	switch {
	case isDigit(c):
		return lx.number()
	case isIdentStart(c):
		for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
			lx.pos++
		}
		word := lx.src[start:lx.pos]
		if reserved[word] {
			return token{}, syntaxErrorf(lx.rule, lx.src, start, "reserved word %q is not permitted", word)
		}
		if keywords[word] {
			return token{kind: tokKeyword, text: word, pos: start}, nil
		}
		return token{kind: tokIdent, text: word, pos: start}, nil
	case c == '"' || c == '\'':
		return lx.str(c)
	}

	two := ""
	if lx.pos+1 < len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		lx.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	case "**", "//", "<<", ">>", ":=":
		return token{}, syntaxErrorf(lx.rule, lx.src, start, "operator %q is not permitted", two)
	}

	lx.pos++
	switch c {
	case '<', '>', '+', '-', '*', '/', '!':
		return token{kind: tokOp, text: string(c), pos: start}, nil
	case '(':
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ')':
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case '[':
		return token{kind: tokLBracket, text: "[", pos: start}, nil
	case ']':
		return token{kind: tokRBracket, text: "]", pos: start}, nil
	case ',':
		return token{kind: tokComma, text: ",", pos: start}, nil
	case '.':
		return token{kind: tokDot, text: ".", pos: start}, nil
	case '=':
		return token{}, syntaxErrorf(lx.rule, lx.src, start, "assignment is not permitted")
	}
	return token{}, syntaxErrorf(lx.rule, lx.src, start, "unexpected character %q", c)
}

func (lx *lexer) number() (token, error) {
	start := lx.pos
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos+1 < len(lx.src) && lx.src[lx.pos] == '.' && isDigit(lx.src[lx.pos+1]) {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'e' || lx.src[lx.pos] == 'E') {
		p := lx.pos + 1
		if p < len(lx.src) && (lx.src[p] == '+' || lx.src[p] == '-') {
			p++
		}
		if p < len(lx.src) && isDigit(lx.src[p]) {
			for p < len(lx.src) && isDigit(lx.src[p]) {
				p++
			}
			lx.pos = p
		}
	}
	if lx.pos < len(lx.src) && isIdentStart(lx.src[lx.pos]) {
		return token{}, syntaxErrorf(lx.rule, lx.src, start, "malformed number %q", lx.src[start:lx.pos+1])
	}
	text := lx.src[start:lx.pos]
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, syntaxErrorf(lx.rule, lx.src, start, "malformed number %q", text)
	}
	return token{kind: tokNumber, text: text, num: f, pos: start}, nil
}

func (lx *lexer) str(quote byte) (token, error) {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch c {
		case quote:
			lx.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case '\\':
			if lx.pos+1 >= len(lx.src) {
				return token{}, syntaxErrorf(lx.rule, lx.src, start, "unterminated string")
			}
			lx.pos++
			switch e := lx.src[lx.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				return token{}, syntaxErrorf(lx.rule, lx.src, lx.pos-1, "unknown escape \\%c", e)
			}
		default:
			sb.WriteByte(c)
		}
		lx.pos++
	}
	return token{}, syntaxErrorf(lx.rule, lx.src, start, "unterminated string")
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
