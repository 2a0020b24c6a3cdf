package expr

// maxDepth bounds expression nesting so that evaluation recursion stays shallow.
const maxDepth = 64

// Parse turns rule condition text into an expression tree. The rule id is
// only used to label errors. Anything outside the rule grammar, including
// calls, indexing, assignment and reserved words, is a *SyntaxError.
func Parse(rule, src string) (Node, error) {
	toks, err := tokenize(rule, src)
	if err != nil {
		return nil, err
	}
	p := &parser{rule: rule, src: src, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
	return n, nil
}

type parser struct {
	rule  string
	src   string
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(i int) token {
	if p.pos+i < len(p.toks) {
		return p.toks[p.pos+i]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return syntaxErrorf(p.rule, p.src, t.pos, format, args...)
}

func (p *parser) enter(t token) error {
	p.depth++
	if p.depth > maxDepth {
		return p.errorf(t, "expression nested deeper than %d levels", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) is(kind tokenKind, text string) bool {
	t := p.peek()
	return t.kind == kind && t.text == text
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.is(tokKeyword, "or") || p.is(tokOp, "||") {
		t := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Offset: t.pos, Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.is(tokKeyword, "and") || p.is(tokOp, "&&") {
		t := p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Offset: t.pos, Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.is(tokKeyword, "not") || p.is(tokOp, "!") {
		t := p.advance()
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Offset: t.pos, Op: OpNot, X: x}, nil
	}
	return p.parseCmp()
}

// cmpOp reports the comparison operator at the cursor and how many tokens
// it spans.
func (p *parser) cmpOp() (Op, int, bool) {
	t := p.peek()
	switch {
	case t.kind == tokOp:
		switch t.text {
		case "==":
			return OpEq, 1, true
		case "!=":
			return OpNe, 1, true
		case "<":
			return OpLt, 1, true
		case "<=":
			return OpLe, 1, true
		case ">":
			return OpGt, 1, true
		case ">=":
			return OpGe, 1, true
		}
	case t.kind == tokKeyword && t.text == "in":
		return OpIn, 1, true
	case t.kind == tokKeyword && t.text == "not":
		if n := p.peekAt(1); n.kind == tokKeyword && n.text == "in" {
			return OpNotIn, 2, true
		}
	}
	return 0, 0, false
}

func (p *parser) parseCmp() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	op, width, ok := p.cmpOp()
	if !ok {
		return left, nil
	}
	t := p.peek()
	p.pos += width
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	if _, _, again := p.cmpOp(); again {
		return nil, p.errorf(p.peek(), "chained comparisons are not supported")
	}
	return &Binary{Offset: t.pos, Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.is(tokOp, "+") || p.is(tokOp, "-") {
		t := p.advance()
		op := OpAdd
		if t.text == "-" {
			op = OpSub
		}
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &Binary{Offset: t.pos, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.is(tokOp, "*") || p.is(tokOp, "/") {
		t := p.advance()
		op := OpMul
		if t.text == "/" {
			op = OpSlash
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Offset: t.pos, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.is(tokOp, "-") {
		t := p.advance()
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Offset: t.pos, Op: OpNeg, X: x}, nil
	}
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch t := p.peek(); t.kind {
	case tokLParen:
		return nil, p.errorf(t, "function calls are not permitted")
	case tokLBracket:
		return nil, p.errorf(t, "indexing is not permitted")
	case tokDot:
		return nil, p.errorf(t, "attribute access is only permitted on field paths")
	}
	return n, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		return &Literal{Offset: t.pos, Value: t.num}, nil
	case tokString:
		return &Literal{Offset: t.pos, Value: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "true", "True":
			return &Literal{Offset: t.pos, Value: true}, nil
		case "false", "False":
			return &Literal{Offset: t.pos, Value: false}, nil
		case "null", "None":
			return &Literal{Offset: t.pos, Value: nil}, nil
		}
		return nil, p.errorf(t, "unexpected keyword %q", t.text)
	case tokIdent:
		path := &Path{Offset: t.pos, Segments: []string{t.text}}
		for p.peek().kind == tokDot {
			dot := p.advance()
			seg := p.advance()
			if seg.kind != tokIdent && seg.kind != tokKeyword {
				return nil, p.errorf(dot, "expected field name after '.'")
			}
			path.Segments = append(path.Segments, seg.text)
		}
		return path, nil
	case tokLParen:
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer p.leave()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.advance(); c.kind != tokRParen {
			return nil, p.errorf(t, "unmatched parenthesis")
		}
		return n, nil
	case tokLBracket:
		if err := p.enter(t); err != nil {
			return nil, err
		}
		defer p.leave()
		list := &List{Offset: t.pos}
		if p.peek().kind == tokRBracket {
			p.advance()
			return list, nil
		}
		for {
			e, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			list.Elems = append(list.Elems, e)
			c := p.advance()
			if c.kind == tokRBracket {
				return list, nil
			}
			if c.kind != tokComma {
				return nil, p.errorf(t, "unmatched bracket")
			}
		}
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokRParen:
		return "closing parenthesis"
	case tokRBracket:
		return "closing bracket"
	}
	return "token " + quoteText(t.text)
}

func quoteText(s string) string { return "'" + s + "'" }
