package template

import (
	"strconv"
)

type parser struct {
	toks []token
	pos  int
}

func parse(src string) ([]node, *Error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseTemplate()
}

func (p *parser) parseTemplate() (nodes []node, err *Error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			nodes, err = nil, e
		}
	}()
	body, tag := p.parseBody()
	if tag != "" {
		p.failf("unexpected '%s'", tag)
	}
	return body, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) failf(format string, args ...interface{}) {
	panic(syntaxErrorf(p.peek().line, format, args...))
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.val == op
}

func (p *parser) isName(name string) bool {
	t := p.peek()
	return t.kind == tokName && t.val == name
}

func (p *parser) acceptOp(op string) bool {
	if p.isOp(op) {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptName(name string) bool {
	if p.isName(name) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectOp(op string) {
	if !p.acceptOp(op) {
		p.failf("expected '%s', got %s", op, describe(p.peek()))
	}
}

func (p *parser) expectKind(kind tokenKind) token {
	t := p.peek()
	if t.kind != kind {
		p.failf("expected %s, got %s", kind, describe(t))
	}
	return p.next()
}

func describe(t token) string {
	switch t.kind {
	case tokName, tokOp:
		return "'" + t.val + "'"
	case tokString:
		return "string"
	default:
		return t.kind.String()
	}
}

// parseBody reads nodes until EOF or a block tag listed in endTags. It
// returns the tag name that stopped it, leaving the parser after the name.
func (p *parser) parseBody(endTags ...string) ([]node, string) {
	var nodes []node
	for {
		t := p.peek()
		switch t.kind {
		case tokEOF:
			if len(endTags) > 0 {
				p.failf("unexpected end of template, expected '%s'", endTags[len(endTags)-1])
			}
			return nodes, ""
		case tokText:
			p.next()
			nodes = append(nodes, &textNode{text: t.val})
		case tokVarBegin:
			p.next()
			x := p.parseExpr()
			p.expectKind(tokVarEnd)
			nodes = append(nodes, &outputNode{x: x, line: t.line})
		case tokBlockBegin:
			p.next()
			name := p.expectKind(tokName)
			for _, end := range endTags {
				if name.val == end {
					return nodes, end
				}
			}
			switch name.val {
			case "if":
				nodes = append(nodes, p.parseIf())
			case "for":
				nodes = append(nodes, p.parseFor(name.line))
			case "set":
				nodes = append(nodes, p.parseSet())
			default:
				if len(endTags) > 0 {
					p.failf("encountered unknown tag '%s', expected '%s'", name.val, endTags[len(endTags)-1])
				}
				p.failf("encountered unknown tag '%s'", name.val)
			}
		default:
			p.failf("unexpected %s", describe(t))
		}
	}
}

func (p *parser) parseIf() node {
	n := &ifNode{}
	cond := p.parseExpr()
	p.expectKind(tokBlockEnd)
	for {
		body, tag := p.parseBody("elif", "else", "endif")
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})
		switch tag {
		case "elif":
			cond = p.parseExpr()
			p.expectKind(tokBlockEnd)
		case "else":
			p.expectKind(tokBlockEnd)
			n.elseBody, _ = p.parseBody("endif")
			p.expectKind(tokBlockEnd)
			return n
		default:
			p.expectKind(tokBlockEnd)
			return n
		}
	}
}

func (p *parser) parseFor(line int) node {
	n := &forNode{line: line}
	for {
		n.targets = append(n.targets, p.expectKind(tokName).val)
		if !p.acceptOp(",") {
			break
		}
	}
	if !p.acceptName("in") {
		p.failf("expected 'in', got %s", describe(p.peek()))
	}
	n.iter = p.parseOr()
	if p.acceptName("if") {
		n.cond = p.parseOr()
	}
	p.expectKind(tokBlockEnd)

	body, tag := p.parseBody("else", "endfor")
	n.body = body
	if tag == "else" {
		p.expectKind(tokBlockEnd)
		n.elseBody, _ = p.parseBody("endfor")
	}
	p.expectKind(tokBlockEnd)
	return n
}

func (p *parser) parseSet() node {
	name := p.expectKind(tokName).val
	p.expectOp("=")
	value := p.parseExpr()
	p.expectKind(tokBlockEnd)
	return &setNode{name: name, value: value}
}

func (p *parser) parseExpr() expr {
	return p.parseCond()
}

func (p *parser) parseCond() expr {
	x := p.parseOr()
	for p.isName("if") {
		ln := p.next().line
		cond := p.parseOr()
		var els expr
		if p.acceptName("else") {
			els = p.parseCond()
		}
		x = &condExpr{pos: pos{ln}, cond: cond, then: x, els_: els}
	}
	return x
}

func (p *parser) parseOr() expr {
	x := p.parseAnd()
	for p.isName("or") {
		ln := p.next().line
		x = &logicalExpr{pos: pos{ln}, and: false, l: x, r: p.parseAnd()}
	}
	return x
}

func (p *parser) parseAnd() expr {
	x := p.parseNot()
	for p.isName("and") {
		ln := p.next().line
		x = &logicalExpr{pos: pos{ln}, and: true, l: x, r: p.parseNot()}
	}
	return x
}

func (p *parser) parseNot() expr {
	if p.isName("not") {
		ln := p.next().line
		return &notExpr{pos: pos{ln}, x: p.parseNot()}
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() expr {
	first := p.parseConcat()
	c := &compareExpr{pos: pos{p.peek().line}, first: first}
	for {
		t := p.peek()
		switch {
		case t.kind == tokOp && (t.val == "==" || t.val == "!=" || t.val == "<" || t.val == "<=" || t.val == ">" || t.val == ">="):
			p.next()
			c.ops = append(c.ops, t.val)
		case t.kind == tokName && t.val == "in":
			p.next()
			c.ops = append(c.ops, "in")
		case t.kind == tokName && t.val == "not" && p.toks[p.pos+1].kind == tokName && p.toks[p.pos+1].val == "in":
			p.pos += 2
			c.ops = append(c.ops, "not in")
		default:
			if len(c.ops) == 0 {
				return first
			}
			return c
		}
		c.rest = append(c.rest, p.parseConcat())
	}
}

func (p *parser) parseConcat() expr {
	x := p.parseAdditive()
	for p.isOp("~") {
		ln := p.next().line
		x = &binaryExpr{pos: pos{ln}, op: "~", l: x, r: p.parseAdditive()}
	}
	return x
}

func (p *parser) parseAdditive() expr {
	x := p.parseMultiplicative()
	for p.isOp("+") || p.isOp("-") {
		t := p.next()
		x = &binaryExpr{pos: pos{t.line}, op: t.val, l: x, r: p.parseMultiplicative()}
	}
	return x
}

func (p *parser) parseMultiplicative() expr {
	x := p.parsePow()
	for p.isOp("*") || p.isOp("/") || p.isOp("//") || p.isOp("%") {
		t := p.next()
		x = &binaryExpr{pos: pos{t.line}, op: t.val, l: x, r: p.parsePow()}
	}
	return x
}

func (p *parser) parsePow() expr {
	x := p.parseUnary(true)
	for p.isOp("**") {
		t := p.next()
		x = &binaryExpr{pos: pos{t.line}, op: "**", l: x, r: p.parseUnary(true)}
	}
	return x
}

func (p *parser) parseUnary(withFilter bool) expr {
	var x expr
	switch {
	case p.isOp("-"):
		t := p.next()
		x = &unaryExpr{pos: pos{t.line}, op: "-", x: p.parseUnary(false)}
	case p.isOp("+"):
		p.next()
		x = p.parseUnary(false)
	default:
		x = p.parsePostfix(p.parsePrimary())
	}
	if withFilter {
		x = p.parseFilters(x)
	}
	return x
}

func (p *parser) parsePrimary() expr {
	t := p.next()
	ln := pos{t.line}
	switch t.kind {
	case tokName:
		switch t.val {
		case "true", "True":
			return &literalExpr{pos: ln, val: true}
		case "false", "False":
			return &literalExpr{pos: ln, val: false}
		case "none", "None":
			return &literalExpr{pos: ln, val: nil}
		}
		return &nameExpr{pos: ln, name: t.val}
	case tokString:
		s := t.val
		for p.peek().kind == tokString {
			s += p.next().val
		}
		return &literalExpr{pos: ln, val: s}
	case tokInt:
		n, err := strconv.ParseInt(t.val, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(t.val, 64)
			if ferr != nil {
				panic(syntaxErrorf(t.line, "invalid number %q", t.val))
			}
			return &literalExpr{pos: ln, val: f}
		}
		return &literalExpr{pos: ln, val: n}
	case tokFloat:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			panic(syntaxErrorf(t.line, "invalid number %q", t.val))
		}
		return &literalExpr{pos: ln, val: f}
	case tokOp:
		switch t.val {
		case "(":
			x := p.parseExpr()
			p.expectOp(")")
			return x
		case "[":
			l := &listExpr{pos: ln}
			for !p.isOp("]") {
				l.items = append(l.items, p.parseExpr())
				if !p.acceptOp(",") {
					break
				}
			}
			p.expectOp("]")
			return l
		case "{":
			d := &dictExpr{pos: ln}
			for !p.isOp("}") {
				d.keys = append(d.keys, p.parseExpr())
				p.expectOp(":")
				d.values = append(d.values, p.parseExpr())
				if !p.acceptOp(",") {
					break
				}
			}
			p.expectOp("}")
			return d
		}
	}
	panic(syntaxErrorf(t.line, "unexpected %s", describe(t)))
}

func (p *parser) parsePostfix(x expr) expr {
	for {
		switch {
		case p.isOp("."):
			ln := p.next().line
			t := p.next()
			switch t.kind {
			case tokName:
				x = &attrExpr{pos: pos{ln}, obj: x, name: t.val}
			case tokInt:
				n, _ := strconv.ParseInt(t.val, 10, 64)
				x = &indexExpr{pos: pos{ln}, obj: x, key: &literalExpr{pos: pos{ln}, val: n}}
			default:
				panic(syntaxErrorf(ln, "expected name after '.', got %s", describe(t)))
			}
		case p.isOp("["):
			ln := p.next().line
			key := p.parseExpr()
			p.expectOp("]")
			x = &indexExpr{pos: pos{ln}, obj: x, key: key}
		case p.isOp("("):
			ln := p.peek().line
			args, kwargs := p.parseArgs()
			x = &callExpr{pos: pos{ln}, fn: x, args: args, kwargs: kwargs}
		default:
			return x
		}
	}
}

func (p *parser) parseArgs() ([]expr, []kwarg) {
	p.expectOp("(")
	var args []expr
	var kwargs []kwarg
	for !p.isOp(")") {
		if p.peek().kind == tokName && p.toks[p.pos+1].kind == tokOp && p.toks[p.pos+1].val == "=" {
			name := p.next().val
			p.next()
			kwargs = append(kwargs, kwarg{name: name, value: p.parseExpr()})
		} else {
			if len(kwargs) > 0 {
				p.failf("positional argument follows keyword argument")
			}
			args = append(args, p.parseExpr())
		}
		if !p.acceptOp(",") {
			break
		}
	}
	p.expectOp(")")
	return args, kwargs
}

func (p *parser) parseFilters(x expr) expr {
	for {
		switch {
		case p.isOp("|"):
			ln := p.next().line
			name := p.expectKind(tokName).val
			if _, ok := filters[name]; !ok {
				panic(syntaxErrorf(ln, "No filter named '%s'.", name))
			}
			f := &filterExpr{pos: pos{ln}, arg: x, name: name}
			if p.isOp("(") {
				f.args, f.kwargs = p.parseArgs()
			}
			x = f
		case p.isName("is"):
			ln := p.next().line
			negate := p.acceptName("not")
			t := p.next()
			if t.kind != tokName {
				panic(syntaxErrorf(ln, "expected test name, got %s", describe(t)))
			}
			name := t.val
			switch name {
			case "none", "None":
				name = "none"
			case "true", "True":
				name = "true"
			case "false", "False":
				name = "false"
			}
			if _, ok := tests[name]; !ok {
				panic(syntaxErrorf(ln, "No test named '%s'.", name))
			}
			te := &testExpr{pos: pos{ln}, arg: x, name: name, negate: negate}
			if p.isOp("(") {
				te.args, _ = p.parseArgs()
			} else if k := p.peek().kind; k == tokString || k == tokInt || k == tokFloat {
				te.args = []expr{p.parsePrimary()}
			}
			x = te
		default:
			return x
		}
	}
}
