package template

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokText
	tokVarBegin
	tokVarEnd
	tokBlockBegin
	tokBlockEnd
	tokName
	tokString
	tokInt
	tokFloat
	tokOp
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of template"
	case tokText:
		return "text"
	case tokVarBegin:
		return "'{{'"
	case tokVarEnd:
		return "'}}'"
	case tokBlockBegin:
		return "'{%'"
	case tokBlockEnd:
		return "'%}'"
	case tokName:
		return "name"
	case tokString:
		return "string"
	case tokInt, tokFloat:
		return "number"
	default:
		return "operator"
	}
}

type token struct {
	kind tokenKind
	val  string
	line int
}

var twoCharOps = []string{"//", "**", "==", "!=", "<=", ">="}

const oneCharOps = "()[]{}.,:|~+-*/%<>="

type lexer struct {
	src      string
	pos      int
	line     int
	toks     []token
	trimNext bool
}

func lex(src string) ([]token, *Error) {
	lx := &lexer{src: src, line: 1}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) emit(kind tokenKind, val string) {
	lx.toks = append(lx.toks, token{kind: kind, val: val, line: lx.line})
}

func (lx *lexer) run() *Error {
	for lx.pos < len(lx.src) {
		rest := lx.src[lx.pos:]
		idx := nextTag(rest)

		text := rest
		if idx >= 0 {
			text = rest[:idx]
		}
		if lx.trimNext {
			text = strings.TrimLeftFunc(text, unicode.IsSpace)
			lx.trimNext = false
		}
		if idx >= 0 && idx+2 < len(rest) && rest[idx+2] == '-' {
			text = strings.TrimRightFunc(text, unicode.IsSpace)
		}
		if text != "" {
			lx.emit(tokText, text)
		}

		if idx < 0 {
			lx.line += strings.Count(rest, "\n")
			lx.pos = len(lx.src)
			break
		}
		lx.line += strings.Count(rest[:idx], "\n")
		lx.pos += idx

		tag := lx.src[lx.pos : lx.pos+2]
		lx.pos += 2
		if lx.pos < len(lx.src) && lx.src[lx.pos] == '-' {
			lx.pos++
		}

		switch tag {
		case "{#":
			end := strings.Index(lx.src[lx.pos:], "#}")
			if end < 0 {
				return syntaxErrorf(lx.line, "missing end of comment tag")
			}
			body := lx.src[lx.pos : lx.pos+end]
			lx.line += strings.Count(body, "\n")
			lx.trimNext = strings.HasSuffix(body, "-")
			lx.pos += end + 2
		case "{{":
			lx.emit(tokVarBegin, tag)
			if err := lx.lexExpr("}}", tokVarEnd); err != nil {
				return err
			}
		case "{%":
			lx.emit(tokBlockBegin, tag)
			if err := lx.lexExpr("%}", tokBlockEnd); err != nil {
				return err
			}
		}
	}
	lx.emit(tokEOF, "")
	return nil
}

func nextTag(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		switch s[i+1] {
		case '{', '%', '#':
			return i
		}
	}
	return -1
}

func (lx *lexer) lexExpr(end string, endKind tokenKind) *Error {
	for {
		if lx.pos >= len(lx.src) {
			return syntaxErrorf(lx.line, "unexpected end of template, expected %s", endKind)
		}
		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			lx.line++
			lx.pos++
			continue
		case c == ' ' || c == '\t' || c == '\r':
			lx.pos++
			continue
		}

		rest := lx.src[lx.pos:]
		if strings.HasPrefix(rest, "-"+end) {
			lx.emit(endKind, end)
			lx.pos += 1 + len(end)
			lx.trimNext = true
			return nil
		}
		if strings.HasPrefix(rest, end) {
			lx.emit(endKind, end)
			lx.pos += len(end)
			return nil
		}

		switch {
		case c == '\'' || c == '"':
			if err := lx.lexString(c); err != nil {
				return err
			}
		case isDigit(c):
			lx.lexNumber()
		case isNameStart(c):
			start := lx.pos
			for lx.pos < len(lx.src) && isNameChar(lx.src[lx.pos]) {
				lx.pos++
			}
			lx.emit(tokName, lx.src[start:lx.pos])
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(rest, op) {
					lx.emit(tokOp, op)
					lx.pos += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(oneCharOps, c) >= 0 {
				lx.emit(tokOp, string(c))
				lx.pos++
				continue
			}
			return syntaxErrorf(lx.line, "unexpected character %q", c)
		}
	}
}

func (lx *lexer) lexString(quote byte) *Error {
	startLine := lx.line
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			lx.toks = append(lx.toks, token{kind: tokString, val: b.String(), line: startLine})
			return nil
		case c == '\\' && lx.pos+1 < len(lx.src):
			lx.pos++
			switch esc := lx.src[lx.pos]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(esc)
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			lx.pos++
		default:
			if c == '\n' {
				lx.line++
			}
			b.WriteByte(c)
			lx.pos++
		}
	}
	return syntaxErrorf(startLine, "unterminated string")
}

func (lx *lexer) lexNumber() {
	start := lx.pos
	kind := tokInt
	for lx.pos < len(lx.src) && (isDigit(lx.src[lx.pos]) || lx.src[lx.pos] == '_') {
		lx.pos++
	}
	if lx.pos+1 < len(lx.src) && lx.src[lx.pos] == '.' && isDigit(lx.src[lx.pos+1]) {
		kind = tokFloat
		lx.pos++
		for lx.pos < len(lx.src) && (isDigit(lx.src[lx.pos]) || lx.src[lx.pos] == '_') {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'e' || lx.src[lx.pos] == 'E') {
		p := lx.pos + 1
		if p < len(lx.src) && (lx.src[p] == '+' || lx.src[p] == '-') {
			p++
		}
		if p < len(lx.src) && isDigit(lx.src[p]) {
			kind = tokFloat
			lx.pos = p
			for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
				lx.pos++
			}
		}
	}
	lx.emit(kind, strings.ReplaceAll(lx.src[start:lx.pos], "_", ""))
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isNameStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isNameChar(c byte) bool  { return isNameStart(c) || isDigit(c) }
