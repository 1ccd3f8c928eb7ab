package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/foliodb/folio/pkg/hay"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokId          // tag name or keyword
	tokOp          // == != < <= > >= -> ( )
	tokStr
	tokNum
	tokRef
	tokUri
	tokDate
	tokTime
	tokErr
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) []token {
	var toks []token
	i := 0
	emit := func(k tokKind, s string) { toks = append(toks, token{k, s}) }
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')':
			emit(tokOp, string(c))
			i++
		case c == '=' && i+1 < len(src) && src[i+1] == '=':
			emit(tokOp, "==")
			i += 2
		case c == '!' && i+1 < len(src) && src[i+1] == '=':
			emit(tokOp, "!=")
			i += 2
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				emit(tokOp, "<=")
				i += 2
			} else {
				emit(tokOp, "<")
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				emit(tokOp, ">=")
				i += 2
			} else {
				emit(tokOp, ">")
				i++
			}
		case c == '-' && i+1 < len(src) && src[i+1] == '>':
			emit(tokOp, "->")
			i += 2
		case c == '"':
			j := i + 1
			for j < len(src) {
				if src[j] == '\\' {
					j += 2
					continue
				}
				if src[j] == '"' {
					break
				}
				j++
			}
			if j >= len(src) {
				emit(tokErr, src[i:])
				return toks
			}
			emit(tokStr, src[i:j+1])
			i = j + 1
		case c == '`':
			j := strings.IndexByte(src[i+1:], '`')
			if j < 0 {
				emit(tokErr, src[i:])
				return toks
			}
			emit(tokUri, src[i+1:i+1+j])
			i += j + 2
		case c == '@':
			j := i + 1
			for j < len(src) && isRefChar(src[j]) {
				j++
			}
			emit(tokRef, src[i+1:j])
			i = j
		case c >= '0' && c <= '9' || c == '-':
			j := i
			if c == '-' {
				j++
			}
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' ||
				src[j] == '-' || src[j] == ':' || isAlpha(src[j]) || src[j] == '%' || src[j] == '/') {
				j++
			}
			text := src[i:j]
			switch {
			case len(text) == 10 && text[4] == '-' && text[7] == '-':
				emit(tokDate, text)
			case len(text) >= 8 && text[2] == ':' && text[5] == ':':
				emit(tokTime, text)
			default:
				emit(tokNum, text)
			}
			i = j
		case isAlpha(c):
			j := i
			for j < len(src) && (isAlpha(src[j]) || src[j] >= '0' && src[j] <= '9' || src[j] == '_') {
				j++
			}
			emit(tokId, src[i:j])
			i = j
		default:
			emit(tokErr, string(c))
			return toks
		}
	}
	return toks
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isRefChar(c byte) bool {
	return isAlpha(c) || c >= '0' && c <= '9' || c == '_' || c == ':' || c == '-' || c == '.' || c == '~'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) eof() bool { return p.cur().kind == tokEOF }

func (p *parser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokId && p.cur().text == "or" {
		p.pos++
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = orNode{lhs, rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (node, error) {
	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokId && p.cur().text == "and" {
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		lhs = andNode{lhs, rhs}
	}
	return lhs, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.cur()
	if t.kind == tokOp && t.text == "(" {
		p.pos++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.cur(); c.kind != tokOp || c.text != ")" {
			return nil, fmt.Errorf("expected ')'")
		}
		p.pos++
		return n, nil
	}
	if t.kind == tokId && t.text == "not" {
		p.pos++
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return missingNode{path}, nil
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	op := p.cur()
	if op.kind == tokOp && isCmpOp(op.text) {
		p.pos++
		lit, err := p.parseLit()
		if err != nil {
			return nil, err
		}
		return cmpNode{path: path, op: op.text, lit: lit}, nil
	}
	return hasNode{path}, nil
}

func (p *parser) parsePath() ([]string, error) {
	t := p.cur()
	if t.kind != tokId || !hay.IsValidTagName(t.text) {
		return nil, fmt.Errorf("expected tag name, got %q", t.text)
	}
	path := []string{t.text}
	p.pos++
	for p.cur().kind == tokOp && p.cur().text == "->" {
		p.pos++
		t := p.cur()
		if t.kind != tokId || !hay.IsValidTagName(t.text) {
			return nil, fmt.Errorf("expected tag name after '->', got %q", t.text)
		}
		path = append(path, t.text)
		p.pos++
	}
	return path, nil
}

func (p *parser) parseLit() (hay.Val, error) {
	t := p.cur()
	p.pos++
	switch t.kind {
	case tokStr:
		s, err := strconv.Unquote(t.text)
		if err != nil {
			return nil, fmt.Errorf("bad string %s: %w", t.text, err)
		}
		return hay.Str(s), nil
	case tokUri:
		return hay.Uri(t.text), nil
	case tokRef:
		if !hay.IsValidRefId(t.text) {
			return nil, fmt.Errorf("bad ref id %q", t.text)
		}
		return hay.NewRef(t.text), nil
	case tokNum:
		return parseNumLit(t.text)
	case tokDate:
		d, err := time.Parse("2006-01-02", t.text)
		if err != nil {
			return nil, fmt.Errorf("bad date %q: %w", t.text, err)
		}
		return hay.NewDate(d.Year(), d.Month(), d.Day()), nil
	case tokTime:
		var h, m, s int
		if _, err := fmt.Sscanf(t.text, "%02d:%02d:%02d", &h, &m, &s); err != nil {
			return nil, fmt.Errorf("bad time %q: %w", t.text, err)
		}
		return hay.Time{Hour: h, Min: m, Sec: s}, nil
	case tokId:
		switch t.text {
		case "true":
			return hay.Bool(true), nil
		case "false":
			return hay.Bool(false), nil
		}
	}
	return nil, fmt.Errorf("expected literal, got %q", t.text)
}

func parseNumLit(text string) (hay.Val, error) {
	i := 0
	if i < len(text) && text[i] == '-' {
		i++
	}
	for i < len(text) && (text[i] >= '0' && text[i] <= '9' || text[i] == '.') {
		i++
	}
	f, err := strconv.ParseFloat(text[:i], 64)
	if err != nil {
		if text == "-INF" {
			return hay.Number{Val: math.Inf(-1)}, nil
		}
		return nil, fmt.Errorf("bad number %q: %w", text, err)
	}
	return hay.Number{Val: f, Unit: text[i:]}, nil
}

func isCmpOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}
