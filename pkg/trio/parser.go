package trio

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/foliodb/folio/pkg/hay"
)

// parser is a recursive-descent scanner over one value literal.
type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool    { return p.pos >= len(p.src) }
func (p *parser) rest() string { return p.src[p.pos:] }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) peekAt(off int) byte {
	if p.pos+off >= len(p.src) {
		return 0
	}
	return p.src[p.pos+off]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at %q", string(c), p.rest())
	}
	p.pos++
	return nil
}

func (p *parser) parseVal() (hay.Val, error) {
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of value")
	}
	c := p.peek()
	switch {
	case c == '"':
		return p.parseStr()
	case c == '`':
		return p.parseUri()
	case c == '@':
		return p.parseRef()
	case c == '{':
		return p.parseDict()
	case c == '[':
		return p.parseList()
	case c >= '0' && c <= '9':
		return p.parseNumeric()
	case c == '-':
		if strings.HasPrefix(p.rest(), "-INF") {
			p.pos += 4
			return hay.Number{Val: math.Inf(-1), Unit: p.parseUnit()}, nil
		}
		return p.parseNumeric()
	case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z':
		return p.parseWord()
	}
	return nil, fmt.Errorf("unexpected char %q", string(c))
}

func (p *parser) parseStr() (hay.Val, error) {
	lit, err := p.scanQuoted()
	if err != nil {
		return nil, err
	}
	return hay.Str(lit), nil
}

// scanQuoted consumes a double-quoted literal and returns the unescaped
// content.
func (p *parser) scanQuoted() (string, error) {
	start := p.pos
	if err := p.expect('"'); err != nil {
		return "", err
	}
	for !p.eof() {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			s, err := strconv.Unquote(p.src[start:p.pos])
			if err != nil {
				return "", fmt.Errorf("bad string literal %q: %w", p.src[start:p.pos], err)
			}
			return s, nil
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated string at %q", p.src[start:])
}

func (p *parser) parseUri() (hay.Val, error) {
	p.pos++ // opening backtick
	end := strings.IndexByte(p.rest(), '`')
	if end < 0 {
		return nil, fmt.Errorf("unterminated uri")
	}
	u := hay.Uri(p.src[p.pos : p.pos+end])
	p.pos += end + 1
	return u, nil
}

func (p *parser) parseRef() (hay.Val, error) {
	p.pos++ // '@'
	start := p.pos
	for !p.eof() && isRefIdChar(p.src[p.pos]) {
		p.pos++
	}
	id := p.src[start:p.pos]
	if !hay.IsValidRefId(id) {
		return nil, fmt.Errorf("invalid ref id %q", id)
	}
	return hay.NewRef(id), nil
}

func (p *parser) parseDict() (hay.Val, error) {
	p.pos++ // '{'
	d := hay.NewDict()
	for {
		p.skipSpace()
		if p.eof() {
			return nil, fmt.Errorf("unterminated dict")
		}
		if p.peek() == '}' {
			p.pos++
			return d, nil
		}
		start := p.pos
		for !p.eof() && isTagNameChar(p.src[p.pos]) {
			p.pos++
		}
		name := p.src[start:p.pos]
		if !hay.IsValidTagName(name) {
			return nil, fmt.Errorf("invalid dict tag name %q", name)
		}
		if p.peek() == ':' {
			p.pos++
			v, err := p.parseVal()
			if err != nil {
				return nil, err
			}
			d.Set(name, v)
		} else {
			d.Set(name, hay.Marker)
		}
	}
}

func (p *parser) parseList() (hay.Val, error) {
	p.pos++ // '['
	list := hay.List{}
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return list, nil
	}
	for {
		v, err := p.parseVal()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return list, nil
		default:
			return nil, fmt.Errorf("expected ',' or ']' at %q", p.rest())
		}
	}
}

// parseWord handles keyword literals and the Type("...") forms.
func (p *parser) parseWord() (hay.Val, error) {
	start := p.pos
	for !p.eof() && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	word := p.src[start:p.pos]

	if p.peek() == '(' {
		switch word {
		case "C":
			return p.parseCoord()
		case "Bin":
			p.pos++ // '('
			mime, err := p.scanQuoted()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			return hay.Bin{Mime: mime}, nil
		default:
			if word == "" || word[0] < 'A' || word[0] > 'Z' {
				return nil, fmt.Errorf("invalid xstr type %q", word)
			}
			p.pos++ // '('
			val, err := p.scanQuoted()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			return hay.XStr{Type: word, Val: val}, nil
		}
	}

	switch word {
	case "M":
		return hay.Marker, nil
	case "R":
		return hay.Remove, nil
	case "NA":
		return hay.NA, nil
	case "T", "true":
		return hay.Bool(true), nil
	case "F", "false":
		return hay.Bool(false), nil
	case "INF":
		return hay.Number{Val: math.Inf(1), Unit: p.parseUnit()}, nil
	case "NaN":
		return hay.Number{Val: math.NaN()}, nil
	}
	return nil, fmt.Errorf("unknown literal %q", word)
}

func (p *parser) parseCoord() (hay.Val, error) {
	p.pos++ // '('
	lat, err := p.scanFloat()
	if err != nil {
		return nil, fmt.Errorf("coord lat: %w", err)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	lng, err := p.scanFloat()
	if err != nil {
		return nil, fmt.Errorf("coord lng: %w", err)
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return hay.Coord{Lat: lat, Lng: lng}, nil
}

func (p *parser) scanFloat() (float64, error) {
	start := p.pos
	for !p.eof() && isFloatChar(p.src[p.pos]) {
		p.pos++
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}

// parseNumeric disambiguates dates, times, date-times and numbers, which
// all begin with a digit (or minus sign).
func (p *parser) parseNumeric() (hay.Val, error) {
	rest := p.rest()
	if isDateStart(rest) {
		if len(rest) > 10 && rest[10] == 'T' {
			return p.parseDateTime()
		}
		return p.parseDate()
	}
	if isTimeStart(rest) {
		return p.parseTime()
	}
	start := p.pos
	for !p.eof() && isFloatChar(p.src[p.pos]) {
		p.pos++
	}
	// back off float chars that actually begin a unit symbol ("5Erg")
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	for err != nil && p.pos > start+1 {
		c := p.src[p.pos-1]
		if c != 'e' && c != 'E' && c != '+' && c != '-' && c != '.' {
			break
		}
		p.pos--
		f, err = strconv.ParseFloat(p.src[start:p.pos], 64)
	}
	if err != nil {
		return nil, fmt.Errorf("bad number at %q: %w", rest, err)
	}
	return hay.Number{Val: f, Unit: p.parseUnit()}, nil
}

func (p *parser) parseUnit() string {
	start := p.pos
	for !p.eof() && isUnitChar(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) parseDate() (hay.Val, error) {
	lit := p.rest()[:10]
	t, err := time.Parse("2006-01-02", lit)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", lit, err)
	}
	p.pos += 10
	return hay.NewDate(t.Year(), t.Month(), t.Day()), nil
}

func (p *parser) parseTime() (hay.Val, error) {
	start := p.pos
	p.pos += 8 // hh:mm:ss
	ms := 0
	if p.peek() == '.' {
		p.pos++
		msStart := p.pos
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.src[msStart:p.pos])
		if err != nil {
			return nil, fmt.Errorf("bad time %q", p.src[start:p.pos])
		}
		ms = n
	}
	lit := p.src[start : start+8]
	var h, m, s int
	if _, err := fmt.Sscanf(lit, "%02d:%02d:%02d", &h, &m, &s); err != nil {
		return nil, fmt.Errorf("bad time %q: %w", lit, err)
	}
	if h > 23 || m > 59 || s > 59 || ms > 999 {
		return nil, fmt.Errorf("time out of range %q", p.src[start:p.pos])
	}
	return hay.Time{Hour: h, Min: m, Sec: s, Ms: ms}, nil
}

func (p *parser) parseDateTime() (hay.Val, error) {
	start := p.pos
	for !p.eof() && isInstantChar(p.src[p.pos]) {
		p.pos++
	}
	iso := p.src[start:p.pos]
	ts, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return nil, fmt.Errorf("bad date-time %q: %w", iso, err)
	}

	tz := "UTC"
	// an upper-case word after the instant is the timezone name
	if p.peek() == ' ' {
		next := p.peekAt(1)
		if next >= 'A' && next <= 'Z' {
			p.pos++
			tzStart := p.pos
			for !p.eof() && isTZChar(p.src[p.pos]) {
				p.pos++
			}
			tz = p.src[tzStart:p.pos]
		}
	}
	dt, err := hay.NewDateTime(ts, tz)
	if err != nil {
		return nil, err
	}
	return dt, nil
}

func isRefIdChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == ':' || c == '-' || c == '.' || c == '~'
}

func isTagNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func isFloatChar(c byte) bool {
	return c >= '0' && c <= '9' || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E'
}

func isUnitChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '%' || c == '_' || c == '/' || c == '$'
}

func isInstantChar(c byte) bool {
	return c >= '0' && c <= '9' || c == '-' || c == ':' || c == '.' || c == 'T' || c == 'Z' || c == '+'
}

func isTZChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '+'
}

func isDateStart(s string) bool {
	if len(s) < 10 {
		return false
	}
	for i := 0; i < 10; i++ {
		if i == 4 || i == 7 {
			if s[i] != '-' {
				return false
			}
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isTimeStart(s string) bool {
	if len(s) < 8 {
		return false
	}
	for i := 0; i < 8; i++ {
		if i == 2 || i == 5 {
			if s[i] != ':' {
				return false
			}
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
