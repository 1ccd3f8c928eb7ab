// Package filter implements the tag predicate language used to query
// records: `has` checks, tag-path comparisons, and boolean combinators.
// The storage engine consumes a Filter as a black box plus one shape
// question, SimpleTagName, used by its query planner.
package filter

import (
	"fmt"
	"strings"

	"github.com/foliodb/folio/pkg/hay"
)

// Resolver looks up a record by ref so that `siteRef->dis` style paths can
// dereference. A nil resolver disables path dereferencing.
type Resolver func(ref *hay.Ref) *hay.Dict

// Filter is a compiled predicate over records.
type Filter struct {
	src  string
	node node
}

// Parse compiles a filter from its source text.
func Parse(src string) (*Filter, error) {
	p := &parser{toks: lex(src)}
	n, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", src, err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("filter %q: trailing input at %q", src, p.cur().text)
	}
	return &Filter{src: strings.TrimSpace(src), node: n}, nil
}

// MustParse is Parse for known-good sources.
func MustParse(src string) *Filter {
	f, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return f
}

// Pattern returns the original source text.
func (f *Filter) Pattern() string { return f.src }

func (f *Filter) String() string { return f.src }

// Matches evaluates the predicate against one record.
func (f *Filter) Matches(rec *hay.Dict, res Resolver) bool {
	return f.node.eval(rec, res)
}

// SimpleTagName reports the tag name when the filter's surface form is a
// single bare identifier: no spaces, operators, parens or paths. That exact
// shape is what qualifies a query for tag-index planning; anything else
// scans.
func (f *Filter) SimpleTagName() (string, bool) {
	if hay.IsValidTagName(f.src) {
		return f.src, true
	}
	return "", false
}

// ---- AST ----

type node interface {
	eval(rec *hay.Dict, res Resolver) bool
}

type hasNode struct {
	path []string
}

func (n hasNode) eval(rec *hay.Dict, res Resolver) bool {
	v := resolvePath(rec, n.path, res)
	return v != nil
}

type missingNode struct {
	path []string
}

func (n missingNode) eval(rec *hay.Dict, res Resolver) bool {
	return resolvePath(rec, n.path, res) == nil
}

type cmpNode struct {
	path []string
	op   string
	lit  hay.Val
}

func (n cmpNode) eval(rec *hay.Dict, res Resolver) bool {
	v := resolvePath(rec, n.path, res)
	if v == nil {
		return false
	}
	switch n.op {
	case "==":
		return hay.Equal(v, n.lit)
	case "!=":
		return !hay.Equal(v, n.lit)
	}
	// ordering comparisons only apply to same-kind comparable values
	c, ok := compare(v, n.lit)
	if !ok {
		return false
	}
	switch n.op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

type andNode struct{ lhs, rhs node }

func (n andNode) eval(rec *hay.Dict, res Resolver) bool {
	return n.lhs.eval(rec, res) && n.rhs.eval(rec, res)
}

type orNode struct{ lhs, rhs node }

func (n orNode) eval(rec *hay.Dict, res Resolver) bool {
	return n.lhs.eval(rec, res) || n.rhs.eval(rec, res)
}

// resolvePath walks a "->" tag path, dereferencing refs through the
// resolver. Returns nil when any hop is missing.
func resolvePath(rec *hay.Dict, path []string, res Resolver) hay.Val {
	cur := rec
	for i, name := range path {
		v, ok := cur.GetChecked(name)
		if !ok {
			return nil
		}
		if i == len(path)-1 {
			return v
		}
		switch hop := v.(type) {
		case *hay.Ref:
			if res == nil {
				return nil
			}
			cur = res(hop)
			if cur == nil {
				return nil
			}
		case *hay.Dict:
			cur = hop
		default:
			return nil
		}
	}
	return nil
}

func compare(a, b hay.Val) (int, bool) {
	if a.Kind() != b.Kind() {
		return 0, false
	}
	switch av := a.(type) {
	case hay.Number:
		bv := b.(hay.Number)
		if av.Unit != bv.Unit {
			return 0, false
		}
		switch {
		case av.Val < bv.Val:
			return -1, true
		case av.Val > bv.Val:
			return 1, true
		}
		return 0, true
	case hay.Str:
		return strings.Compare(string(av), string(b.(hay.Str))), true
	case hay.Bool:
		x, y := 0, 0
		if av {
			x = 1
		}
		if b.(hay.Bool) {
			y = 1
		}
		return x - y, true
	case hay.Date:
		return strings.Compare(av.String(), b.(hay.Date).String()), true
	case hay.Time:
		return strings.Compare(av.String(), b.(hay.Time).String()), true
	case hay.DateTime:
		bv := b.(hay.DateTime)
		switch {
		case av.Ts().Before(bv.Ts()):
			return -1, true
		case bv.Ts().Before(av.Ts()):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
