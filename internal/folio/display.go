package folio

import (
	"strings"

	"github.com/foliodb/folio/pkg/hay"
)

// SyncDis recomputes every record's display string and patches the interned
// refs in place. Concurrent calls coalesce into one pass.
func (s *Store) SyncDis() {
	s.disSF.Do("sync", func() (any, error) {
		memo := make(map[*hay.Ref]string)
		s.cache.Range(func(k, _ any) bool {
			ref := k.(*hay.Ref)
			ref.SetDis(s.resolveDis(ref, memo))
			return true
		})
		return nil, nil
	})
}

// resolveDis computes one record's display string: the dis tag wins, then
// an expanded disMacro, then the name tag, then the id. The memo is seeded
// with the id string before recursing so macro cycles terminate on the
// default instead of looping.
func (s *Store) resolveDis(ref *hay.Ref, memo map[*hay.Ref]string) string {
	if dis, ok := memo[ref]; ok {
		return dis
	}
	memo[ref] = ref.Id()

	rec, ok := s.lookup(ref)
	if !ok {
		return memo[ref]
	}
	dis := ref.Id()
	switch {
	case rec.Str("dis") != "":
		dis = rec.Str("dis")
	case rec.Str("disMacro") != "":
		dis = s.expandMacro(rec, rec.Str("disMacro"), memo)
	case rec.Str("name") != "":
		dis = rec.Str("name")
	}
	memo[ref] = dis
	return dis
}

// expandMacro substitutes $tag and ${tag} occurrences. Ref-valued tags
// substitute the referenced record's display string, resolved recursively.
func (s *Store) expandMacro(rec *hay.Dict, pattern string, memo map[*hay.Ref]string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		if pattern[i] != '$' {
			b.WriteByte(pattern[i])
			i++
			continue
		}
		name, next := scanMacroVar(pattern, i+1)
		if name == "" {
			b.WriteByte('$')
			i++
			continue
		}
		i = next
		val, ok := rec.GetChecked(name)
		if !ok {
			b.WriteString("$" + name)
			continue
		}
		switch v := val.(type) {
		case *hay.Ref:
			b.WriteString(s.resolveDis(s.InternRef(v.Id()), memo))
		case hay.Str:
			b.WriteString(string(v))
		default:
			b.WriteString(val.String())
		}
	}
	return b.String()
}

// scanMacroVar reads the variable name after a '$'; pos indexes the first
// char past it. Braced forms consume the closing brace.
func scanMacroVar(pattern string, pos int) (string, int) {
	if pos < len(pattern) && pattern[pos] == '{' {
		end := strings.IndexByte(pattern[pos:], '}')
		if end < 0 {
			return "", pos
		}
		return pattern[pos+1 : pos+end], pos + end + 1
	}
	start := pos
	for pos < len(pattern) && isMacroNameChar(pattern[pos]) {
		pos++
	}
	return pattern[start:pos], pos
}

func isMacroNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
