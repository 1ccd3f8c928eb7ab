package hay

import (
	"fmt"
	"sort"
	"strings"
)

// Dict is an ordered mapping from tag name to tag value. Insertion order is
// preserved for encoding; lookups go through an index map. Stored records
// are treated as frozen: the engine copies via Dup before mutating and
// callers must not modify dicts handed back by the store.
type Dict struct {
	names []string
	vals  map[string]Val
}

// NewDict returns an empty dict.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]Val)}
}

// DictOf builds a dict from alternating name, value pairs.
// DictOf("dis", Str("Site"), "site", Marker) and so on.
func DictOf(pairs ...any) *Dict {
	if len(pairs)%2 != 0 {
		panic("hay.DictOf: odd argument count")
	}
	d := NewDict()
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("hay.DictOf: name at %d is %T", i, pairs[i]))
		}
		val, ok := pairs[i+1].(Val)
		if !ok {
			panic(fmt.Sprintf("hay.DictOf: value for %q is %T", name, pairs[i+1]))
		}
		d.Set(name, val)
	}
	return d
}

// Len returns the number of tags.
func (d *Dict) Len() int { return len(d.names) }

// IsEmpty reports whether the dict has no tags.
func (d *Dict) IsEmpty() bool { return len(d.names) == 0 }

// Has reports whether the tag is present.
func (d *Dict) Has(name string) bool {
	_, ok := d.vals[name]
	return ok
}

// Get returns the tag value, or nil when absent.
func (d *Dict) Get(name string) Val {
	return d.vals[name]
}

// GetChecked returns the tag value and whether it was present.
func (d *Dict) GetChecked(name string) (Val, bool) {
	v, ok := d.vals[name]
	return v, ok
}

// Set adds or replaces a tag. It is only legal on dicts the caller owns;
// dicts published to the cache are frozen by convention.
func (d *Dict) Set(name string, val Val) {
	if _, ok := d.vals[name]; !ok {
		d.names = append(d.names, name)
	}
	d.vals[name] = val
}

// Delete removes a tag if present.
func (d *Dict) Delete(name string) {
	if _, ok := d.vals[name]; !ok {
		return
	}
	delete(d.vals, name)
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
}

// Each visits tags in insertion order.
func (d *Dict) Each(f func(name string, val Val)) {
	for _, n := range d.names {
		f(n, d.vals[n])
	}
}

// EachWhile visits tags in insertion order until f returns false.
func (d *Dict) EachWhile(f func(name string, val Val) bool) {
	for _, n := range d.names {
		if !f(n, d.vals[n]) {
			return
		}
	}
}

// Names returns the tag names in insertion order. The slice is a copy.
func (d *Dict) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Dup returns a shallow copy safe for mutation.
func (d *Dict) Dup() *Dict {
	out := &Dict{
		names: make([]string, len(d.names)),
		vals:  make(map[string]Val, len(d.vals)),
	}
	copy(out.names, d.names)
	for k, v := range d.vals {
		out.vals[k] = v
	}
	return out
}

// Id returns the id tag as a ref, or nil when the dict is not a record.
func (d *Dict) Id() *Ref {
	if r, ok := d.vals["id"].(*Ref); ok {
		return r
	}
	return nil
}

// Mod returns the mod timestamp, or the zero DateTime when absent.
func (d *Dict) Mod() DateTime {
	if dt, ok := d.vals["mod"].(DateTime); ok {
		return dt
	}
	return DateTime{}
}

// Dis computes the record display string: dis tag, else the ref display,
// else the id, else "".
func (d *Dict) Dis() string {
	if s, ok := d.vals["dis"].(Str); ok {
		return string(s)
	}
	if r := d.Id(); r != nil {
		return r.Dis()
	}
	return ""
}

// Marker reports whether the tag is present with the marker value.
func (d *Dict) Marker(name string) bool {
	_, ok := d.vals[name].(MarkerVal)
	return ok
}

// Str returns the tag as a string, or "" when absent or not a Str.
func (d *Dict) Str(name string) string {
	if s, ok := d.vals[name].(Str); ok {
		return string(s)
	}
	return ""
}

// Equal reports whether two dicts hold equal tag sets, ignoring order.
func (d *Dict) Equal(o *Dict) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.names) != len(o.names) {
		return false
	}
	for n, v := range d.vals {
		ov, ok := o.vals[n]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// String renders "{tag:val, ...}" with names sorted for stable output.
func (d *Dict) String() string {
	names := d.Names()
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(n)
		if _, ok := d.vals[n].(MarkerVal); !ok {
			sb.WriteByte(':')
			sb.WriteString(d.vals[n].String())
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

func (*Dict) Kind() Kind { return KindDict }
