package hay

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/google/uuid"
)

// Ref is an opaque record identifier. The id is immutable; the display
// string slot may be updated out-of-band by display resolution and is never
// part of equality. A store interns refs so that one instance exists per id.
type Ref struct {
	id  string
	dis atomic.Pointer[string]
}

// NewRef builds an un-interned ref for the given id.
func NewRef(id string) *Ref {
	return &Ref{id: id}
}

// GenRef allocates a new unique ref id in the segmented lower-case hex form
// used for caller-assigned record ids.
func GenRef() *Ref {
	u := uuid.New()
	return &Ref{id: hex.EncodeToString(u[0:4]) + "-" + hex.EncodeToString(u[4:8])}
}

// Id returns the identifier string.
func (r *Ref) Id() string { return r.id }

// Dis returns the display string, falling back to the id when none has been
// resolved yet.
func (r *Ref) Dis() string {
	if d := r.dis.Load(); d != nil {
		return *d
	}
	return r.id
}

// SetDis updates the display slot.
func (r *Ref) SetDis(dis string) {
	r.dis.Store(&dis)
}

// IsRel reports whether the id is relative, i.e. carries no "proj:" style
// prefix segment.
func (r *Ref) IsRel() bool {
	for i := 0; i < len(r.id); i++ {
		if r.id[i] == ':' {
			return false
		}
	}
	return true
}

func (*Ref) Kind() Kind { return KindRef }

// String returns the "@id" code form.
func (r *Ref) String() string { return "@" + r.id }

// IsValidTagName reports whether n is a legal tag name: a non-empty
// identifier starting with a lower-case letter followed by letters, digits
// or underscores.
func IsValidTagName(n string) bool {
	if n == "" {
		return false
	}
	c := n[0]
	if c < 'a' || c > 'z' {
		return false
	}
	for i := 1; i < len(n); i++ {
		c := n[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// IsValidRefId reports whether id is a legal ref identifier. Legal chars
// are letters, digits and the punctuation set "_:-.~".
func IsValidRefId(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '_' || c == ':' || c == '-' || c == '.' || c == '~'
		if !ok {
			return false
		}
	}
	return true
}
