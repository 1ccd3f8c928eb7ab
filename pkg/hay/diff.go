package hay

import (
	"errors"
	"fmt"
	"strings"
)

// DiffFlag is the bit set of diff modes.
type DiffFlag int

const (
	// DiffAdd creates a new record; no expected mod.
	DiffAdd DiffFlag = 1 << iota
	// DiffRemove destroys the record.
	DiffRemove
	// DiffTransient mutates the cache only; not persisted, mod untouched.
	DiffTransient
	// DiffForce skips the concurrent-change check.
	DiffForce
)

// Diff describes one declarative change to a record.
type Diff struct {
	// Id targets the record.
	Id *Ref
	// OldMod is the expected current mod; zero for adds.
	OldMod DateTime
	// Changes maps tag name to new value; Remove deletes the tag.
	Changes *Dict
	// Flags select add/remove/transient/force behavior.
	Flags DiffFlag
}

// IsAdd reports whether the diff creates a record.
func (d Diff) IsAdd() bool { return d.Flags&DiffAdd != 0 }

// IsRemove reports whether the diff destroys the record.
func (d Diff) IsRemove() bool { return d.Flags&DiffRemove != 0 }

// IsTransient reports whether the diff is cache-only.
func (d Diff) IsTransient() bool { return d.Flags&DiffTransient != 0 }

// IsForce reports whether the concurrent-change check is skipped.
func (d Diff) IsForce() bool { return d.Flags&DiffForce != 0 }

// reservedTags may never appear in diff changes; the engine owns them.
var reservedTags = map[string]bool{
	"id":  true,
	"mod": true,
}

// neverTags are transient history summary tags patched onto cached records;
// they are never persisted and never legal in a diff.
var neverTags = map[string]bool{
	"hisSize":     true,
	"hisStart":    true,
	"hisStartVal": true,
	"hisEnd":      true,
	"hisEndVal":   true,
}

// IsNeverTag reports whether name is a transient summary tag.
func IsNeverTag(name string) bool { return neverTags[name] }

// Validate checks the diff for structural legality: a target id, legal flag
// combinations, legal tag names, and no reserved or summary tags in the
// change set.
func (d Diff) Validate() error {
	if d.Id == nil {
		return errors.New("diff has no target id")
	}
	if d.IsTransient() && (d.IsAdd() || d.IsRemove()) {
		return errors.New("diff cannot combine transient with add/remove")
	}
	if d.IsAdd() && !d.OldMod.Ts().IsZero() {
		return errors.New("add diff cannot carry an expected mod")
	}
	if d.Changes == nil {
		if d.IsRemove() {
			return nil
		}
		return errors.New("diff has no changes")
	}
	var err error
	d.Changes.EachWhile(func(name string, val Val) bool {
		switch {
		case !IsValidTagName(name):
			err = fmt.Errorf("invalid tag name %q", name)
		case reservedTags[name]:
			err = fmt.Errorf("cannot set reserved tag %q", name)
		case neverTags[name]:
			err = fmt.Errorf("cannot set transient summary tag %q", name)
		case val == nil:
			err = fmt.Errorf("nil value for tag %q", name)
		}
		return err == nil
	})
	return err
}

// NewDiffAdd builds an add diff for a new record. When id is nil a fresh
// ref is generated.
func NewDiffAdd(id *Ref, changes *Dict) Diff {
	if id == nil {
		id = GenRef()
	}
	return Diff{Id: id, Changes: changes, Flags: DiffAdd}
}

// NewDiffUpdate builds an update diff against the given current record.
func NewDiffUpdate(rec *Dict, changes *Dict, flags DiffFlag) Diff {
	return Diff{Id: rec.Id(), OldMod: rec.Mod(), Changes: changes, Flags: flags}
}

// NewDiffRemove builds a remove diff against the given current record.
func NewDiffRemove(rec *Dict, flags DiffFlag) Diff {
	return Diff{Id: rec.Id(), OldMod: rec.Mod(), Flags: flags | DiffRemove}
}

func (d Diff) String() string {
	var sb strings.Builder
	sb.WriteString("Diff(")
	if d.Id != nil {
		sb.WriteString(d.Id.String())
	}
	if d.Changes != nil {
		sb.WriteByte(' ')
		sb.WriteString(d.Changes.String())
	}
	for _, f := range []struct {
		flag DiffFlag
		name string
	}{{DiffAdd, "add"}, {DiffRemove, "remove"}, {DiffTransient, "transient"}, {DiffForce, "force"}} {
		if d.Flags&f.flag != 0 {
			sb.WriteByte(' ')
			sb.WriteString(f.name)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
