package hay

import (
	"fmt"
	"time"
)

// HisItem is one time-series sample: a timestamp and a value. Timestamps
// are unique per record; a write to an existing timestamp overwrites.
type HisItem struct {
	TS  DateTime
	Val Val
}

func (i HisItem) String() string {
	return fmt.Sprintf("%s: %s", i.TS, i.Val)
}

// HisWriteCheck validates one item against the host point's configuration
// before it is written: the value kind must match the point's kind tag when
// present, units must agree with the point's unit tag, and the timestamp
// must carry a zone.
func HisWriteCheck(rec *Dict, item HisItem) error {
	if item.TS.Ts().IsZero() {
		return fmt.Errorf("item has no timestamp")
	}
	if item.Val == nil {
		return fmt.Errorf("item at %s has no value", item.TS)
	}
	switch item.Val.Kind() {
	case KindRemove, KindNA:
		return nil // deletes and gaps are always legal
	}
	if kind := rec.Str("kind"); kind != "" {
		if item.Val.Kind().String() != kind {
			return fmt.Errorf("item at %s is %s, point kind is %s", item.TS, item.Val.Kind(), kind)
		}
	}
	if num, ok := item.Val.(Number); ok {
		unit := rec.Str("unit")
		if num.Unit != "" && unit != "" && num.Unit != unit {
			return fmt.Errorf("item at %s unit %q does not match point unit %q", item.TS, num.Unit, unit)
		}
	}
	return nil
}

// HisTZ returns the host record's timezone name, defaulting to UTC.
func HisTZ(rec *Dict) string {
	if tz := rec.Str("tz"); tz != "" {
		return tz
	}
	return "UTC"
}

// HisItemsSpan returns the bounding span [first.TS, last.TS + 1ms) of an
// ascending item slice.
func HisItemsSpan(items []HisItem) (Span, bool) {
	if len(items) == 0 {
		return Span{}, false
	}
	return NewSpan(items[0].TS.Ts(), items[len(items)-1].TS.Ts().Add(time.Millisecond)), true
}
