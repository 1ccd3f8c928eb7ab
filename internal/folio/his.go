package folio

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/foliodb/folio/internal/wire"
	"github.com/foliodb/folio/pkg/hay"
	"github.com/foliodb/folio/pkg/trio"
)

// HisStore is the per-record time-series subsystem. Each history is a
// sorted set scored by timestamp millis; items never pass through the
// record cache, only the summary tags do.
type HisStore struct {
	s *Store
}

// HisReadOpts tune a history read.
type HisReadOpts struct {
	// Limit caps emitted items; 0 means unlimited.
	Limit int
	// ClipFuture drops items timestamped after the wall clock.
	ClipFuture bool
}

// HisWriteOpts tune a history write.
type HisWriteOpts struct {
	// ClearAll deletes the entire history before writing.
	ClearAll bool
	// Clear deletes the span (end millisecond excluded) before writing.
	Clear *hay.Span
}

// HisWriteResult reports what one write changed.
type HisWriteResult struct {
	// Count is the number of items written.
	Count int
	// Span bounds the written items; nil when none were written.
	Span *hay.Span
}

// hostRec resolves and validates the history host: the record must exist,
// be marked point and his, and not be aux or trash.
func (h *HisStore) hostRec(ref *hay.Ref) (*hay.Dict, error) {
	rec, ok := h.s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: @%s", ErrUnknownRec, ref.Id())
	}
	if !rec.Marker("point") || !rec.Marker("his") {
		return nil, fmt.Errorf("%w: @%s is not a his point", ErrHisConfig, ref.Id())
	}
	if rec.Marker("aux") || rec.Marker("trash") {
		return nil, fmt.Errorf("%w: @%s history is offline", ErrHisConfig, ref.Id())
	}
	return rec, nil
}

// Read streams history items to emit in ascending timestamp order until
// emit returns false.
//
// With a span the result carries bounded context: the last item before the
// span start, every item inside [start, end), and up to two items at or
// after the end. With a nil span the whole history streams and the summary
// tags on the cached host refresh afterwards, in the host's current
// timezone. Timestamps are normalized to the host record's timezone and
// unitless numeric values inherit the host's unit tag.
func (h *HisStore) Read(ref *hay.Ref, span *hay.Span, opts HisReadOpts, emit func(item hay.HisItem) bool) error {
	ref = h.s.InternRef(ref.Id())
	rec, err := h.hostRec(ref)
	if err != nil {
		return err
	}

	var entries []wire.ZEntry
	err = h.s.pool.WithConn(func(c *wire.Client) error {
		if span == nil {
			var err error
			entries, err = c.ZRangeWithScores(hisKey(ref.Id()), 0, -1)
			return err
		}
		startMs := span.Start.UnixMilli()
		endMs := span.End.UnixMilli()
		key := hisKey(ref.Id())
		c.BeginPipeline()
		c.ZRevRangeByScoreWithScores(key, "("+strconv.FormatInt(startMs, 10), "-inf", 0, 1)
		c.ZRangeByScoreWithScores(key, strconv.FormatInt(startMs, 10), "("+strconv.FormatInt(endMs, 10), 0, -1)
		c.ZRangeByScoreWithScores(key, strconv.FormatInt(endMs, 10), "+inf", 0, 2)
		replies, err := c.EndPipeline()
		if err != nil {
			return err
		}
		prev, err := wire.DecodeZEntries(replies[0])
		if err != nil {
			return err
		}
		window, err := wire.DecodeZEntries(replies[1])
		if err != nil {
			return err
		}
		next, err := wire.DecodeZEntries(replies[2])
		if err != nil {
			return err
		}
		entries = append(entries, prev...)
		entries = append(entries, window...)
		entries = append(entries, next...)
		return nil
	})
	if err != nil {
		return err
	}

	tz := hay.HisTZ(rec)
	unit := rec.Str("unit")
	now := time.Now()
	for _, entry := range entries {
		item, err := decodeHisItem(entry.Member)
		if err != nil {
			return fmt.Errorf("%w: @%s history item: %v", ErrEncoding, ref.Id(), err)
		}
		if opts.ClipFuture && item.TS.Ts().After(now) {
			continue
		}
		if hosted, err := item.TS.In(tz); err == nil {
			item.TS = hosted
		}
		if num, ok := item.Val.(hay.Number); ok && num.Unit == "" && unit != "" {
			item.Val = hay.Number{Val: num.Val, Unit: unit}
		}
		if !emit(item) {
			break
		}
		if opts.Limit > 0 {
			opts.Limit--
			if opts.Limit == 0 {
				break
			}
		}
	}

	if span == nil {
		var first, last []wire.ZEntry
		if len(entries) > 0 {
			first, last = entries[:1], entries[len(entries)-1:]
		}
		if err := h.patchSummary(ref, rec, int64(len(entries)), first, last); err != nil {
			h.s.log.Warn("his summary patch skipped", zap.String("id", ref.Id()), zap.Error(err))
		}
	}
	return nil
}

// ReadAll collects a span read into a slice.
func (h *HisStore) ReadAll(ref *hay.Ref, span *hay.Span, opts HisReadOpts) ([]hay.HisItem, error) {
	var out []hay.HisItem
	err := h.Read(ref, span, opts, func(item hay.HisItem) bool {
		out = append(out, item)
		return true
	})
	return out, err
}

// Write persists a batch of items to the record's history and refreshes
// the summary tags on the cached host. Items normalize first: ascending
// timestamp order, last write wins per timestamp, and values carrying the
// remove sentinel delete the sample at their timestamp. cx is opaque
// caller context forwarded to the post-write hook.
func (h *HisStore) Write(ref *hay.Ref, items []hay.HisItem, opts HisWriteOpts, cx any) (HisWriteResult, error) {
	ref = h.s.InternRef(ref.Id())
	rec, err := h.hostRec(ref)
	if err != nil {
		return HisWriteResult{}, err
	}
	items, err = normalizeItems(rec, items)
	if err != nil {
		return HisWriteResult{}, err
	}
	if len(items) == 0 && !opts.ClearAll && opts.Clear == nil {
		return HisWriteResult{}, nil
	}

	key := hisKey(ref.Id())
	var size int64
	var firstEnt, lastEnt []wire.ZEntry
	err = h.s.pool.WithConn(func(c *wire.Client) error {
		c.BeginPipeline()
		if opts.ClearAll {
			c.Del(key)
		} else if opts.Clear != nil {
			// the end millisecond is excluded from the cleared range
			c.ZRemRangeByScore(key,
				strconv.FormatInt(opts.Clear.Start.UnixMilli(), 10),
				strconv.FormatInt(opts.Clear.End.UnixMilli()-1, 10))
		}
		for _, item := range items {
			ms := strconv.FormatInt(item.TS.UnixMilli(), 10)
			c.ZRemRangeByScore(key, ms, ms)
			if item.Val.Kind() != hay.KindRemove {
				c.ZAdd(key, item.TS.UnixMilli(), trio.WriteString(encodeHisItem(item)))
			}
		}
		if _, err := c.EndPipeline(); err != nil {
			return err
		}

		var err error
		size, err = c.ZCard(key)
		if err != nil {
			return err
		}
		if firstEnt, err = c.ZRangeWithScores(key, 0, 0); err != nil {
			return err
		}
		lastEnt, err = c.ZRangeWithScores(key, -1, -1)
		return err
	})
	if err != nil {
		return HisWriteResult{}, err
	}

	if err := h.patchSummary(ref, rec, size, firstEnt, lastEnt); err != nil {
		h.s.log.Warn("his summary patch skipped", zap.String("id", ref.Id()), zap.Error(err))
	}

	written := 0
	for _, item := range items {
		if item.Val.Kind() != hay.KindRemove {
			written++
		}
	}
	res := HisWriteResult{Count: written}
	if span, ok := hay.HisItemsSpan(items); ok {
		res.Span = &span
	}

	if hook := h.s.cfg.Hooks.PostHisWrite; hook != nil {
		ev := HisWriteEvent{Rec: rec, Count: res.Count, Span: res.Span, CxInfo: cx}
		h.s.runPostHook(func() { hook(ev) })
	}
	return res, nil
}

// patchSummary refreshes the transient summary tags on the cached host.
// History writes race with commits, so the swap only lands when the cached
// record is still the one the summary was computed against; a lost race
// just means the next write recomputes.
func (h *HisStore) patchSummary(ref *hay.Ref, rec *hay.Dict, size int64, first, last []wire.ZEntry) error {
	tz := hay.HisTZ(rec)
	patched := rec.Dup()
	patched.Set("hisSize", hay.Number{Val: float64(size)})
	for _, name := range []string{"hisStart", "hisStartVal", "hisEnd", "hisEndVal"} {
		patched.Delete(name)
	}
	if len(first) == 1 && len(last) == 1 {
		fi, err := decodeHisItem(first[0].Member)
		if err != nil {
			return err
		}
		li, err := decodeHisItem(last[0].Member)
		if err != nil {
			return err
		}
		if ts, err := fi.TS.In(tz); err == nil {
			fi.TS = ts
		}
		if ts, err := li.TS.In(tz); err == nil {
			li.TS = ts
		}
		patched.Set("hisStart", fi.TS)
		patched.Set("hisStartVal", fi.Val)
		patched.Set("hisEnd", li.TS)
		patched.Set("hisEndVal", li.Val)
	}
	if !h.s.cache.CompareAndSwap(ref, rec, patched) {
		return fmt.Errorf("record changed concurrently")
	}
	return nil
}

// normalizeItems validates each item against the host configuration, sorts
// ascending and drops earlier duplicates per timestamp.
func normalizeItems(rec *hay.Dict, items []hay.HisItem) ([]hay.HisItem, error) {
	for _, item := range items {
		if err := hay.HisWriteCheck(rec, item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHisConfig, err)
		}
	}
	out := make([]hay.HisItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TS.UnixMilli() < out[j].TS.UnixMilli()
	})
	dedup := out[:0]
	for i, item := range out {
		if i+1 < len(out) && out[i+1].TS.UnixMilli() == item.TS.UnixMilli() {
			continue // last write wins
		}
		dedup = append(dedup, item)
	}
	return dedup, nil
}

func encodeHisItem(item hay.HisItem) *hay.Dict {
	return hay.DictOf("ts", item.TS, "val", item.Val)
}

func decodeHisItem(member []byte) (hay.HisItem, error) {
	rec, err := trio.ReadString(string(member))
	if err != nil {
		return hay.HisItem{}, err
	}
	ts, ok := rec.GetChecked("ts")
	if !ok {
		return hay.HisItem{}, fmt.Errorf("item missing ts")
	}
	dt, ok := ts.(hay.DateTime)
	if !ok {
		return hay.HisItem{}, fmt.Errorf("item ts is %s, not dateTime", ts.Kind())
	}
	val, ok := rec.GetChecked("val")
	if !ok {
		return hay.HisItem{}, fmt.Errorf("item missing val")
	}
	return hay.HisItem{TS: dt, Val: val}, nil
}
