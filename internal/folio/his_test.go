package folio

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/foliodb/folio/pkg/hay"
)

func addPoint(t *testing.T, s *Store, extra ...any) *hay.Dict {
	t.Helper()
	tags := hay.DictOf(append([]any{
		"dis", hay.Str("Meter kW"),
		"point", hay.Marker,
		"his", hay.Marker,
		"kind", hay.Str("Number"),
	}, extra...)...)
	return mustAdd(t, s, tags)
}

func utcItem(hour int, val float64) hay.HisItem {
	ts := hay.MustDateTime(time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC), "UTC")
	return hay.HisItem{TS: ts, Val: hay.Num(val)}
}

func TestHisWriteRead(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s, "tz", hay.Str("New_York"), "unit", hay.Str("kW"))

	res, err := s.His().Write(rec.Id(), []hay.HisItem{
		utcItem(3, 3), utcItem(1, 1), utcItem(2, 2), // unsorted input
	}, HisWriteOpts{}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
	require.NotNil(t, res.Span)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 3)

	// ascending order, host timezone, host unit attached
	require.Equal(t, hay.NumUnit(1, "kW"), items[0].Val)
	require.Equal(t, hay.NumUnit(3, "kW"), items[2].Val)
	require.Equal(t, "New_York", items[0].TS.TZ())
	require.Equal(t, utcItem(1, 1).TS.UnixMilli(), items[0].TS.UnixMilli())
}

func TestHisReadSpan(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)

	var items []hay.HisItem
	for h := 1; h <= 6; h++ {
		items = append(items, utcItem(h, float64(h)))
	}
	_, err := s.His().Write(rec.Id(), items, HisWriteOpts{}, nil)
	require.NoError(t, err)

	span := hay.NewSpan(
		time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC),
	)
	got, err := s.His().ReadAll(rec.Id(), &span, HisReadOpts{})
	require.NoError(t, err)

	// one before, the [start,end) window, and two at/after end
	vals := make([]float64, len(got))
	for i, item := range got {
		vals[i] = item.Val.(hay.Number).Val
	}
	require.Equal(t, []float64{1, 2, 3, 4, 5}, vals)
}

func TestHisReadSpanEdges(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	// span before all data: no prev, empty window, two next
	span := hay.NewSpan(
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC),
	)
	got, err := s.His().ReadAll(rec.Id(), &span, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestHisOverwriteSameTimestamp(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)

	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 10)}, HisWriteOpts{}, nil)
	require.NoError(t, err)
	_, err = s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 20)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, float64(20), items[0].Val.(hay.Number).Val)
}

func TestHisLastWriteWinsWithinBatch(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)

	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 10), utcItem(1, 20)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, float64(20), items[0].Val.(hay.Number).Val)
}

func TestHisRemoveSentinel(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	_, err = s.His().Write(rec.Id(), []hay.HisItem{{TS: utcItem(1, 0).TS, Val: hay.Remove}}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, float64(2), items[0].Val.(hay.Number).Val)
}

func TestHisClearSpanExcludesEnd(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2), utcItem(3, 3)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	clear := hay.NewSpan(
		time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC),
	)
	_, err = s.His().Write(rec.Id(), nil, HisWriteOpts{Clear: &clear}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, float64(3), items[0].Val.(hay.Number).Val) // end item survives
}

func TestHisClearAll(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	_, err = s.His().Write(rec.Id(), []hay.HisItem{utcItem(5, 5)}, HisWriteOpts{ClearAll: true}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, float64(5), items[0].Val.(hay.Number).Val)
}

func TestHisSummaryTags(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s, "tz", hay.Str("New_York"))

	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(4, 4)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	got, err := s.ReadById(rec.Id())
	require.NoError(t, err)
	require.Equal(t, hay.Num(2), got.Get("hisSize"))

	start := got.Get("hisStart").(hay.DateTime)
	end := got.Get("hisEnd").(hay.DateTime)
	require.Equal(t, "New_York", start.TZ())
	require.Equal(t, utcItem(1, 1).TS.UnixMilli(), start.UnixMilli())
	require.Equal(t, utcItem(4, 4).TS.UnixMilli(), end.UnixMilli())
	require.Equal(t, hay.Num(1), got.Get("hisStartVal"))
	require.Equal(t, hay.Num(4), got.Get("hisEndVal"))
}

func TestHisSummaryRefreshOnRead(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)

	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	got, err := s.ReadById(rec.Id())
	require.NoError(t, err)
	require.Equal(t, "UTC", got.Get("hisStart").(hay.DateTime).TZ())

	_, err = s.Commit(hay.NewDiffUpdate(got, hay.DictOf("tz", hay.Str("New_York")), 0))
	require.NoError(t, err)

	// a full read recomputes the summary against the new host timezone
	_, err = s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)

	got, err = s.ReadById(rec.Id())
	require.NoError(t, err)
	require.Equal(t, "New_York", got.Get("hisStart").(hay.DateTime).TZ())
	require.Equal(t, "New_York", got.Get("hisEnd").(hay.DateTime).TZ())
	require.Equal(t, hay.Num(2), got.Get("hisSize"))
}

func TestHisSummaryAfterReload(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openStore(t, mr)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1)}, HisWriteOpts{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, mr)
	ref := s2.InternRef(rec.Id().Id())
	got, err := s2.ReadById(ref)
	require.NoError(t, err)
	require.False(t, got.Has("hisSize"))

	// the first full read rebuilds the summary tags
	_, err = s2.His().ReadAll(ref, nil, HisReadOpts{})
	require.NoError(t, err)

	got, err = s2.ReadById(ref)
	require.NoError(t, err)
	require.Equal(t, hay.Num(1), got.Get("hisSize"))
	require.Equal(t, utcItem(1, 1).TS.UnixMilli(), got.Get("hisStart").(hay.DateTime).UnixMilli())
	require.Equal(t, hay.Num(1), got.Get("hisStartVal"))
}

func TestHisSummaryNotPersisted(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openStore(t, mr)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1)}, HisWriteOpts{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, mr)
	got, err := s2.ReadById(s2.InternRef(rec.Id().Id()))
	require.NoError(t, err)
	require.False(t, got.Has("hisSize")) // summary tags never hit storage
}

func TestHisClipFuture(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)

	future := hay.MustDateTime(time.Now().Add(24*time.Hour), "UTC")
	_, err := s.His().Write(rec.Id(), []hay.HisItem{
		utcItem(1, 1),
		{TS: future, Val: hay.Num(9)},
	}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	all, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	clipped, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{ClipFuture: true})
	require.NoError(t, err)
	require.Len(t, clipped, 1)
}

func TestHisReadLimit(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s)
	_, err := s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2), utcItem(3, 3)}, HisWriteOpts{}, nil)
	require.NoError(t, err)

	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestHisConfigErrors(t *testing.T) {
	_, s := newStore(t)

	plain := mustAdd(t, s, hay.DictOf("site", hay.Marker))
	_, err := s.His().Write(plain.Id(), []hay.HisItem{utcItem(1, 1)}, HisWriteOpts{}, nil)
	require.ErrorIs(t, err, ErrHisConfig)
	err = s.His().Read(plain.Id(), nil, HisReadOpts{}, func(hay.HisItem) bool { return true })
	require.ErrorIs(t, err, ErrHisConfig)

	_, err = s.His().Write(s.InternRef("ghost"), []hay.HisItem{utcItem(1, 1)}, HisWriteOpts{}, nil)
	require.ErrorIs(t, err, ErrUnknownRec)

	aux := addPoint(t, s, "aux", hay.Marker)
	_, err = s.His().Write(aux.Id(), []hay.HisItem{utcItem(1, 1)}, HisWriteOpts{}, nil)
	require.ErrorIs(t, err, ErrHisConfig)
}

func TestHisWriteCheckRejectsBadItems(t *testing.T) {
	_, s := newStore(t)
	rec := addPoint(t, s, "unit", hay.Str("kW"))

	_, err := s.His().Write(rec.Id(), []hay.HisItem{
		{TS: utcItem(1, 0).TS, Val: hay.Str("wrong kind")},
	}, HisWriteOpts{}, nil)
	require.ErrorIs(t, err, ErrHisConfig)

	_, err = s.His().Write(rec.Id(), []hay.HisItem{
		{TS: utcItem(1, 0).TS, Val: hay.NumUnit(5, "W")},
	}, HisWriteOpts{}, nil)
	require.ErrorIs(t, err, ErrHisConfig)

	// nothing was written
	items, err := s.His().ReadAll(rec.Id(), nil, HisReadOpts{})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestHisWriteHook(t *testing.T) {
	mr := miniredis.RunT(t)
	var events []HisWriteEvent
	s, err := Open(Config{
		Endpoint: "redis://" + mr.Addr(),
		Hooks: Hooks{
			PostHisWrite: func(ev HisWriteEvent) { events = append(events, ev) },
		},
	})
	require.NoError(t, err)
	defer s.Close()

	rec := addPoint(t, s)
	_, err = s.His().Write(rec.Id(), []hay.HisItem{utcItem(1, 1), utcItem(2, 2)}, HisWriteOpts{}, "gateway-7")
	require.NoError(t, err)

	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].Count)
	require.NotNil(t, events[0].Span)
	require.Equal(t, "gateway-7", events[0].CxInfo)
}
