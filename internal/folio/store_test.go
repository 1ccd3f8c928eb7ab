package folio

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/foliodb/folio/internal/wire"
	"github.com/foliodb/folio/pkg/filter"
	"github.com/foliodb/folio/pkg/hay"
)

func openStore(t *testing.T, mr *miniredis.Miniredis) *Store {
	t.Helper()
	s, err := Open(Config{
		Name:     "test",
		Endpoint: "redis://" + mr.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, openStore(t, mr)
}

// storageClient opens a raw wire session for asserting on the persisted
// layout behind the store's back.
func storageClient(t *testing.T, mr *miniredis.Miniredis) *wire.Client {
	t.Helper()
	c, err := wire.Open(wire.Config{Addr: mr.Addr(), ConnectTimeout: time.Second, RecvTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustAdd(t *testing.T, s *Store, changes *hay.Dict) *hay.Dict {
	t.Helper()
	rec, err := s.Commit(hay.NewDiffAdd(nil, changes))
	require.NoError(t, err)
	return rec
}

func TestCommitAdd(t *testing.T) {
	mr, s := newStore(t)
	ver := s.CurVer()

	rec := mustAdd(t, s, hay.DictOf("dis", hay.Str("Site A"), "site", hay.Marker))
	require.NotNil(t, rec.Id())
	require.False(t, rec.Mod().Ts().IsZero())
	require.True(t, rec.Marker("site"))
	require.Equal(t, ver+1, s.CurVer())
	require.Equal(t, int64(1), s.RecCount())

	got, err := s.ReadById(rec.Id())
	require.NoError(t, err)
	require.True(t, rec.Equal(got))

	// persisted layout: record hash, idx:all and idx:tag entries
	c := storageClient(t, mr)
	id := rec.Id().Id()
	_, ok, err := c.HGet("rec:"+id, "trio")
	require.NoError(t, err)
	require.True(t, ok)
	inAll, err := c.SIsMember("idx:all", id)
	require.NoError(t, err)
	require.True(t, inAll)
	inTag, err := c.SIsMember("idx:tag:site", id)
	require.NoError(t, err)
	require.True(t, inTag)
}

func TestCommitUpdate(t *testing.T) {
	_, s := newStore(t)
	r1 := mustAdd(t, s, hay.DictOf("dis", hay.Str("S"), "site", hay.Marker))

	r2, err := s.Commit(hay.NewDiffUpdate(r1, hay.DictOf("dis", hay.Str("S2")), 0))
	require.NoError(t, err)
	require.Equal(t, "S2", r2.Str("dis"))
	require.True(t, r1.Mod().Before(r2.Mod()))
	require.Equal(t, r1.Id().Id(), r2.Id().Id())

	// removing a tag via the remove sentinel
	r3, err := s.Commit(hay.NewDiffUpdate(r2, hay.DictOf("site", hay.Remove), 0))
	require.NoError(t, err)
	require.False(t, r3.Has("site"))
}

func TestCommitRemove(t *testing.T) {
	mr, s := newStore(t)
	rec := mustAdd(t, s, hay.DictOf("dis", hay.Str("S"), "site", hay.Marker))
	id := rec.Id().Id()

	gone, err := s.Commit(hay.NewDiffRemove(rec, 0))
	require.NoError(t, err)
	require.Nil(t, gone)
	require.Equal(t, int64(0), s.RecCount())

	_, err = s.ReadById(rec.Id())
	require.ErrorIs(t, err, ErrUnknownRec)

	c := storageClient(t, mr)
	inAll, err := c.SIsMember("idx:all", id)
	require.NoError(t, err)
	require.False(t, inAll)
	inTag, err := c.SIsMember("idx:tag:site", id)
	require.NoError(t, err)
	require.False(t, inTag)
}

func TestCommitAddDuplicate(t *testing.T) {
	_, s := newStore(t)
	rec := mustAdd(t, s, hay.DictOf("site", hay.Marker))
	_, err := s.Commit(hay.NewDiffAdd(rec.Id(), hay.DictOf("site", hay.Marker)))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCommitUnknownTarget(t *testing.T) {
	_, s := newStore(t)
	ghost := hay.DictOf("id", hay.NewRef("nope"), "mod", hay.MustDateTime(time.Now(), "UTC"))
	_, err := s.Commit(hay.NewDiffUpdate(ghost, hay.DictOf("x", hay.Marker), 0))
	require.ErrorIs(t, err, ErrUnknownRec)

	// a remove has no mod to mismatch; the diff itself is illegal
	_, err = s.Commit(hay.NewDiffRemove(ghost, 0))
	require.ErrorIs(t, err, ErrCommit)
}

func TestConcurrentChange(t *testing.T) {
	_, s := newStore(t)
	base := mustAdd(t, s, hay.DictOf("dis", hay.Str("S"), "site", hay.Marker))
	ver := s.CurVer()

	// two callers race from the same snapshot; exactly one wins
	_, err := s.Commit(hay.NewDiffUpdate(base, hay.DictOf("dis", hay.Str("first")), 0))
	require.NoError(t, err)
	_, err = s.Commit(hay.NewDiffUpdate(base, hay.DictOf("dis", hay.Str("second")), 0))
	require.ErrorIs(t, err, ErrConcurrentChange)

	got, err := s.ReadById(base.Id())
	require.NoError(t, err)
	require.Equal(t, "first", got.Str("dis"))
	require.Equal(t, ver+1, s.CurVer()) // failed commit does not advance

	// force skips the check
	_, err = s.Commit(hay.NewDiffUpdate(base, hay.DictOf("dis", hay.Str("forced")), hay.DiffForce))
	require.NoError(t, err)
}

func TestTransientCommit(t *testing.T) {
	mr, s := newStore(t)
	rec := mustAdd(t, s, hay.DictOf("point", hay.Marker, "dis", hay.Str("P")))
	ver := s.CurVer()
	c := storageClient(t, mr)
	persisted, _, err := c.HGet("rec:"+rec.Id().Id(), "trio")
	require.NoError(t, err)

	r2, err := s.Commit(hay.NewDiffUpdate(rec, hay.DictOf("curVal", hay.Num(72)), hay.DiffTransient))
	require.NoError(t, err)
	require.Equal(t, hay.Num(72), r2.Get("curVal"))
	require.True(t, r2.Mod().Equal(rec.Mod())) // transient leaves mod alone
	require.Equal(t, ver, s.CurVer())          // and the version counter

	// storage untouched
	after, _, err := c.HGet("rec:"+rec.Id().Id(), "trio")
	require.NoError(t, err)
	require.Equal(t, persisted, after)

	// cache sees the transient tag
	got, err := s.ReadById(rec.Id())
	require.NoError(t, err)
	require.Equal(t, hay.Num(72), got.Get("curVal"))
}

func TestCommitAllAtomicBatch(t *testing.T) {
	_, s := newStore(t)
	a := mustAdd(t, s, hay.DictOf("site", hay.Marker, "dis", hay.Str("A")))
	ver := s.CurVer()

	// second diff in the batch fails preparation; the first must not land
	_, err := s.CommitAll([]hay.Diff{
		hay.NewDiffUpdate(a, hay.DictOf("dis", hay.Str("changed")), 0),
		{Id: hay.NewRef("ghost"), Changes: hay.DictOf("x", hay.Marker)},
	}, nil)
	require.ErrorIs(t, err, ErrUnknownRec)

	got, err := s.ReadById(a.Id())
	require.NoError(t, err)
	require.Equal(t, "A", got.Str("dis"))
	require.Equal(t, ver, s.CurVer())
}

func TestTrash(t *testing.T) {
	_, s := newStore(t)
	rec := mustAdd(t, s, hay.DictOf("site", hay.Marker, "dis", hay.Str("S")))
	_, err := s.Commit(hay.NewDiffUpdate(rec, hay.DictOf("trash", hay.Marker), 0))
	require.NoError(t, err)

	_, err = s.ReadById(rec.Id())
	require.ErrorIs(t, err, ErrUnknownRec) // trash reads as absent

	require.Empty(t, s.ReadAll(filter.MustParse("site"), ReadOpts{}))
	withTrash := s.ReadAll(filter.MustParse("site"), ReadOpts{Trash: true})
	require.Len(t, withTrash, 1)
	require.Equal(t, int64(1), s.RecCount()) // still cached
}

func TestReadByIds(t *testing.T) {
	_, s := newStore(t)
	a := mustAdd(t, s, hay.DictOf("site", hay.Marker))
	b := mustAdd(t, s, hay.DictOf("site", hay.Marker))

	recs, err := s.ReadByIds([]*hay.Ref{a.Id(), s.InternRef("ghost"), b.Id()})
	require.ErrorIs(t, err, ErrUnknownRec)
	require.Len(t, recs, 3)
	require.NotNil(t, recs[0])
	require.Nil(t, recs[1])
	require.NotNil(t, recs[2])
}

func TestReadAllFilters(t *testing.T) {
	_, s := newStore(t)
	site := mustAdd(t, s, hay.DictOf("site", hay.Marker, "dis", hay.Str("b site")))
	mustAdd(t, s, hay.DictOf("site", hay.Marker, "dis", hay.Str("A site")))
	equip := mustAdd(t, s, hay.DictOf("equip", hay.Marker, "siteRef", site.Id(), "dis", hay.Str("AHU")))

	// bare tag query runs off the tag index
	require.Len(t, s.ReadAll(filter.MustParse("site"), ReadOpts{}), 2)
	require.Equal(t, 2, s.ReadCount(filter.MustParse("site"), ReadOpts{}))

	// compound query scans
	got := s.ReadAll(filter.MustParse(`equip and siteRef->dis == "b site"`), ReadOpts{})
	require.Len(t, got, 1)
	require.Equal(t, equip.Id().Id(), got[0].Id().Id())

	// sorted output is case-insensitive on the display string
	sorted := s.ReadAll(filter.MustParse("site"), ReadOpts{Sort: true})
	require.Equal(t, "A site", sorted[0].Str("dis"))
	require.Equal(t, "b site", sorted[1].Str("dis"))

	// limit caps results
	require.Len(t, s.ReadAll(filter.MustParse("site"), ReadOpts{Limit: 1}), 1)
}

func TestReadAllEachWhile(t *testing.T) {
	_, s := newStore(t)
	for i := 0; i < 5; i++ {
		mustAdd(t, s, hay.DictOf("site", hay.Marker))
	}
	n := 0
	s.ReadAllEachWhile(filter.MustParse("site"), ReadOpts{}, func(*hay.Dict) bool {
		n++
		return n < 3
	})
	require.Equal(t, 3, n)
}

func TestTagIndexFollowsUpdates(t *testing.T) {
	_, s := newStore(t)
	rec := mustAdd(t, s, hay.DictOf("site", hay.Marker))

	r2, err := s.Commit(hay.NewDiffUpdate(rec, hay.DictOf("site", hay.Remove, "equip", hay.Marker), 0))
	require.NoError(t, err)

	require.Empty(t, s.ReadAll(filter.MustParse("site"), ReadOpts{}))
	got := s.ReadAll(filter.MustParse("equip"), ReadOpts{})
	require.Len(t, got, 1)
	require.Equal(t, r2.Id().Id(), got[0].Id().Id())
}

func TestInternRef(t *testing.T) {
	_, s := newStore(t)
	a := s.InternRef("x")
	b := s.InternRef("x")
	require.Same(t, a, b)
}

func TestInternRefPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(Config{Endpoint: "redis://" + mr.Addr(), IdPrefix: "p:"})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, "p:rel", s.InternRef("rel").Id())
	require.Equal(t, "other:abs", s.InternRef("other:abs").Id())
}

func TestReload(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openStore(t, mr)
	a := mustAdd(t, s, hay.DictOf("site", hay.Marker, "dis", hay.Str("Site A"), "area", hay.NumUnit(1200, "ft")))
	mustAdd(t, s, hay.DictOf("equip", hay.Marker, "siteRef", a.Id()))
	ver := s.CurVer()
	require.NoError(t, s.Close())

	s2 := openStore(t, mr)
	require.Equal(t, int64(2), s2.RecCount())
	require.Equal(t, ver, s2.CurVer())

	got, err := s2.ReadById(s2.InternRef(a.Id().Id()))
	require.NoError(t, err)
	require.Equal(t, "Site A", got.Str("dis"))
	require.Equal(t, hay.NumUnit(1200, "ft"), got.Get("area"))

	// nested refs are re-interned on load
	equips := s2.ReadAll(filter.MustParse("equip"), ReadOpts{})
	require.Len(t, equips, 1)
	require.Same(t, got.Id(), equips[0].Get("siteRef"))
}

func TestLoadSkipsCorruptRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openStore(t, mr)
	good := mustAdd(t, s, hay.DictOf("site", hay.Marker))
	require.NoError(t, s.Close())

	// corrupt a second record by hand
	c := storageClient(t, mr)
	require.NoError(t, c.HSet("rec:bad", "trio", "Broken: }{\n"))
	_, err := c.SAdd("idx:all", "bad")
	require.NoError(t, err)

	s2 := openStore(t, mr)
	require.Equal(t, int64(1), s2.RecCount())
	_, err = s2.ReadById(s2.InternRef(good.Id().Id()))
	require.NoError(t, err)
}

func TestCloseFailsCommits(t *testing.T) {
	_, s := newStore(t)
	require.NoError(t, s.Close())
	_, err := s.Commit(hay.NewDiffAdd(nil, hay.DictOf("site", hay.Marker)))
	require.ErrorIs(t, err, ErrClosed)
}

func TestHooks(t *testing.T) {
	mr := miniredis.RunT(t)
	var pre, post int
	var vetoed bool
	s, err := Open(Config{
		Endpoint: "redis://" + mr.Addr(),
		Hooks: Hooks{
			PreCommit: func(ev CommitEvent) error {
				pre++
				if vetoed {
					return errAbort
				}
				return nil
			},
			PostCommit: func(ev CommitEvent) { post++ },
		},
	})
	require.NoError(t, err)
	defer s.Close()

	mustAdd(t, s, hay.DictOf("site", hay.Marker))
	require.Equal(t, 1, pre)
	require.Equal(t, 1, post)

	vetoed = true
	_, err = s.Commit(hay.NewDiffAdd(nil, hay.DictOf("site", hay.Marker)))
	require.ErrorIs(t, err, ErrCommit)
	require.Equal(t, 1, post)                // no post hook for aborted commits
	require.Equal(t, int64(1), s.RecCount()) // nothing landed
}

var errAbort = errors.New("vetoed")
