package folio

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/foliodb/folio/internal/wire"
	"github.com/foliodb/folio/pkg/hay"
	"github.com/foliodb/folio/pkg/trio"
)

// CommitResult resolves a commit future.
type CommitResult struct {
	// Recs holds the post-commit record per diff; nil for removes.
	Recs []*hay.Dict
	Err  error
}

type commitReq struct {
	diffs []hay.Diff
	cx    any
	resp  chan CommitResult
}

// Commit applies a single diff and returns the resulting record (nil for a
// remove).
func (s *Store) Commit(diff hay.Diff) (*hay.Dict, error) {
	recs, err := s.CommitAll([]hay.Diff{diff}, nil)
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// CommitAll applies a batch of diffs atomically: either every diff lands in
// storage and the cache, or none do.
func (s *Store) CommitAll(diffs []hay.Diff, cx any) ([]*hay.Dict, error) {
	res := <-s.CommitAllAsync(diffs, cx)
	return res.Recs, res.Err
}

// CommitAllAsync enqueues the batch on the write pipeline and returns a
// future. The enqueue itself does not block on the wire.
func (s *Store) CommitAllAsync(diffs []hay.Diff, cx any) <-chan CommitResult {
	resp := make(chan CommitResult, 1)

	// pre-validation runs on the caller's thread
	for i, diff := range diffs {
		if err := diff.Validate(); err != nil {
			resp <- CommitResult{Err: fmt.Errorf("%w: diff %d: %v", ErrCommit, i, err)}
			return resp
		}
	}

	if s.closed.Load() {
		resp <- CommitResult{Err: ErrClosed}
		return resp
	}
	req := &commitReq{diffs: diffs, cx: cx, resp: resp}
	select {
	case s.commits <- req:
	case <-s.done:
		resp <- CommitResult{Err: ErrClosed}
	}
	return resp
}

// writeLoop is the single consumer of the commit mailbox. Queue order is
// the serialization order of all commits; hooks run here and must not
// submit commits synchronously.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.commits:
			recs, err := s.commit(req.diffs, req.cx)
			req.resp <- CommitResult{Recs: recs, Err: err}
		case <-s.done:
			// fail whatever is still queued
			for {
				select {
				case req := <-s.commits:
					req.resp <- CommitResult{Err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

// prepared carries one diff through the commit stages.
type prepared struct {
	diff   hay.Diff
	ref    *hay.Ref
	oldRec *hay.Dict
	newRec *hay.Dict // nil for removes
}

func (s *Store) commit(diffs []hay.Diff, cx any) ([]*hay.Dict, error) {
	preps := make([]prepared, len(diffs))
	transientOnly := true

	for i, diff := range diffs {
		p, err := s.prepare(diff)
		if err != nil {
			return nil, err
		}
		preps[i] = p
		if !diff.IsTransient() {
			transientOnly = false
		}
	}

	// pre-commit hooks may veto the whole batch before storage is touched
	if hook := s.cfg.Hooks.PreCommit; hook != nil {
		for i := range preps {
			ev := CommitEvent{Diff: preps[i].diff, OldRec: preps[i].oldRec, CxInfo: cx}
			if err := hook(ev); err != nil {
				return nil, fmt.Errorf("%w: pre-commit hook: %v", ErrCommit, err)
			}
		}
	}

	if !transientOnly {
		if err := s.persist(preps); err != nil {
			return nil, err
		}
		s.ver.Add(1)
	}

	// apply to cache; this is the only step for transient-only batches
	out := make([]*hay.Dict, len(preps))
	for i := range preps {
		p := &preps[i]
		if p.diff.IsRemove() {
			s.cacheRemove(p.ref, p.oldRec)
			continue
		}
		s.cachePut(p.ref, p.oldRec, p.newRec)
		out[i] = p.newRec
	}

	if hook := s.cfg.Hooks.PostCommit; hook != nil {
		for i := range preps {
			ev := CommitEvent{Diff: preps[i].diff, OldRec: preps[i].oldRec, CxInfo: cx}
			s.runPostHook(func() { hook(ev) })
		}
	}
	return out, nil
}

// runPostHook isolates post-commit hook panics; failures never roll back.
func (s *Store) runPostHook(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("post-commit hook failed", zap.Any("panic", r))
		}
	}()
	f()
}

// prepare interns the target, resolves the old record, runs the
// concurrency check and materializes the new record.
func (s *Store) prepare(diff hay.Diff) (prepared, error) {
	ref := s.InternRef(diff.Id.Id())
	p := prepared{diff: diff, ref: ref}

	old, exists := s.lookup(ref)
	switch {
	case diff.IsAdd():
		if exists {
			return p, fmt.Errorf("%w: @%s", ErrAlreadyExists, ref.Id())
		}
	case !exists:
		if diff.IsRemove() {
			return p, fmt.Errorf("%w: remove of nonexistent @%s", ErrCommit, ref.Id())
		}
		return p, fmt.Errorf("%w: @%s", ErrUnknownRec, ref.Id())
	default:
		p.oldRec = old
		if !diff.IsForce() && !old.Mod().Equal(diff.OldMod) {
			return p, fmt.Errorf("%w: @%s expected mod %s, current %s",
				ErrConcurrentChange, ref.Id(), diff.OldMod, old.Mod())
		}
	}

	if diff.IsRemove() {
		return p, nil
	}
	p.newRec = s.materialize(ref, p.oldRec, diff)
	return p, nil
}

// materialize builds the post-diff record: old tags, changes applied (the
// remove sentinel deletes), id set, mod stamped unless transient. Nested
// refs normalize through the intern table.
func (s *Store) materialize(ref *hay.Ref, old *hay.Dict, diff hay.Diff) *hay.Dict {
	var rec *hay.Dict
	if old != nil {
		rec = old.Dup()
	} else {
		rec = hay.NewDict()
	}
	diff.Changes.Each(func(name string, val hay.Val) {
		if _, ok := val.(hay.RemoveVal); ok {
			rec.Delete(name)
			return
		}
		rec.Set(name, s.internVal(val))
	})
	rec.Set("id", ref)
	if !diff.IsTransient() {
		rec.Set("mod", s.stampMod(old))
	}
	return rec
}

// stampMod computes the new mod: wall clock, but always at least one tick
// past the old mod so the sequence stays strictly increasing under clock
// slip.
func (s *Store) stampMod(old *hay.Dict) hay.DateTime {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if old != nil {
		if prev := old.Mod().Ts(); !prev.IsZero() && !now.After(prev) {
			now = prev.Add(time.Millisecond)
		}
	}
	return hay.MustDateTime(now, "UTC")
}

// persist runs the atomic multi-write: record hashes, the all-records set,
// the tag-index deltas and the version counter, committed as one
// transaction on a pooled session.
func (s *Store) persist(preps []prepared) error {
	newVer := s.ver.Load() + 1
	err := s.pool.WithConn(func(c *wire.Client) error {
		if err := c.Multi(); err != nil {
			return err
		}
		abort := func(err error) error {
			c.Discard()
			return err
		}
		for i := range preps {
			p := &preps[i]
			if p.diff.IsTransient() {
				continue
			}
			if p.diff.IsRemove() {
				if err := s.queueRemove(c, p); err != nil {
					return abort(err)
				}
				continue
			}
			if err := s.queueUpsert(c, p); err != nil {
				return abort(err)
			}
		}
		if err := c.Set(metaVersionKey, strconv.FormatInt(newVer, 10)); err != nil {
			return abort(err)
		}
		_, ok, err := c.Exec()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transaction aborted", ErrConcurrentChange)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) queueRemove(c *wire.Client, p *prepared) error {
	id := p.ref.Id()
	if _, err := c.Del(recKey(id)); err != nil {
		return err
	}
	if _, err := c.SRem(idxAllKey, id); err != nil {
		return err
	}
	var err error
	p.oldRec.EachWhile(func(name string, _ hay.Val) bool {
		if indexableTag(name) {
			_, err = c.SRem(tagKey(name), id)
		}
		return err == nil
	})
	return err
}

func (s *Store) queueUpsert(c *wire.Client, p *prepared) error {
	id := p.ref.Id()
	enc := trio.WriteString(stripNeverTags(p.newRec))
	if err := c.HSet(recKey(id), "trio", enc); err != nil {
		return err
	}
	if err := c.HSet(recKey(id), "mod", p.newRec.Mod().String()); err != nil {
		return err
	}
	if _, err := c.SAdd(idxAllKey, id); err != nil {
		return err
	}
	var err error
	p.newRec.EachWhile(func(name string, _ hay.Val) bool {
		if indexableTag(name) && (p.oldRec == nil || !p.oldRec.Has(name)) {
			_, err = c.SAdd(tagKey(name), id)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	if p.oldRec != nil {
		p.oldRec.EachWhile(func(name string, _ hay.Val) bool {
			if indexableTag(name) && !p.newRec.Has(name) {
				_, err = c.SRem(tagKey(name), id)
			}
			return err == nil
		})
	}
	return err
}

// stripNeverTags drops the transient summary tags from the persisted form.
func stripNeverTags(rec *hay.Dict) *hay.Dict {
	dirty := false
	rec.EachWhile(func(name string, _ hay.Val) bool {
		dirty = hay.IsNeverTag(name)
		return !dirty
	})
	if !dirty {
		return rec
	}
	out := rec.Dup()
	for _, name := range rec.Names() {
		if hay.IsNeverTag(name) {
			out.Delete(name)
		}
	}
	return out
}
