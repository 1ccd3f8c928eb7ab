// Package folio implements the Redis-backed record store: a hot in-memory
// cache of every record, tag indexes for query acceleration, a serialized
// commit pipeline with optimistic concurrency, and a per-record time-series
// store.
//
// The layering follows the same consistency model throughout: the remote
// store is the durable system of record, RAM holds a read-optimized
// materialization, writes persist first and then patch memory, and readers
// never touch the wire.
package folio

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/foliodb/folio/internal/pool"
	"github.com/foliodb/folio/internal/wire"
	"github.com/foliodb/folio/pkg/filter"
	"github.com/foliodb/folio/pkg/hay"
)

// DefaultReadLimit caps query results when the caller sets none.
const DefaultReadLimit = 10_000

// ReadOpts tune the read path.
type ReadOpts struct {
	// Trash includes soft-deleted records.
	Trash bool
	// Limit caps results; 0 means DefaultReadLimit.
	Limit int
	// Sort orders results by display string.
	Sort bool
}

func (o ReadOpts) limit() int {
	if o.Limit <= 0 {
		return DefaultReadLimit
	}
	return o.Limit
}

// Store is the record engine. Reads are served lock-free from the cache;
// writes funnel through a single consumer goroutine which owns every cache
// mutation.
type Store struct {
	log  *zap.Logger
	cfg  Config
	pool *pool.Pool

	cache    sync.Map // *hay.Ref -> *hay.Dict
	interned sync.Map // id string -> *hay.Ref

	// byTag mirrors the idx:tag sets for the query planner. Only the write
	// goroutine mutates it.
	tagMu sync.RWMutex
	byTag map[string]map[*hay.Ref]struct{}

	ver     atomic.Int64
	recs    atomic.Int64
	commits chan *commitReq
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	his   *HisStore
	disSF singleflight.Group
}

// Open connects to the endpoint, loads every record into the cache, and
// starts the write pipeline.
func Open(cfg Config) (*Store, error) {
	cfg.setDefaults()
	ep, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	log := cfg.Log.Named(cfg.Name)
	dial := func() (*wire.Client, error) {
		return wire.Open(wire.Config{
			Addr:           ep.addr,
			Password:       ep.password,
			DB:             ep.db,
			ConnectTimeout: cfg.ConnectTimeout,
			RecvTimeout:    cfg.RecvTimeout,
		})
	}

	s := &Store{
		log:     log,
		cfg:     cfg,
		pool:    pool.New(dial, pool.Options{Size: cfg.PoolSize, Log: log}),
		byTag:   make(map[string]map[*hay.Ref]struct{}),
		commits: make(chan *commitReq, 64),
		done:    make(chan struct{}),
	}
	s.his = &HisStore{s: s}

	if err := s.load(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("folio open: %w", err)
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close stops the write pipeline and releases the pool. Queued commits fail
// with ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()
	// fail any commit that slipped into the mailbox during shutdown
	for {
		select {
		case req := <-s.commits:
			req.resp <- CommitResult{Err: ErrClosed}
		default:
			s.pool.Close()
			return nil
		}
	}
}

// Name returns the diagnostic label.
func (s *Store) Name() string { return s.cfg.Name }

// His returns the history subsystem.
func (s *Store) His() *HisStore { return s.his }

// CurVer observes the version counter: a monotone integer advanced by
// exactly one per non-transient commit batch.
func (s *Store) CurVer() int64 { return s.ver.Load() }

// Backup snapshots are delegated to the storage server's own tooling.
func (s *Store) Backup() error { return fmt.Errorf("%w: backup", ErrUnsupported) }

// RecCount returns the number of cached records, trash included.
func (s *Store) RecCount() int64 { return s.recs.Load() }

// ---- interning ----

// InternRef returns the canonical ref for an id, creating it when absent.
// Relative ids are absolutized with the configured prefix first. Two equal
// id strings always intern to the same instance.
func (s *Store) InternRef(id string) *hay.Ref {
	if s.cfg.IdPrefix != "" && !strings.Contains(id, ":") {
		id = s.cfg.IdPrefix + id
	}
	if r, ok := s.interned.Load(id); ok {
		return r.(*hay.Ref)
	}
	r, _ := s.interned.LoadOrStore(id, hay.NewRef(id))
	return r.(*hay.Ref)
}

// internVal normalizes every nested ref in a value through InternRef.
func (s *Store) internVal(v hay.Val) hay.Val {
	switch val := v.(type) {
	case *hay.Ref:
		return s.InternRef(val.Id())
	case *hay.Dict:
		out := val.Dup()
		val.Each(func(name string, nv hay.Val) {
			out.Set(name, s.internVal(nv))
		})
		return out
	case hay.List:
		out := make(hay.List, len(val))
		for i, item := range val {
			out[i] = s.internVal(item)
		}
		return out
	}
	return v
}

// ---- read path ----

// ReadById returns the cached record for an id. Trash records read as
// absent, like destroyed ones.
func (s *Store) ReadById(ref *hay.Ref) (*hay.Dict, error) {
	rec, ok := s.lookup(ref)
	if !ok || rec.Marker("trash") {
		return nil, fmt.Errorf("%w: @%s", ErrUnknownRec, ref.Id())
	}
	return rec, nil
}

// ReadByIds is the batched ReadById. The result list parallels the input;
// missing slots are nil and the first unresolved id is reported in the
// error.
func (s *Store) ReadByIds(refs []*hay.Ref) ([]*hay.Dict, error) {
	out := make([]*hay.Dict, len(refs))
	var err error
	for i, ref := range refs {
		rec, ok := s.lookup(ref)
		if !ok || rec.Marker("trash") {
			if err == nil {
				err = fmt.Errorf("%w: @%s", ErrUnknownRec, ref.Id())
			}
			continue
		}
		out[i] = rec
	}
	return out, err
}

func (s *Store) lookup(ref *hay.Ref) (*hay.Dict, bool) {
	if ref == nil {
		return nil, false
	}
	canonical := s.InternRef(ref.Id())
	v, ok := s.cache.Load(canonical)
	if !ok {
		return nil, false
	}
	return v.(*hay.Dict), true
}

// ReadAll returns every record matching the filter, up to the limit.
func (s *Store) ReadAll(f *filter.Filter, opts ReadOpts) []*hay.Dict {
	var out []*hay.Dict
	s.scan(f, opts, func(rec *hay.Dict) bool {
		out = append(out, rec)
		return len(out) < opts.limit()
	})
	if opts.Sort {
		sort.SliceStable(out, func(i, j int) bool {
			return disLess(out[i].Dis(), out[j].Dis())
		})
	}
	return out
}

// ReadCount counts records matching the filter.
func (s *Store) ReadCount(f *filter.Filter, opts ReadOpts) int {
	n := 0
	s.scan(f, opts, func(*hay.Dict) bool {
		n++
		return n < opts.limit()
	})
	return n
}

// ReadAllEachWhile streams matches to fn until it returns false.
func (s *Store) ReadAllEachWhile(f *filter.Filter, opts ReadOpts, fn func(rec *hay.Dict) bool) {
	count := 0
	s.scan(f, opts, func(rec *hay.Dict) bool {
		count++
		return fn(rec) && count < opts.limit()
	})
}

// scan drives the query planner: when the filter's surface form is a
// single bare tag name the tag index supplies the candidates, otherwise
// every cached record is a candidate. Compound predicates always evaluate
// by full scan; index intersection is a planner extension point, not
// current behavior.
func (s *Store) scan(f *filter.Filter, opts ReadOpts, visit func(rec *hay.Dict) bool) {
	res := s.resolver()
	check := func(rec *hay.Dict) bool {
		if !opts.Trash && rec.Marker("trash") {
			return true
		}
		if !f.Matches(rec, res) {
			return true
		}
		return visit(rec)
	}
	if name, ok := f.SimpleTagName(); ok {
		for _, ref := range s.tagIndex(name) {
			if rec, ok := s.lookup(ref); ok {
				if !check(rec) {
					return
				}
			}
		}
		return
	}
	s.cache.Range(func(_, v any) bool {
		return check(v.(*hay.Dict))
	})
}

// resolver adapts the cache for filter path dereferencing.
func (s *Store) resolver() filter.Resolver {
	return func(ref *hay.Ref) *hay.Dict {
		rec, _ := s.lookup(ref)
		return rec
	}
}

func (s *Store) tagIndex(name string) []*hay.Ref {
	s.tagMu.RLock()
	defer s.tagMu.RUnlock()
	set := s.byTag[name]
	out := make([]*hay.Ref, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	return out
}

// disLess is the case-insensitive locale-independent display ordering.
func disLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

// ---- cache maintenance (write goroutine only) ----

// cachePut replaces a record wholesale and refreshes the tag-index mirror.
func (s *Store) cachePut(ref *hay.Ref, old, rec *hay.Dict) {
	if _, loaded := s.cache.Swap(ref, rec); !loaded {
		s.recs.Add(1)
	}
	s.tagMu.Lock()
	if old != nil {
		old.Each(func(name string, _ hay.Val) {
			if !indexableTag(name) || rec.Has(name) {
				return
			}
			s.untag(name, ref)
		})
	}
	rec.Each(func(name string, _ hay.Val) {
		if !indexableTag(name) {
			return
		}
		set := s.byTag[name]
		if set == nil {
			set = make(map[*hay.Ref]struct{})
			s.byTag[name] = set
		}
		set[ref] = struct{}{}
	})
	s.tagMu.Unlock()
}

// cacheRemove evicts a destroyed record from the cache and the mirror.
func (s *Store) cacheRemove(ref *hay.Ref, old *hay.Dict) {
	if _, loaded := s.cache.LoadAndDelete(ref); loaded {
		s.recs.Add(-1)
	}
	s.tagMu.Lock()
	old.Each(func(name string, _ hay.Val) {
		if indexableTag(name) {
			s.untag(name, ref)
		}
	})
	s.tagMu.Unlock()
}

func (s *Store) untag(name string, ref *hay.Ref) {
	if set := s.byTag[name]; set != nil {
		delete(set, ref)
		if len(set) == 0 {
			delete(s.byTag, name)
		}
	}
}

// indexableTag excludes the engine-owned tags and the transient summary
// tags from tag indexing.
func indexableTag(name string) bool {
	return name != "id" && name != "mod" && !hay.IsNeverTag(name)
}
