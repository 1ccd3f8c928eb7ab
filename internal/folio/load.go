package folio

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foliodb/folio/internal/wire"
	"github.com/foliodb/folio/pkg/hay"
	"github.com/foliodb/folio/pkg/trio"
)

// loadBatch bounds how many record fetches share one pipelined round-trip.
const loadBatch = 256

// load reconciles the cache from storage: read the version counter,
// enumerate the all-records set, fetch and decode every record payload.
// Records that fail to decode are counted, logged and dropped from the
// cache for this session; they stay in storage.
func (s *Store) load() error {
	start := time.Now()
	var ids []string
	var payloads [][]byte

	err := s.pool.WithConn(func(c *wire.Client) error {
		raw, ok, err := c.Get(metaVersionKey)
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		ver := int64(1)
		if ok {
			ver, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad version counter %q", ErrEncoding, raw)
			}
		}
		s.ver.Store(ver)

		ids, err = c.SMembers(idxAllKey)
		if err != nil {
			return fmt.Errorf("enumerate records: %w", err)
		}

		payloads = make([][]byte, len(ids))
		for lo := 0; lo < len(ids); lo += loadBatch {
			hi := lo + loadBatch
			if hi > len(ids) {
				hi = len(ids)
			}
			c.BeginPipeline()
			for _, id := range ids[lo:hi] {
				c.HGet(recKey(id), "trio")
			}
			replies, err := c.EndPipeline()
			if err != nil {
				return fmt.Errorf("fetch records: %w", err)
			}
			for i, reply := range replies {
				if reply.Kind == wire.ReplyBulk {
					payloads[lo+i] = reply.Bulk
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// decode off the wire in parallel, then publish sequentially
	recs := make([]*hay.Dict, len(ids))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range ids {
		i := i
		g.Go(func() error {
			if payloads[i] == nil {
				return nil
			}
			rec, err := trio.ReadString(string(payloads[i]))
			if err == nil {
				recs[i] = rec
			}
			return nil // decode failures handled below, not fatal
		})
	}
	g.Wait()

	errs := 0
	loaded := 0
	for i, id := range ids {
		rec := recs[i]
		if rec == nil {
			s.log.Warn("load: record dropped",
				zap.String("id", id),
				zap.Bool("missing", payloads[i] == nil))
			errs++
			continue
		}
		ref := s.InternRef(id)
		norm := s.internVal(rec).(*hay.Dict)
		norm.Set("id", ref)
		s.cachePut(ref, nil, norm)
		loaded++
	}

	s.log.Info("load: complete",
		zap.Int("recs", loaded),
		zap.Int("errors", errs),
		zap.Int64("version", s.ver.Load()),
		zap.Duration("duration", time.Since(start)))
	return nil
}
