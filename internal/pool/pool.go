// Package pool maintains a bounded set of wire sessions to one endpoint.
// Checkout is LIFO; exhaustion hands out overflow sessions that are closed
// on return (or blocks, when configured). Failed sessions are closed,
// counted and replaced in the background.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/foliodb/folio/internal/wire"
)

// ErrClosed is returned by checkouts against a closed pool.
var ErrClosed = errors.New("pool: closed")

// Options configures a Pool.
type Options struct {
	// Size bounds the number of pooled sessions. Default 3.
	Size int
	// Wait blocks exhausted checkouts until a session frees instead of
	// lending an overflow session.
	Wait bool
	// Log defaults to a nop logger.
	Log *zap.Logger
}

// Pool is a bounded LIFO pool of wire clients for one endpoint.
type Pool struct {
	log  *zap.Logger
	dial func() (*wire.Client, error)
	size int
	wait bool

	mu     sync.Mutex
	cond   *sync.Cond
	free   []*wire.Client // LIFO free list
	live   int            // census of pooled sessions, free or checked out
	closed bool

	errCount atomic.Int64
}

// New builds a pool around a dial function. Sessions are created lazily on
// first checkout.
func New(dial func() (*wire.Client, error), opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 3
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	p := &Pool{
		log:  opts.Log.Named("pool"),
		dial: dial,
		size: opts.Size,
		wait: opts.Wait,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ErrCount returns how many checked-out sessions have failed.
func (p *Pool) ErrCount() int64 { return p.errCount.Load() }

// WithConn checks a session out, invokes f, and returns it. When f fails
// the session is closed and a replacement is scheduled; the session must be
// assumed broken regardless of the kind of failure f saw.
func (p *Pool) WithConn(f func(c *wire.Client) error) error {
	c, overflow, err := p.checkout()
	if err != nil {
		return err
	}
	if err := f(c); err != nil {
		p.discard(c, overflow)
		return err
	}
	p.checkin(c, overflow)
	return nil
}

// checkout returns a free session, dials a new one while under capacity, or
// applies the exhaustion policy. The overflow return marks sessions outside
// the census that are closed on checkin.
func (p *Pool) checkout() (c *wire.Client, overflow bool, err error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrClosed
		}
		if n := len(p.free); n > 0 {
			c = p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return c, false, nil
		}
		if p.live < p.size {
			p.live++
			p.mu.Unlock()
			c, err = p.dial()
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, false, err
			}
			return c, false, nil
		}
		if !p.wait {
			p.mu.Unlock()
			c, err = p.dial()
			return c, true, err
		}
		p.cond.Wait()
	}
}

func (p *Pool) checkin(c *wire.Client, overflow bool) {
	if overflow || c.Broken() {
		if c.Broken() && !overflow {
			p.discard(c, overflow)
			return
		}
		c.Close()
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.free = append(p.free, c)
	p.cond.Signal()
	p.mu.Unlock()
}

// discard closes a failed session and schedules a replacement so the census
// recovers without blocking the caller.
func (p *Pool) discard(c *wire.Client, overflow bool) {
	c.Close()
	p.errCount.Add(1)
	if overflow {
		return
	}
	go p.replace()
}

// replace dials a fresh session with exponential backoff until the pool
// closes.
func (p *Pool) replace() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until closed
	policy.MaxInterval = 5 * time.Second

	err := backoff.Retry(func() error {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}
		c, err := p.dial()
		if err != nil {
			p.log.Warn("replacement dial failed", zap.Error(err))
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return backoff.Permanent(ErrClosed)
		}
		p.free = append(p.free, c)
		p.cond.Signal()
		p.mu.Unlock()
		return nil
	}, policy)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}
}

// CheckHealth issues a liveness echo on every free session. Sessions that
// fail the echo are closed and replaced inline.
func (p *Pool) CheckHealth() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	var keep []*wire.Client
	replaced := 0
	for _, c := range free {
		status, err := c.Ping()
		if err != nil || status != "PONG" {
			p.log.Warn("health check failed, replacing session",
				zap.String("status", status), zap.Error(err))
			c.Close()
			nc, derr := p.dial()
			if derr != nil {
				p.log.Warn("health replacement dial failed", zap.Error(derr))
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				continue
			}
			keep = append(keep, nc)
			replaced++
			continue
		}
		keep = append(keep, c)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range keep {
			c.Close()
		}
		return
	}
	p.free = append(p.free, keep...)
	for range keep {
		p.cond.Signal()
	}
	p.mu.Unlock()

	if replaced > 0 {
		p.log.Info("health sweep replaced sessions", zap.Int("replaced", replaced))
	}
}

// Close marks the pool closed, fails future checkouts and closes every free
// session. Checked-out sessions are closed as they return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, c := range free {
		c.Close()
	}
}
