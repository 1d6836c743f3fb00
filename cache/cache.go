// Package cache provides a read-through cache in front of a flag store.
//
// Entries, including not-found results, live for at most the configured TTL.
// Mutations made through this process invalidate the affected key before they
// return; mutations made by other replicas arrive through Watch. The TTL bounds
// staleness when a change notification is lost. Expired entries are dropped
// when read and swept at most once per TTL.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"golang.org/x/sync/singleflight"

	"github.com/go-kit/rollout/feature"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Second

// DefaultFillTimeout bounds a store read made on behalf of waiting callers.
const DefaultFillTimeout = 5 * time.Second

type entry struct {
	flag    feature.Flag
	err     error // nil or feature.ErrNotFound
	expires time.Time
}

// Cache is a feature.Reader that remembers flags read from another Reader.
// It is safe for concurrent use.
type Cache struct {
	next        feature.Reader
	ttl         time.Duration
	fillTimeout time.Duration
	now         func() time.Time
	hits        metrics.Counter
	misses      metrics.Counter

	mtx       sync.RWMutex
	entries   map[string]entry
	epoch     uint64
	nextSweep time.Time

	group singleflight.Group
}

// Option sets an optional parameter for a Cache.
type Option func(*Cache)

// TTL sets how long an entry may be served without consulting the store.
func TTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// FillTimeout bounds each store read the cache makes. The read is shared by
// every caller missing on the same key, so it does not inherit any one
// caller's deadline or cancellation.
func FillTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fillTimeout = d
		}
	}
}

// Counters sets the counters incremented on cache hits and misses.
func Counters(hits, misses metrics.Counter) Option {
	return func(c *Cache) { c.hits, c.misses = hits, misses }
}

// Clock replaces the time source. Used in tests.
func Clock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a Cache reading through to next.
func New(next feature.Reader, options ...Option) *Cache {
	c := &Cache{
		next:    next,
		ttl:         DefaultTTL,
		fillTimeout: DefaultFillTimeout,
		now:         time.Now,
		hits:        discard.NewCounter(),
		misses:      discard.NewCounter(),
		entries:     map[string]entry{},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Get implements feature.Reader. A caller whose ctx ends while waiting on a
// shared read returns ctx.Err(); the read carries on for the others.
func (c *Cache) Get(ctx context.Context, key string) (feature.Flag, error) {
	c.mtx.RLock()
	e, ok := c.entries[key]
	epoch := c.epoch
	c.mtx.RUnlock()

	now := c.now()
	if ok && now.Before(e.expires) {
		c.hits.Add(1)
		if e.err != nil {
			return feature.Flag{}, e.err
		}
		return e.flag.Clone(), nil
	}
	if ok {
		c.expire(key, now)
	}

	c.misses.Add(1)
	// Concurrent misses share one read, but never across an invalidation.
	ch := c.group.DoChan(key+"@"+strconv.FormatUint(epoch, 10), func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
		defer cancel()
		return c.fill(fillCtx, key, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return feature.Flag{}, res.Err
		}
		return res.Val.(feature.Flag).Clone(), nil
	case <-ctx.Done():
		return feature.Flag{}, ctx.Err()
	}
}

// expire drops key if its entry is still expired at now.
func (c *Cache) expire(key string, now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if e, ok := c.entries[key]; ok && !now.Before(e.expires) {
		delete(c.entries, key)
	}
}

func (c *Cache) fill(ctx context.Context, key string, epoch uint64) (feature.Flag, error) {
	f, err := c.next.Get(ctx, key)
	if err != nil && !errors.Is(err, feature.ErrNotFound) {
		return feature.Flag{}, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
	}
	// An invalidation happened while we were reading; what we read may
	// predate it, so don't keep it.
	if c.epoch != epoch {
		return f, err
	}
	// Keys no flag can ever have are not remembered.
	if err != nil && feature.ValidateKey(key) != nil {
		return f, err
	}
	e := entry{flag: f, expires: now.Add(c.ttl)}
	if err != nil {
		e.err = feature.ErrNotFound
	}
	c.entries[key] = e
	return f, err
}

// sweep drops every expired entry. Callers hold c.mtx.
func (c *Cache) sweep(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
	c.nextSweep = now.Add(c.ttl)
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.entries, key)
	c.epoch++
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries = map[string]entry{}
	c.epoch++
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.entries)
}
