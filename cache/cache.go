// Package cache memoizes expensive upstream fetches for a fixed TTL and serves
// the last good value when a refresh fails.
//
// Entries are never dropped for being stale. They leave the cache only when
// the capacity bound forces the oldest-inserted entry out, or through
// Invalidate and Clear.
//
//	agreements := cache.New[upstream.LegalAgreements](cache.Config{TTL: 24 * time.Hour, MaxEntries: 50})
//	doc, freshness, err := agreements.GetOrFetch(ctx, "legal:en-US", func(ctx context.Context) (upstream.LegalAgreements, error) {
//	    return client.LegalAgreements(ctx, "en-US")
//	})
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nhalm/storekit/clock"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 50
)

// Freshness reports whether a returned value is within its TTL.
type Freshness int

const (
	// Fresh values were stored less than TTL ago, or were just fetched.
	Fresh Freshness = iota
	// Stale values are past their TTL and were served because the refresh failed.
	Stale
)

func (f Freshness) String() string {
	if f == Stale {
		return "stale"
	}
	return "fresh"
}

// FetchFunc loads the value for a key from the upstream source.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Config configures a Cache.
type Config struct {
	// TTL is how long an entry stays fresh (default: 24h).
	TTL time.Duration

	// MaxEntries bounds the number of entries (default: 50).
	MaxEntries int

	// Clock is the time source (default: real clock).
	Clock clock.Clock
}

type entry[T any] struct {
	key      string
	data     T
	storedAt time.Time
	elem     *list.Element
}

// Cache is a TTL cache with stale-on-error fallback and oldest-insertion
// eviction. Safe for concurrent use; concurrent misses on one key share a
// single fetch.
type Cache[T any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[T]
	order      *list.List
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock
	group      singleflight.Group
}

// New creates an empty cache.
func New[T any](cfg Config) *Cache[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Cache[T]{
		entries:    make(map[string]*entry[T]),
		order:      list.New(),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		clock:      clock.OrReal(cfg.Clock),
	}
}

type fetchResult[T any] struct {
	data      T
	freshness Freshness
}

// GetOrFetch returns the cached value for key while it is fresh. Otherwise it
// calls fetch; on success the result is stored and returned as Fresh. When
// fetch fails and a previous value exists, that value is returned as Stale with
// a nil error. The fetch error is returned only when nothing was ever cached
// for key.
//
// The fetch is shared by every concurrent caller for key, so it runs on ctx
// without its cancelation and is bounded by its HTTP client's timeout. A caller
// that gives up early does not fail the others.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[T]) (T, Freshness, error) {
	if data, ok := c.fresh(key); ok {
		return data, Fresh, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if data, ok := c.fresh(key); ok {
			return fetchResult[T]{data: data, freshness: Fresh}, nil
		}

		data, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			if stale, ok := c.Peek(key); ok {
				return fetchResult[T]{data: stale, freshness: Stale}, nil
			}
			return nil, err
		}

		c.Set(key, data)
		return fetchResult[T]{data: data, freshness: Fresh}, nil
	})
	if err != nil {
		var zero T
		return zero, Fresh, err
	}

	res := v.(fetchResult[T])
	return res.data, res.freshness, nil
}

// Set stores data under key, evicting the oldest-inserted entry first when the
// cache is at capacity. Overwriting a key counts as a new insertion.
func (c *Cache[T]) Set(key string, data T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}

	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	e := &entry[T]{key: key, data: data, storedAt: c.clock.Now()}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Peek returns the stored value for key regardless of freshness.
func (c *Cache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.data, true
}

// Invalidate removes key. Returns true if an entry was removed.
func (c *Cache[T]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(e.elem)
	delete(c.entries, key)
	return true
}

// Clear removes every entry and returns how many were removed.
func (c *Cache[T]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*entry[T])
	c.order.Init()
	return n
}

// Len returns the number of entries, fresh or stale.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[T]) fresh(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.clock.Now().Sub(e.storedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return e.data, true
}

func (c *Cache[T]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	oldest := front.Value.(*entry[T])
	c.order.Remove(front)
	delete(c.entries, oldest.key)
}
