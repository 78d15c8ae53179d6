// Package cache keeps per-owner, per-resource payloads fresh for a TTL and
// collapses concurrent loads of the same key into a single call.
package cache

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

// Clock abstracts time for freshness checks.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Key identifies a cached resource: kind, owner address and query parameters.
type Key struct {
	Kind   string
	Owner  string
	Params []string
}

// NewKey builds a key with a normalized owner address.
func NewKey(kind, owner string, params ...string) Key {
	return Key{Kind: kind, Owner: models.NormalizeAddress(owner), Params: params}
}

// String joins the key parts with ':'. Params are escaped so free text
// cannot run into the next part.
func (k Key) String() string {
	parts := make([]string, 0, len(k.Params)+2)
	parts = append(parts, k.Kind, k.Owner)
	for _, p := range k.Params {
		parts = append(parts, url.QueryEscape(p))
	}
	return strings.Join(parts, ":")
}

// Prefix returns the invalidation prefix for one resource kind of one owner.
func Prefix(kind, owner string) string {
	return kind + ":" + models.NormalizeAddress(owner)
}

type entry struct {
	payload   interface{}
	fetchedAt time.Time
	owner     string
}

// Cache is the shared cache service. One instance is created at start-up
// and handed to every service that needs it.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	epochs  map[string]uint64
	group   singleflight.Group
	clock   Clock
}

type Option func(*Cache)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		epochs:  make(map[string]uint64),
		clock:   realClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the fresh payload for key, or runs loader to produce it.
// Concurrent callers for the same key share one loader run. A failed load
// leaves the previous payload in place.
func Fetch[T any](ctx context.Context, c *Cache, key Key, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	k := key.String()

	if v, ok := c.fresh(k, ttl); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	epoch := c.epoch(key.Owner)
	// The loader outlives a cancelled caller so the other waiters still get a result.
	loadCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(k, func() (interface{}, error) {
		if v, ok := c.fresh(k, ttl); ok {
			return v, nil
		}

		payload, err := loader(loadCtx)
		if err != nil {
			logger.Debug("Cache load for %s failed: %v", k, err)
			return nil, err
		}

		c.store(key, payload, epoch)
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		typed, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cache entry %s holds %T", k, res.Val)
		}
		return typed, nil
	}
}

// Stale returns the last payload stored for key regardless of freshness.
func Stale[T any](c *Cache, key Key) (T, bool) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return zero, false
	}
	typed, ok := e.payload.(T)
	return typed, ok
}

// Peek returns the payload for key only when it is fresh.
func Peek[T any](c *Cache, key Key, ttl time.Duration) (T, bool) {
	var zero T
	v, ok := c.fresh(key.String(), ttl)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Invalidate marks every entry under prefix stale. Payloads are kept so a
// caller can still fall back to them.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if k == prefix || strings.HasPrefix(k, prefix+":") {
			e.fetchedAt = time.Time{}
			n++
		}
	}
	logger.Debug("Invalidated %d cache entries under %s", n, prefix)
	return n
}

// ClearAll drops every entry owned by owner. Loads already in flight for
// that owner will not repopulate the cache.
func (c *Cache) ClearAll(owner string) int {
	owner = models.NormalizeAddress(owner)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[owner]++
	n := 0
	for k, e := range c.entries {
		if e.owner == owner {
			delete(c.entries, k)
			n++
		}
	}
	logger.Debug("Cleared %d cache entries for %s", n, owner)
	return n
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) fresh(k string, ttl time.Duration) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[k]
	if !ok || e.fetchedAt.IsZero() {
		return nil, false
	}
	if c.clock.Now().Sub(e.fetchedAt) >= ttl {
		return nil, false
	}
	return e.payload, true
}

func (c *Cache) epoch(owner string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[owner]
}

func (c *Cache) store(key Key, payload interface{}, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[key.Owner] != epoch {
		logger.Debug("Dropping load for %s: owner was cleared meanwhile", key)
		return
	}
	c.entries[key.String()] = &entry{
		payload:   payload,
		fetchedAt: c.clock.Now(),
		owner:     key.Owner,
	}
}
