package subscription

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a read-through cache of ListForEvent results keyed by event type.
// Concurrent misses for the same type share one load. Entries expire after
// ttl and are dropped wholesale by Invalidate. Get is not cached.
type Cache struct {
	next  Store
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	gen     uint64
	entries map[string]cacheEntry
}

type cacheEntry struct {
	subs     []Subscription
	loadedAt time.Time
}

// NewCache wraps next. A ttl <= 0 disables caching.
func NewCache(next Store, ttl time.Duration) *Cache {
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) ListForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	if c.ttl <= 0 {
		return c.next.ListForEvent(ctx, eventType)
	}

	c.mu.RLock()
	e, ok := c.entries[eventType]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		return slices.Clone(e.subs), nil
	}

	// Keyed by generation so a load that started before an invalidation is
	// never shared with callers arriving after it.
	key := strconv.FormatUint(gen, 10) + "/" + eventType
	v, err, _ := c.group.Do(key, func() (any, error) {
		subs, err := c.next.ListForEvent(ctx, eventType)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.entries[eventType] = cacheEntry{subs: subs, loadedAt: c.now()}
		}
		c.mu.Unlock()
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Subscription)), nil
}

func (c *Cache) Get(ctx context.Context, id string) (Subscription, error) {
	return c.next.Get(ctx, id)
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
