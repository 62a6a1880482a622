package market

import (
	"context"
	"sync"
	"time"

	"tradex-dashboard/internal/metrics"
)

// DefaultTTL is how long a fetched snapshot may be served again.
const DefaultTTL = 90 * time.Second

type CacheEntry struct {
	Snapshot  Snapshot
	FetchedAt time.Time
}

// IsFresh reports whether entry can still be served at now.
func IsFresh(entry CacheEntry, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || entry.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(entry.FetchedAt) < ttl
}

type FetchFunc func(ctx context.Context, params Params) (Snapshot, error)

// SnapshotCache holds at most one entry per Params. Entries are overwritten
// on refresh and never evicted by a failed fetch. Stored and returned entries
// are copies, so callers may modify what they get back.
type SnapshotCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[Params]CacheEntry
}

func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		ttl:     ttl,
		entries: make(map[Params]CacheEntry),
	}
}

func (c *SnapshotCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for params only if it is fresh at now.
func (c *SnapshotCache) Get(params Params, now time.Time) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[params]
	if !ok || !IsFresh(e, now, c.ttl) {
		return CacheEntry{}, false
	}
	return e.clone(), true
}

// Last returns the most recent entry for params regardless of age.
func (c *SnapshotCache) Last(params Params) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[params]
	return e.clone(), ok
}

func (c *SnapshotCache) Put(params Params, entry CacheEntry) {
	c.mu.Lock()
	c.entries[params] = entry.clone()
	c.mu.Unlock()
}

func (e CacheEntry) clone() CacheEntry {
	e.Snapshot = e.Snapshot.Clone()
	return e
}

// GetOrFetch serves a fresh entry or calls fetch and stores its result
// stamped with now. hit is true when no fetch happened. The lock is not held
// while fetching, so two concurrent misses may both reach the provider.
func (c *SnapshotCache) GetOrFetch(ctx context.Context, params Params, now time.Time, fetch FetchFunc) (entry CacheEntry, hit bool, err error) {
	if e, ok := c.Get(params, now); ok {
		metrics.CacheLookup(true)
		return e, true, nil
	}
	metrics.CacheLookup(false)

	snap, err := fetch(ctx, params)
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry = CacheEntry{Snapshot: snap, FetchedAt: now}
	c.Put(params, entry)
	return entry, false, nil
}
