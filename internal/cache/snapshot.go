// Package cache provides the TTL-bounded store of last-known snapshots.
package cache

import (
	"sync"
	"time"

	"github.com/haasonsaas/beacon/internal/presence"
)

// DefaultTTL is how long a cached snapshot is trusted after write.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval is how often expired entries are removed in bulk.
// Reads re-check entry age regardless, so the sweep only bounds memory.
const DefaultSweepInterval = time.Minute

// cacheEntry pairs a snapshot with its capture time.
type cacheEntry struct {
	snapshot   *presence.Snapshot
	capturedAt time.Time
}

// SnapshotCache stores the last-known normalized snapshot per subject with
// a fixed TTL. Any detected change invalidates the subject's entry so the
// next read refetches from upstream.
type SnapshotCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

// Options configures a SnapshotCache.
type Options struct {
	TTL time.Duration
}

// NewSnapshotCache creates a snapshot cache. A zero TTL falls back to
// DefaultTTL.
func NewSnapshotCache(opts Options) *SnapshotCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached snapshot for the subject, or false on a miss or
// an expired entry.
func (c *SnapshotCache) Get(userID string) (*presence.Snapshot, bool) {
	return c.GetAt(userID, time.Now())
}

// GetAt is Get with an explicit clock, for tests.
func (c *SnapshotCache) GetAt(userID string, now time.Time) (*presence.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	if now.Sub(e.capturedAt) >= c.ttl {
		delete(c.entries, userID)
		return nil, false
	}
	return e.snapshot, true
}

// Put stores a snapshot captured now.
func (c *SnapshotCache) Put(userID string, snap *presence.Snapshot) {
	c.PutAt(userID, snap, time.Now())
}

// PutAt is Put with an explicit clock, for tests.
func (c *SnapshotCache) PutAt(userID string, snap *presence.Snapshot, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{snapshot: snap, capturedAt: now}
}

// Invalidate drops the subject's entry, forcing the next read to refetch.
func (c *SnapshotCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Sweep removes all entries older than the TTL and returns how many were
// evicted. An entry swept between a successful read and its use is not a
// correctness problem; readers re-check age themselves.
func (c *SnapshotCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.entries {
		if now.Sub(e.capturedAt) >= c.ttl {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the current number of entries.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
