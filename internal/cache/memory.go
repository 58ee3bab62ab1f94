package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU snapshot store with TTL support.
// A zero TTL keeps entries until they are evicted by size.
type MemoryCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	mu    sync.Mutex

	versions map[string]uint64
	done     chan struct{}
	once     sync.Once
}

// NewMemoryCache creates a new in-memory snapshot store
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	mc := &MemoryCache{
		ttl:      ttl,
		versions: make(map[string]uint64),
		done:     make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[string, *cacheEntry](size, func(key string, _ *cacheEntry) {
		delete(mc.versions, key)
	})
	if err != nil {
		return nil, err
	}
	mc.cache = cache

	if ttl > 0 {
		go mc.cleanupLoop()
	}
	return mc, nil
}

// Get retrieves a snapshot from the store
func (mc *MemoryCache) Get(name string) (Snapshot, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.cache.Get(name)
	if !ok {
		return Snapshot{}, false
	}
	if mc.ttl > 0 && time.Now().After(entry.expiresAt) {
		mc.cache.Remove(name)
		return Snapshot{}, false
	}
	return entry.snap, true
}

// Set stores a snapshot and stamps its version
func (mc *MemoryCache) Set(name string, snap Snapshot) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.versions[name]++
	snap.Version = mc.versions[name]
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	mc.cache.Add(name, &cacheEntry{
		snap:      snap,
		expiresAt: time.Now().Add(mc.ttl),
	})
}

// Len returns the number of stored snapshots, expired ones included
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Len()
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() {
	mc.once.Do(func() { close(mc.done) })
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(mc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			mc.cache.Remove(key)
		}
	}
}

// NoopCache is a store that keeps nothing (used when caching is disabled)
type NoopCache struct{}

// NewNoopCache creates a new no-op store
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always returns not found
func (nc *NoopCache) Get(name string) (Snapshot, bool) {
	return Snapshot{}, false
}

// Set does nothing
func (nc *NoopCache) Set(name string, snap Snapshot) {}

// Close does nothing
func (nc *NoopCache) Close() {}
