package wsstream

import (
	"fmt"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"judgesync/internal/changestream"
)

// Deduplicator drops changes that were already delivered, e.g. replays
// sent by the service after a resubscribe
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate returns true if the change has been seen before and records it otherwise
func (d *Deduplicator) IsDuplicate(ch changestream.Change) bool {
	key := d.key(ch)
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}

func (d *Deduplicator) key(ch changestream.Change) string {
	if ch.ID != "" {
		return "id:" + ch.ID
	}
	// Without an id, identical payloads at the same commit time are the same change
	h := fnv.New64a()
	h.Write([]byte(ch.Resource))
	h.Write([]byte(ch.Kind))
	h.Write([]byte(ch.CommitTimestamp.String()))
	h.Write(ch.Record)
	return fmt.Sprintf("hash:%x", h.Sum64())
}
