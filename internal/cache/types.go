package cache

import "time"

// Store holds the latest fetched snapshot of every dashboard view.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the snapshot for name and true if present and not expired
	Get(name string) (Snapshot, bool)

	// Set replaces the snapshot for name
	Set(name string, snap Snapshot)

	// Close releases any resources held by the store
	Close()
}

// Snapshot is one fetched copy of a view's data
type Snapshot struct {
	Data        []byte
	ContentType string
	FetchedAt   time.Time
	// Version counts stores since the view last entered the cache
	Version uint64
}
