package realtime

import (
	"sync"

	"github.com/google/uuid"

	"judgesync/internal/changestream"
	"judgesync/internal/refresh"
	"judgesync/internal/registry"
)

// Options narrow a Binding's interest and name its refresh entry
type Options struct {
	// Key identifies the refresh callback. Must be unique among live bindings;
	// a random key is generated when empty.
	Key    string
	Kind   changestream.ChangeKind
	Filter string
}

// Binding ties one caller's resource interest to its refresh callback
type Binding struct {
	svc *Service
	key string

	mu      sync.Mutex
	intent  registry.Intent
	release func()
	closed  bool
}

// Use registers interest in resource and cb as a refresh callback. Both are
// removed by Binding.Close.
func (s *Service) Use(resource string, cb refresh.Callback, opts Options) *Binding {
	key := opts.Key
	if key == "" {
		key = uuid.NewString()
	}
	intent := registry.Intent{Resource: resource, Kind: opts.Kind, Filter: opts.Filter}

	b := &Binding{
		svc:     s,
		key:     key,
		intent:  intent,
		release: s.registry.Register(intent),
	}
	s.coordinator.Register(key, cb)
	s.logger.Debug().Str("key", key).Str("resource", resource).Msg("binding created")
	return b
}

// Key returns the refresh key of the binding
func (b *Binding) Key() string {
	return b.key
}

// Intent returns the current interest of the binding
func (b *Binding) Intent() registry.Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intent
}

// Update moves the binding to a new interest. Nothing is re-registered when
// the identity is unchanged. Returns whether the interest changed.
func (b *Binding) Update(resource string, opts Options) bool {
	next := registry.Intent{Resource: resource, Kind: opts.Kind, Filter: opts.Filter}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || next.Key() == b.intent.Key() {
		return false
	}
	// Register first so a shared resource is never dropped in between
	release := b.svc.registry.Register(next)
	b.release()
	b.release = release
	b.intent = next
	return true
}

// SetCallback replaces the refresh callback without starting a run
func (b *Binding) SetCallback(cb refresh.Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.svc.coordinator.Register(b.key, cb)
}

// Close removes the interest and the callback. Further calls are no-ops.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.release()
	b.svc.coordinator.Unregister(b.key)
}
