package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
	"judgesync/internal/timing"
)

// DefaultWatchDebounce absorbs mount/unmount bursts during page navigation
const DefaultWatchDebounce = 2 * time.Second

// Intent is one caller's interest in changes to a resource
type Intent struct {
	Resource string                  `json:"resource"`
	Kind     changestream.ChangeKind `json:"event"`
	Filter   string                  `json:"filter,omitempty"`
}

// Key returns the identity of the intent; equal keys share one watch
func (i Intent) Key() string {
	kind := i.Kind
	if kind == "" {
		kind = changestream.KindAny
	}
	if i.Filter == "" {
		return i.Resource + ":" + string(kind) + ":"
	}
	hash := sha256.Sum256([]byte(i.Filter))
	return i.Resource + ":" + string(kind) + ":" + hex.EncodeToString(hash[:8])
}

// IntentInfo is a snapshot of one registry entry
type IntentInfo struct {
	Intent
	Refs int `json:"refs"`
}

type entry struct {
	intent Intent
	refs   int
}

// Registry is the process-wide table of interest registrations. Callers
// register intents independently; the registry derives the set of distinct
// resources that must be watched and publishes it debounced.
type Registry struct {
	mu           sync.RWMutex
	active       map[string]*entry
	published    string
	publishedSet []string
	listeners    []func([]string)
	closed       bool

	watch  *timing.Debouncer[[]string]
	logger zerolog.Logger
}

// NewRegistry creates a registry publishing watch-set changes after watchDebounce of quiet
func NewRegistry(watchDebounce time.Duration, logger zerolog.Logger) *Registry {
	if watchDebounce <= 0 {
		watchDebounce = DefaultWatchDebounce
	}
	r := &Registry{
		active: make(map[string]*entry),
		logger: logger.With().Str("component", "subscription-registry").Logger(),
	}
	r.watch = timing.NewDebouncer(watchDebounce, r.publish)
	return r
}

// Register adds a reference to the intent and returns the function that
// removes it. Calling the returned function more than once is a no-op.
func (r *Registry) Register(intent Intent) (unregister func()) {
	if intent.Kind == "" {
		intent.Kind = changestream.KindAny
	}
	key := intent.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	e, exists := r.active[key]
	if !exists {
		e = &entry{intent: intent}
		r.active[key] = e
	}
	e.refs++
	refs := e.refs
	r.mu.Unlock()

	if exists {
		r.logger.Debug().Str("key", key).Int("refs", refs).Msg("reference added to existing watch")
	} else {
		r.logger.Info().Str("key", key).Str("resource", intent.Resource).Msg("created new watch")
	}
	r.changed()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	e, exists := r.active[key]
	if !exists {
		r.mu.Unlock()
		return
	}
	e.refs--
	remaining := e.refs
	if remaining <= 0 {
		delete(r.active, key)
	}
	r.mu.Unlock()

	if remaining > 0 {
		r.logger.Debug().Str("key", key).Int("remaining", remaining).Msg("reference removed")
	} else {
		r.logger.Info().Str("key", key).Msg("removed watch (no more references)")
	}
	r.changed()
}

// WatchSet returns the sorted distinct resources of all live intents
func (r *Registry) WatchSet() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchSetLocked()
}

func (r *Registry) watchSetLocked() []string {
	set := make([]string, 0, len(r.active))
	for _, e := range r.active {
		set = append(set, e.intent.Resource)
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// Intents returns a snapshot of the table, ordered by key
func (r *Registry) Intents() []IntentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]IntentInfo, 0, len(keys))
	for _, k := range keys {
		e := r.active[k]
		out = append(out, IntentInfo{Intent: e.intent, Refs: e.refs})
	}
	return out
}

// OnWatchSetChange registers fn to receive every published watch set.
// Publication is debounced and only happens when the set actually differs.
func (r *Registry) OnWatchSetChange(fn func(resources []string)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Published returns the last published watch set
func (r *Registry) Published() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.publishedSet)
}

// Flush publishes a pending watch-set change without waiting for the debounce window
func (r *Registry) Flush() {
	r.watch.Flush()
}

// Close stops publication. Intents registered afterwards are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.listeners = nil
	r.mu.Unlock()
	r.watch.Stop()
	r.logger.Info().Msg("subscription registry closed")
}

// changed hands the current set to the debouncer. Holding the lock keeps
// concurrent mutations from publishing a stale set last.
func (r *Registry) changed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watch.Set(r.watchSetLocked())
}

func (r *Registry) publish(set []string) {
	identity := strings.Join(set, ",")

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if slices.Equal(set, r.publishedSet) {
		r.mu.Unlock()
		r.logger.Debug().Str("resources", identity).Msg("watch set unchanged")
		return
	}
	prev := r.published
	r.published = identity
	r.publishedSet = slices.Clone(set)
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Info().
		Str("previous", prev).
		Str("resources", identity).
		Msg("watch set changed")

	for _, fn := range listeners {
		fn(slices.Clone(set))
	}
}
