package views

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"judgesync/internal/cache"
	"judgesync/internal/realtime"
)

// Manager mounts views on the realtime service. Every coordinated refresh
// re-fetches each mounted view and stores the result.
type Manager struct {
	svc     *realtime.Service
	store   cache.Store
	fetcher *Fetcher
	logger  zerolog.Logger

	mu       sync.RWMutex
	views    map[string]View
	bindings map[string]*realtime.Binding
}

// NewManager creates a new Manager
func NewManager(svc *realtime.Service, store cache.Store, fetcher *Fetcher, logger zerolog.Logger) *Manager {
	return &Manager{
		svc:      svc,
		store:    store,
		fetcher:  fetcher,
		logger:   logger.With().Str("component", "views").Logger(),
		views:    make(map[string]View),
		bindings: make(map[string]*realtime.Binding),
	}
}

// Mount registers the view's interest and refresh callback
func (m *Manager) Mount(v View) error {
	if err := v.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.views[v.Name]; exists {
		return fmt.Errorf("%w: %s", ErrViewExists, v.Name)
	}

	m.views[v.Name] = v
	m.bindings[v.Name] = m.svc.Use(v.Resource, m.refresher(v), realtime.Options{
		Key:    v.Key(),
		Kind:   v.Kind,
		Filter: v.Filter,
	})
	m.logger.Info().Str("view", v.Name).Str("resource", v.Resource).Msg("view mounted")
	return nil
}

// Unmount removes the view. Returns false if it was not mounted.
func (m *Manager) Unmount(name string) bool {
	m.mu.Lock()
	b, exists := m.bindings[name]
	delete(m.bindings, name)
	delete(m.views, name)
	m.mu.Unlock()

	if !exists {
		return false
	}
	b.Close()
	m.logger.Info().Str("view", name).Msg("view unmounted")
	return true
}

// Views returns the mounted views sorted by name
func (m *Manager) Views() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]View, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b View) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Snapshot returns the stored data of a mounted view
func (m *Manager) Snapshot(name string) (cache.Snapshot, error) {
	m.mu.RLock()
	_, exists := m.views[name]
	m.mu.RUnlock()
	if !exists {
		return cache.Snapshot{}, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	snap, ok := m.store.Get(name)
	if !ok {
		return cache.Snapshot{}, fmt.Errorf("%w: %s", ErrNoData, name)
	}
	return snap, nil
}

// Close unmounts every view
func (m *Manager) Close() {
	for _, v := range m.Views() {
		m.Unmount(v.Name)
	}
}

func (m *Manager) refresher(v View) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		snap, err := m.fetcher.Fetch(ctx, v)
		if err != nil {
			return err
		}
		m.store.Set(v.Name, snap)
		m.logger.Debug().Str("view", v.Name).Int("bytes", len(snap.Data)).Msg("view refreshed")
		return nil
	}
}
