package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
	"judgesync/internal/network"
	"judgesync/internal/refresh"
	"judgesync/internal/registry"
	"judgesync/internal/status"
)

var (
	// ErrPaused is returned by Reconnect while the network is offline
	ErrPaused = errors.New("live updates paused")
	// ErrDisposed is returned once the service has been disposed
	ErrDisposed = errors.New("realtime service disposed")
)

// Config groups the settings of every owned component
type Config struct {
	Connection    changestream.Config
	Refresh       refresh.Config
	WatchDebounce time.Duration
	Status        status.Config
	Network       network.Config
}

// Service owns one connection, one coordinator, one registry, one status
// reporter and one network monitor, and wires them together.
type Service struct {
	logger zerolog.Logger

	registry    *registry.Registry
	coordinator *refresh.Coordinator
	conn        *changestream.Connection
	reporter    *status.Reporter
	monitor     *network.Monitor

	// streamMu serializes pausing against opening, so a Pause can never
	// land between the paused check and conn.Open.
	streamMu sync.Mutex

	mu       sync.Mutex
	paused   bool
	disposed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a Service on top of transport. Status notifications go to notifier.
func NewService(transport changestream.Transport, notifier status.Notifier, cfg Config, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		logger: logger.With().Str("component", "realtime").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	s.coordinator = refresh.NewCoordinator(cfg.Refresh, logger)
	s.conn = changestream.NewConnection(transport, s.coordinator, cfg.Connection, logger)
	s.registry = registry.NewRegistry(cfg.WatchDebounce, logger)
	s.reporter = status.NewReporter(cfg.Status, notifier, logger)
	s.monitor = network.NewMonitor(s, cfg.Network, logger)

	s.registry.OnWatchSetChange(s.applyWatchSet)
	s.conn.OnStateChange(s.reporter.ObserveState)
	s.conn.OnReconnectScheduled(func(attempt int, delay time.Duration) {
		s.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("stream reconnect scheduled")
	})
	s.coordinator.OnError(s.reporter.ObserveError)

	return s
}

// Monitor returns the network monitor, for feeding connectivity observations
func (s *Service) Monitor() *network.Monitor {
	return s.monitor
}

// Reporter returns the status reporter
func (s *Service) Reporter() *status.Reporter {
	return s.reporter
}

// applyWatchSet reopens the stream against a newly published resource set
func (s *Service) applyWatchSet(resources []string) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if !s.live() {
		s.logger.Debug().Strs("resources", resources).Msg("watch set changed while paused")
		return
	}
	if len(resources) == 0 {
		s.logger.Info().Msg("watch set empty, closing stream")
		s.conn.Close()
		return
	}
	s.logger.Info().Strs("resources", resources).Msg("watch set changed")
	if err := s.conn.Open(s.ctx, resources); err != nil {
		s.logger.Warn().Err(err).Msg("failed to open stream for watch set")
	}
}

// live must be called with streamMu held
func (s *Service) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused && !s.disposed
}

// Pause closes the stream regardless of the watch set. Implements network.Pauser.
func (s *Service) Pause() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	s.mu.Lock()
	if s.paused || s.disposed {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()

	s.logger.Info().Msg("live updates paused")
	s.conn.Close()
}

// Resume runs one immediate coordinated refresh and reopens the stream if
// anything is watched. Implements network.Pauser.
func (s *Service) Resume(ctx context.Context) {
	s.mu.Lock()
	if !s.paused || s.disposed {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.mu.Unlock()

	s.logger.Info().Msg("live updates resumed")
	s.coordinator.TriggerImmediate(ctx)

	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	// The network may have dropped again while the refresh ran
	if !s.live() {
		s.logger.Debug().Msg("paused again during resume refresh, stream stays closed")
		return
	}
	resources := s.registry.Published()
	if len(resources) == 0 {
		return
	}
	if err := s.conn.Open(ctx, resources); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reopen stream after resume")
	}
}

// Paused reports whether live updates are paused
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// RefreshNow runs every callback now, bypassing debounce and throttle
func (s *Service) RefreshNow(ctx context.Context) bool {
	return s.coordinator.RefreshNow(ctx)
}

// Reconnect reopens the stream immediately with a fresh attempt budget
func (s *Service) Reconnect(ctx context.Context) error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	s.mu.Lock()
	paused, disposed := s.paused, s.disposed
	s.mu.Unlock()
	switch {
	case disposed:
		return ErrDisposed
	case paused:
		return ErrPaused
	}
	return s.conn.Reconnect(ctx)
}

// Dispose tears every component down. The service is unusable afterwards.
func (s *Service) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.monitor.Stop()
	s.registry.Close()
	s.conn.Shutdown()
	s.coordinator.Dispose()
	s.cancel()
	s.logger.Info().Msg("realtime service disposed")
}
