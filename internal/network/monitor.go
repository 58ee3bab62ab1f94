package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default values
const (
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultProbeInterval = 5 * time.Second
)

// State is the observed connectivity of the host
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Pauser is what the monitor drives on connectivity changes
type Pauser interface {
	Pause()
	Resume(ctx context.Context)
}

// Config holds monitor settings
type Config struct {
	SettleDelay   time.Duration // wait after coming back online before resuming
	ProbeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
}

// Monitor tracks online/offline observations and pauses or resumes its target
type Monitor struct {
	target Pauser
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	settleTimer *time.Timer
	gen         uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMonitor creates a new Monitor in StateUnknown
func NewMonitor(target Pauser, cfg Config, logger zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		target: target,
		cfg:    cfg,
		logger: logger.With().Str("component", "network").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the last observed state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe records one connectivity observation. Going offline pauses the
// target at once. Coming back online resumes it after the settle delay.
// An initial online observation only resolves the unknown state.
func (m *Monitor) Observe(online bool) {
	next := StateOffline
	if online {
		next = StateOnline
	}

	m.mu.Lock()
	prev := m.state
	if prev == next || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.stopSettleLocked()

	if next == StateOffline {
		m.mu.Unlock()
		m.logger.Warn().Stringer("from", prev).Msg("network offline, pausing live updates")
		m.target.Pause()
		return
	}
	if prev == StateUnknown {
		m.mu.Unlock()
		m.logger.Debug().Msg("network online")
		return
	}

	gen := m.gen
	m.settleTimer = time.AfterFunc(m.cfg.SettleDelay, func() { m.settled(gen) })
	m.mu.Unlock()
	m.logger.Info().Dur("settle", m.cfg.SettleDelay).Msg("network back online")
}

func (m *Monitor) settled(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOnline || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.settleTimer = nil
	m.mu.Unlock()

	m.logger.Info().Msg("network settled, resuming live updates")
	m.target.Resume(m.ctx)
}

func (m *Monitor) stopSettleLocked() {
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.gen++
}

// Run polls prober every ProbeInterval and feeds the results to Observe
// until ctx is done
func (m *Monitor) Run(ctx context.Context, prober Prober) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		m.Observe(prober.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels a pending resume and ignores further observations
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopSettleLocked()
	m.mu.Unlock()
	m.cancel()
}
