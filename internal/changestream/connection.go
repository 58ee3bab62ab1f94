package changestream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"judgesync/internal/timing"
)

// Default values
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	DefaultCloseGrace  = 100 * time.Millisecond
	DefaultOpenTimeout = 15 * time.Second
)

// Config holds connection settings
type Config struct {
	BaseDelay   time.Duration // first reconnect delay, doubled per attempt
	MaxAttempts int           // reconnects scheduled before giving up
	CloseGrace  time.Duration // pause after tearing a stream down before opening the next; negative disables
	OpenTimeout time.Duration // bound for automatic reconnect attempts
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case c.CloseGrace == 0:
		c.CloseGrace = DefaultCloseGrace
	case c.CloseGrace < 0:
		c.CloseGrace = 0
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
}

// Connection owns the single live stream against the backend.
// It tears the previous stream down before opening a new one and
// reconnects with exponential backoff after failures.
type Connection struct {
	transport Transport
	trigger   Trigger
	cfg       Config
	logger    zerolog.Logger

	// opMu serializes open, close and reconnect so two streams never coexist
	opMu sync.Mutex

	mu             sync.RWMutex
	state          State
	stream         Stream
	gen            uint64
	resources      []string
	attempts       int
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	lastErr        error
	closed         bool

	listenersMu sync.RWMutex
	onState     []func(old, new State)
	onSchedule  []func(attempt int, delay time.Duration)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates a Connection that forwards every change to trigger
func NewConnection(transport Transport, trigger Trigger, cfg Config, logger zerolog.Logger) *Connection {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		transport: transport,
		trigger:   trigger,
		cfg:       cfg,
		logger:    logger.With().Str("component", "changestream").Logger(),
		state:     StateDisconnected,
		backoff:   timing.NewExponential(cfg.BaseDelay),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnStateChange registers an observer for state transitions
func (c *Connection) OnStateChange(fn func(old, new State)) {
	c.listenersMu.Lock()
	c.onState = append(c.onState, fn)
	c.listenersMu.Unlock()
}

// OnReconnectScheduled registers an observer called whenever a reconnect is scheduled
func (c *Connection) OnReconnectScheduled(fn func(attempt int, delay time.Duration)) {
	c.listenersMu.Lock()
	c.onSchedule = append(c.onSchedule, fn)
	c.listenersMu.Unlock()
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the number of reconnects scheduled since the last successful connect
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// LastError returns the most recent connection error, if any
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Resources returns the resource set of the current or last stream
func (c *Connection) Resources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.resources)
}

// Open (re)opens the stream against resources. Any existing stream is fully
// closed first. Empty resource sets are ignored, as is reopening the set that
// is already connected or connecting.
func (c *Connection) Open(ctx context.Context, resources []string) error {
	if len(resources) == 0 {
		return nil
	}
	set := normalize(resources)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	active := (c.state == StateConnected || c.state == StateConnecting) && slices.Equal(set, c.resources)
	c.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	if active {
		return nil
	}

	c.teardown(ctx, true)

	c.mu.Lock()
	c.resources = set
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Close tears the stream down and cancels any scheduled reconnect.
// It is safe to call when nothing is open.
func (c *Connection) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown(c.ctx, false)

	c.mu.Lock()
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()
}

// Reconnect resets the attempt counter and reopens the last resource set immediately
func (c *Connection) Reconnect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if len(c.resources) == 0 {
		c.mu.Unlock()
		return ErrNoResources
	}
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.logger.Info().Msg("manual reconnect requested")
	c.teardown(ctx, true)
	return c.dial(ctx)
}

// Shutdown closes the connection for good
func (c *Connection) Shutdown() {
	c.Close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// teardown must be called with opMu held. It leaves the state alone so a
// reopen goes straight to Connecting.
func (c *Connection) teardown(ctx context.Context, grace bool) {
	c.mu.Lock()
	c.gen++
	stream := c.stream
	c.stream = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("stream close returned error")
	}
	c.logger.Info().Msg("stream closed")

	if grace && c.cfg.CloseGrace > 0 {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		case <-time.After(c.cfg.CloseGrace):
		}
	}
}

// dial must be called with opMu held
func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	resources := slices.Clone(c.resources)
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	c.logger.Info().Strs("resources", resources).Msg("opening stream")

	stream, err := c.transport.Open(ctx, resources)
	if err != nil {
		err = fmt.Errorf("failed to open stream: %w", err)
		c.fail(gen, err)
		return err
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	stream.OnChange(func(ch Change) {
		if !c.isCurrent(gen) {
			return
		}
		c.logger.Debug().Str("resource", ch.Resource).Str("event", string(ch.Kind)).Msg("change received")
		c.trigger.Trigger()
	})
	stream.OnStatus(func(status StreamStatus, err error) {
		c.handleStatus(gen, status, err)
	})
	return nil
}

func (c *Connection) isCurrent(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gen == c.gen
}

func (c *Connection) handleStatus(gen uint64, status StreamStatus, err error) {
	switch status {
	case StreamSubscribed:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.attempts = 0
		c.backoff.Reset()
		c.lastErr = nil
		notify := c.setStateLocked(StateConnected)
		c.mu.Unlock()
		notify()
		c.logger.Info().Msg("stream subscribed")
	case StreamClosed:
		if err == nil {
			err = ErrStreamClosed
		}
		c.fail(gen, err)
	default:
		if err == nil {
			err = errors.New("stream error")
		}
		c.fail(gen, err)
	}
}

// fail moves to Errored and schedules the next reconnect, if any are left
func (c *Connection) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == StateErrored {
		// Errored already, a reconnect is pending or attempts are exhausted.
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	notify := c.setStateLocked(StateErrored)

	if c.attempts >= c.cfg.MaxAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		notify()
		c.logger.Error().Err(err).Int("attempts", attempts).Msg("stream failed, giving up on automatic reconnects")
		return
	}

	delay := c.backoff.NextBackOff()
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnectScheduled(gen) })
	c.mu.Unlock()
	notify()

	c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("stream failed, reconnect scheduled")

	c.listenersMu.RLock()
	listeners := slices.Clone(c.onSchedule)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(attempt, delay)
	}
}

func (c *Connection) reconnectScheduled(gen uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	stale := gen != c.gen || c.state != StateErrored || c.closed
	c.mu.RUnlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.OpenTimeout)
	defer cancel()

	c.teardown(ctx, true)
	if err := c.dial(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// setStateLocked must be called with mu held; the returned func notifies observers
func (c *Connection) setStateLocked(next State) func() {
	prev := c.state
	if prev == next {
		return func() {}
	}
	c.state = next
	return func() {
		c.listenersMu.RLock()
		listeners := slices.Clone(c.onState)
		c.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(prev, next)
		}
	}
}

func normalize(resources []string) []string {
	set := slices.Clone(resources)
	slices.Sort(set)
	return slices.Compact(set)
}
