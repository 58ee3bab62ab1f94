package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"judgesync/internal/timing"
)

// Default values
const (
	DefaultDebounce   = 750 * time.Millisecond
	DefaultThrottle   = 1500 * time.Millisecond
	DefaultRetryDelay = time.Second
	DefaultMaxRetries = 3
)

// ErrDisposed is the cancellation cause of runs interrupted by Dispose
var ErrDisposed = errors.New("refresh coordinator disposed")

// Callback re-fetches one caller's data
type Callback func(ctx context.Context) error

// Config holds coordinator timing settings
type Config struct {
	Debounce   time.Duration // window in which Trigger calls collapse into one run
	Throttle   time.Duration // minimum spacing between successful runs
	RetryDelay time.Duration // first retry delay after a failed run, doubled per attempt
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Throttle < 0 {
		c.Throttle = 0
	} else if c.Throttle == 0 {
		c.Throttle = DefaultThrottle
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// RunState is the bookkeeping of coordinated runs
type RunState struct {
	IsRunning  bool
	LastRunAt  time.Time // last successful run, zero if none
	RunCount   int
	ErrorCount int
	LastError  error
}

type runMode int

const (
	modeDebounced runMode = iota
	modeImmediate
	modeManual
	modeRetry
)

func (m runMode) String() string {
	switch m {
	case modeDebounced:
		return "debounced"
	case modeImmediate:
		return "immediate"
	case modeManual:
		return "manual"
	case modeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type failure struct {
	key string
	err error
}

// Coordinator runs every registered callback as one batch. Batches never
// overlap, are spaced by the throttle window and are retried with backoff
// when a callback fails. Every change fans out to every callback.
type Coordinator struct {
	cfg    Config
	gate   timing.ThrottleGate
	logger zerolog.Logger

	mu           sync.Mutex
	entries      map[string]Callback
	state        RunState
	timer        *time.Timer
	timerGen     uint64
	retryAttempt int
	deferred     bool
	disposed     bool

	listenersMu sync.RWMutex
	onError     []func(key string, err error)
	onRun       []func(RunState)
	onRetry     []func(attempt int, delay time.Duration)

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(cfg Config, logger zerolog.Logger) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		cfg:     cfg,
		gate:    timing.NewThrottleGate(cfg.Throttle),
		logger:  logger.With().Str("component", "refresh").Logger(),
		entries: make(map[string]Callback),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds or replaces the callback for key. It never starts a run.
func (c *Coordinator) Register(key string, cb Callback) {
	if cb == nil {
		c.Unregister(key)
		return
	}
	c.mu.Lock()
	_, replaced := c.entries[key]
	c.entries[key] = cb
	count := len(c.entries)
	c.mu.Unlock()

	c.logger.Debug().Str("key", key).Bool("replaced", replaced).Int("callbacks", count).Msg("refresh callback registered")
}

// Unregister removes the callback for key; unknown keys are ignored
func (c *Coordinator) Unregister(key string) {
	c.mu.Lock()
	_, exists := c.entries[key]
	delete(c.entries, key)
	count := len(c.entries)
	c.mu.Unlock()

	if exists {
		c.logger.Debug().Str("key", key).Int("callbacks", count).Msg("refresh callback unregistered")
	}
}

// Keys returns the registered keys, sorted
func (c *Coordinator) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// State returns a copy of the run bookkeeping
func (c *Coordinator) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnError registers an observer for every failed callback
func (c *Coordinator) OnError(fn func(key string, err error)) {
	c.listenersMu.Lock()
	c.onError = append(c.onError, fn)
	c.listenersMu.Unlock()
}

// OnRun registers an observer called after every completed run
func (c *Coordinator) OnRun(fn func(RunState)) {
	c.listenersMu.Lock()
	c.onRun = append(c.onRun, fn)
	c.listenersMu.Unlock()
}

// OnRetryScheduled registers an observer called whenever a retry is scheduled
func (c *Coordinator) OnRetryScheduled(fn func(attempt int, delay time.Duration)) {
	c.listenersMu.Lock()
	c.onRetry = append(c.onRetry, fn)
	c.listenersMu.Unlock()
}

// Trigger requests a run after the debounce window. Calls within the
// window collapse into one run. Implements changestream.Trigger.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.scheduleLocked(c.cfg.Debounce, modeDebounced)
}

// TriggerImmediate runs now unless a run is in flight or the throttle window
// has not elapsed; skipped requests are dropped. Returns whether a run happened.
func (c *Coordinator) TriggerImmediate(ctx context.Context) bool {
	return c.run(ctx, modeImmediate)
}

// RefreshNow runs now regardless of the debounce and throttle windows and
// cancels any pending scheduled run or retry. It still never overlaps a run
// in flight; in that case a follow-up run is scheduled.
func (c *Coordinator) RefreshNow(ctx context.Context) bool {
	c.mu.Lock()
	c.stopTimerLocked()
	c.retryAttempt = 0
	c.mu.Unlock()
	return c.run(ctx, modeManual)
}

// Pending reports whether a debounced run or retry is scheduled
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Dispose cancels pending timers and in-flight callbacks and waits for the
// current run to settle. The coordinator runs nothing afterwards.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.stopTimerLocked()
	c.mu.Unlock()

	c.cancel(ErrDisposed)
	c.wg.Wait()
	c.logger.Info().Msg("refresh coordinator disposed")
}

// scheduleLocked replaces the single pending timer; must be called with mu held
func (c *Coordinator) scheduleLocked(delay time.Duration, mode runMode) {
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen, mode) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coordinator) fire(gen uint64, mode runMode) {
	c.mu.Lock()
	if gen != c.timerGen || c.disposed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.run(c.ctx, mode)
}

func (c *Coordinator) run(ctx context.Context, mode runMode) bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}
	if c.state.IsRunning {
		if mode != modeImmediate {
			c.deferred = true
		}
		c.mu.Unlock()
		c.logger.Debug().Stringer("mode", mode).Msg("run skipped, another run in flight")
		return false
	}
	if mode == modeDebounced || mode == modeImmediate {
		if wait := c.gate.Remaining(c.state.LastRunAt); wait > 0 {
			if mode == modeDebounced {
				// Keep the change: run once the window opens instead of losing it
				c.scheduleLocked(wait, modeDebounced)
			}
			c.mu.Unlock()
			c.logger.Debug().Stringer("mode", mode).Dur("wait", wait).Msg("run throttled")
			return false
		}
	}

	c.state.IsRunning = true
	entries := make(map[string]Callback, len(c.entries))
	for k, cb := range c.entries {
		entries[k] = cb
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	start := time.Now()
	failures := c.invokeAll(ctx, entries)
	c.finish(mode, start, len(entries), failures)
	return true
}

// invokeAll starts every callback at once and waits for all of them to settle
func (c *Coordinator) invokeAll(ctx context.Context, entries map[string]Callback) []failure {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.ctx, func() { cancel(context.Cause(c.ctx)) })
	defer stop()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []failure
	)
	for key, cb := range entries {
		wg.Add(1)
		go func(key string, cb Callback) {
			defer wg.Done()
			if err := c.invoke(runCtx, key, cb); err != nil {
				mu.Lock()
				failures = append(failures, failure{key: key, err: err})
				mu.Unlock()
			}
		}(key, cb)
	}
	wg.Wait()

	slices.SortFunc(failures, func(a, b failure) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		default:
			return 0
		}
	})
	return failures
}

func (c *Coordinator) invoke(ctx context.Context, key string, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("key", key).Msg("refresh callback panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx)
}

func (c *Coordinator) finish(mode runMode, start time.Time, callbacks int, failures []failure) {
	var runErr error
	for _, f := range failures {
		runErr = multierr.Append(runErr, fmt.Errorf("refresh %s: %w", f.key, f.err))
	}

	c.mu.Lock()
	c.state.IsRunning = false
	c.state.RunCount++

	retryScheduled := false
	var retryAttempt int
	var retryDelay time.Duration
	if runErr != nil {
		c.state.ErrorCount += len(failures)
		c.state.LastError = runErr
		if !c.disposed && c.retryAttempt < c.cfg.MaxRetries {
			retryDelay = timing.ExponentialDelay(c.cfg.RetryDelay, c.retryAttempt)
			c.retryAttempt++
			retryAttempt = c.retryAttempt
			c.scheduleLocked(retryDelay, modeRetry)
			retryScheduled = true
		} else {
			c.retryAttempt = 0
		}
	} else {
		c.state.LastRunAt = time.Now()
		c.state.LastError = nil
		c.retryAttempt = 0
	}

	if c.deferred {
		c.deferred = false
		if !retryScheduled && !c.disposed {
			c.scheduleLocked(c.cfg.Debounce, modeDebounced)
		}
	}
	state := c.state
	c.mu.Unlock()

	event := c.logger.Info()
	if runErr != nil {
		event = c.logger.Warn().Err(runErr)
	}
	event.
		Stringer("mode", mode).
		Int("callbacks", callbacks).
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Int("runCount", state.RunCount).
		Msg("coordinated refresh finished")

	c.listenersMu.RLock()
	onError := slices.Clone(c.onError)
	onRun := slices.Clone(c.onRun)
	onRetry := slices.Clone(c.onRetry)
	c.listenersMu.RUnlock()

	for _, f := range failures {
		for _, fn := range onError {
			fn(f.key, f.err)
		}
	}
	if retryScheduled {
		c.logger.Info().Int("attempt", retryAttempt).Dur("delay", retryDelay).Msg("refresh retry scheduled")
		for _, fn := range onRetry {
			fn(retryAttempt, retryDelay)
		}
	} else if runErr != nil {
		c.logger.Error().Int("maxRetries", c.cfg.MaxRetries).Msg("refresh retries exhausted")
	}
	for _, fn := range onRun {
		fn(state)
	}
}
