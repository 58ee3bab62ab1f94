package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *counter) callback(ctx context.Context) error {
	c.calls.Add(1)
	if c.fail.Load() {
		return errors.New("fetch failed")
	}
	return nil
}

func (c *counter) count() int {
	return int(c.calls.Load())
}

func newCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, zerolog.Nop())
	t.Cleanup(c.Dispose)
	return c
}

func TestCoordinator_TriggerCollapses(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: 30 * time.Millisecond, Throttle: -1})
	cnt := &counter{}
	c.Register("leaderboard", cnt.callback)

	for i := 0; i < 10; i++ {
		c.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 0, cnt.count(), "no run inside the window")

	require.Eventually(t, func() bool { return cnt.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, cnt.count())
	assert.Equal(t, 1, c.State().RunCount)
}

func TestCoordinator_FansOutToEveryCallback(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: 10 * time.Millisecond, Throttle: -1})
	leaderboard := &counter{}
	judges := &counter{}
	c.Register("leaderboard", leaderboard.callback)
	c.Register("judges", judges.callback)

	c.Trigger()
	require.Eventually(t, func() bool {
		return leaderboard.count() == 1 && judges.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"judges", "leaderboard"}, c.Keys())
}

func TestCoordinator_NeverOverlaps(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: 10 * time.Millisecond, Throttle: -1})

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		calls   atomic.Int32
	)
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	c.Register("slow", func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	done := make(chan bool)
	go func() { done <- c.RefreshNow(context.Background()) }()
	<-started

	assert.True(t, c.State().IsRunning)
	assert.False(t, c.TriggerImmediate(context.Background()))
	assert.False(t, c.RefreshNow(context.Background()))

	close(release)
	assert.True(t, <-done)

	// The manual request skipped during the run is picked up afterwards
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestCoordinator_ImmediateIsThrottled(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: time.Hour, Throttle: 200 * time.Millisecond})
	cnt := &counter{}
	c.Register("teams", cnt.callback)

	assert.True(t, c.TriggerImmediate(context.Background()))
	assert.False(t, c.TriggerImmediate(context.Background()), "second call inside the window is dropped")
	assert.Equal(t, 1, cnt.count())
	assert.False(t, c.Pending(), "dropped immediate requests are not queued")

	assert.True(t, c.RefreshNow(context.Background()), "manual refresh bypasses the throttle")
	assert.Equal(t, 2, cnt.count())
}

func TestCoordinator_DebouncedRunWaitsForThrottle(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: 10 * time.Millisecond, Throttle: 100 * time.Millisecond})

	var (
		mu    sync.Mutex
		times []time.Time
	)
	c.Register("scores", func(ctx context.Context) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil
	})
	runs := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(times)
	}

	require.True(t, c.TriggerImmediate(context.Background()))
	c.Trigger()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, runs())
	assert.True(t, c.Pending(), "throttled change stays scheduled")

	require.Eventually(t, func() bool { return runs() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	gap := times[1].Sub(times[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, 100*time.Millisecond)
}

func TestCoordinator_FailureIsolation(t *testing.T) {
	c := newCoordinator(t, Config{Throttle: -1, RetryDelay: time.Hour})

	ok := &counter{}
	failing := &counter{}
	failing.fail.Store(true)
	c.Register("ok", ok.callback)
	c.Register("failing", failing.callback)
	c.Register("panicking", func(ctx context.Context) error { panic("boom") })

	var (
		mu     sync.Mutex
		failed []string
	)
	c.OnError(func(key string, err error) {
		mu.Lock()
		failed = append(failed, key)
		mu.Unlock()
	})

	require.True(t, c.RefreshNow(context.Background()))

	assert.Equal(t, 1, ok.count())
	state := c.State()
	assert.Equal(t, 1, state.RunCount)
	assert.Equal(t, 2, state.ErrorCount)
	require.Error(t, state.LastError)
	assert.Contains(t, state.LastError.Error(), "refresh failing")
	assert.Contains(t, state.LastError.Error(), "refresh panicking")
	assert.True(t, state.LastRunAt.IsZero(), "a failed run is not a successful run")

	mu.Lock()
	assert.Equal(t, []string{"failing", "panicking"}, failed)
	mu.Unlock()
	assert.True(t, c.Pending(), "retry scheduled")
}

func TestCoordinator_RetriesWithBackoff(t *testing.T) {
	c := newCoordinator(t, Config{Throttle: -1, RetryDelay: 10 * time.Millisecond, MaxRetries: 3})
	cnt := &counter{}
	cnt.fail.Store(true)
	c.Register("teams", cnt.callback)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c.OnRetryScheduled(func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	})

	c.RefreshNow(context.Background())
	require.Eventually(t, func() bool { return c.State().RunCount == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	state := c.State()
	assert.Equal(t, 4, state.RunCount, "initial run plus three retries")
	assert.Equal(t, 4, state.ErrorCount)
	assert.False(t, c.Pending())

	mu.Lock()
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
	mu.Unlock()
}

func TestCoordinator_RetrySucceeds(t *testing.T) {
	c := newCoordinator(t, Config{Throttle: -1, RetryDelay: 10 * time.Millisecond})
	cnt := &counter{}
	cnt.fail.Store(true)
	c.Register("teams", cnt.callback)

	c.RefreshNow(context.Background())
	require.Error(t, c.State().LastError)
	cnt.fail.Store(false)

	require.Eventually(t, func() bool { return c.State().RunCount == 2 }, time.Second, 5*time.Millisecond)
	state := c.State()
	assert.NoError(t, state.LastError)
	assert.False(t, state.LastRunAt.IsZero())
	assert.False(t, c.Pending())
}

func TestCoordinator_RefreshNowCancelsRetry(t *testing.T) {
	c := newCoordinator(t, Config{Throttle: -1, RetryDelay: 50 * time.Millisecond})
	cnt := &counter{}
	cnt.fail.Store(true)
	c.Register("teams", cnt.callback)

	c.RefreshNow(context.Background())
	require.True(t, c.Pending())

	cnt.fail.Store(false)
	require.True(t, c.RefreshNow(context.Background()))
	assert.False(t, c.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, c.State().RunCount)
}

func TestCoordinator_RegisterNeverRuns(t *testing.T) {
	c := newCoordinator(t, Config{Debounce: 10 * time.Millisecond, Throttle: -1})
	first := &counter{}
	second := &counter{}

	c.Register("teams", first.callback)
	c.Register("teams", second.callback)
	c.Unregister("unknown")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.State().RunCount)

	c.RefreshNow(context.Background())
	assert.Equal(t, 0, first.count(), "replaced callback is gone")
	assert.Equal(t, 1, second.count())

	c.Unregister("teams")
	assert.Empty(t, c.Keys())
}

func TestCoordinator_Dispose(t *testing.T) {
	c := NewCoordinator(Config{Throttle: -1}, zerolog.Nop())

	started := make(chan struct{})
	var cause atomic.Value
	c.Register("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cause.Store(context.Cause(ctx))
		return ctx.Err()
	})

	go c.RefreshNow(context.Background())
	<-started
	c.Dispose()

	assert.ErrorIs(t, cause.Load().(error), ErrDisposed)
	c.Trigger()
	assert.False(t, c.Pending())
	assert.False(t, c.RefreshNow(context.Background()))
}
