package changestream_test

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

	"judgesync/internal/changestream"
	"judgesync/internal/changestream/streamtest"
)

type stateLog struct {
	mu    sync.Mutex
	trans [][2]changestream.State
}

func (l *stateLog) record(old, new changestream.State) {
	l.mu.Lock()
	l.trans = append(l.trans, [2]changestream.State{old, new})
	l.mu.Unlock()
}

func (l *stateLog) all() [][2]changestream.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][2]changestream.State, len(l.trans))
	copy(out, l.trans)
	return out
}

func newConn(t *testing.T, tr changestream.Transport, trigger changestream.Trigger, cfg changestream.Config) *changestream.Connection {
	t.Helper()
	c := changestream.NewConnection(tr, trigger, cfg, zerolog.Nop())
	t.Cleanup(c.Shutdown)
	return c
}

func TestConnection_OpenConnects(t *testing.T) {
	tr := streamtest.NewTransport(true)
	log := &stateLog{}
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{})
	c.OnStateChange(log.record)

	require.NoError(t, c.Open(context.Background(), []string{"teams", "scores", "teams"}))

	assert.Equal(t, changestream.StateConnected, c.State())
	assert.Equal(t, []string{"scores", "teams"}, c.Resources())
	assert.Equal(t, [][2]changestream.State{
		{changestream.StateDisconnected, changestream.StateConnecting},
		{changestream.StateConnecting, changestream.StateConnected},
	}, log.all())
}

func TestConnection_OpenEmptyIsNoop(t *testing.T) {
	tr := streamtest.NewTransport(true)
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{})

	require.NoError(t, c.Open(context.Background(), nil))
	assert.Empty(t, tr.Opens())
	assert.Equal(t, changestream.StateDisconnected, c.State())
}

func TestConnection_ReopenTearsDownFirst(t *testing.T) {
	tr := streamtest.NewTransport(true)
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{CloseGrace: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, []string{"teams"}))
	first := tr.Last()

	// Same set: nothing happens
	require.NoError(t, c.Open(ctx, []string{"teams"}))
	assert.Len(t, tr.Opens(), 1)

	start := time.Now()
	require.NoError(t, c.Open(ctx, []string{"teams", "scores"}))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "grace delay")

	assert.True(t, first.Closed())
	assert.Len(t, tr.Opens(), 2)
	assert.Equal(t, 1, tr.LiveCount())
	assert.Equal(t, changestream.StateConnected, c.State())
}

func TestConnection_CloseIdempotent(t *testing.T) {
	tr := streamtest.NewTransport(true)
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{})

	c.Close()
	require.NoError(t, c.Open(context.Background(), []string{"teams"}))
	c.Close()
	c.Close()

	assert.Equal(t, changestream.StateDisconnected, c.State())
	assert.Equal(t, 0, tr.LiveCount())
}

func TestConnection_ForwardsChanges(t *testing.T) {
	tr := streamtest.NewTransport(true)
	var triggers atomic.Int32
	c := newConn(t, tr, changestream.TriggerFunc(func() { triggers.Add(1) }), changestream.Config{})

	require.NoError(t, c.Open(context.Background(), []string{"scores"}))
	old := tr.Last()
	old.Emit(changestream.Change{ID: "1", Resource: "scores", Kind: changestream.KindInsert})
	old.Emit(changestream.Change{ID: "2", Resource: "scores", Kind: changestream.KindUpdate})
	assert.Equal(t, int32(2), triggers.Load())

	require.NoError(t, c.Open(context.Background(), []string{"teams"}))
	// Late events from the replaced stream are ignored
	old.Report(changestream.StreamErrored, errors.New("late"))
	assert.Equal(t, changestream.StateConnected, c.State())
}

func TestConnection_ReconnectBackoff(t *testing.T) {
	tr := streamtest.NewTransport(true)
	tr.SetFail(true)

	var mu sync.Mutex
	var delays []time.Duration
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{
		BaseDelay:   5 * time.Millisecond,
		MaxAttempts: 4,
	})
	c.OnReconnectScheduled(func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	})

	err := c.Open(context.Background(), []string{"teams"})
	require.ErrorIs(t, err, streamtest.ErrRefused)

	require.Eventually(t, func() bool { return len(tr.Opens()) == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
	mu.Unlock()

	opens := tr.Opens()
	assert.Len(t, opens, 5, "initial open plus MaxAttempts reconnects")
	for i := 2; i < len(opens); i++ {
		assert.Greater(t, opens[i].At.Sub(opens[i-1].At), opens[i-1].At.Sub(opens[i-2].At)/2)
	}
	assert.Equal(t, changestream.StateErrored, c.State())
	assert.Equal(t, 4, c.Attempts())
	assert.ErrorIs(t, c.LastError(), streamtest.ErrRefused)

	// Manual reconnect resets the counter and retries immediately
	tr.SetFail(false)
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, changestream.StateConnected, c.State())
	assert.Equal(t, 0, c.Attempts())
}

func TestConnection_StreamErrorRecovers(t *testing.T) {
	tr := streamtest.NewTransport(true)
	log := &stateLog{}
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{BaseDelay: 5 * time.Millisecond})
	c.OnStateChange(log.record)

	require.NoError(t, c.Open(context.Background(), []string{"teams"}))
	first := tr.Last()
	first.Report(changestream.StreamErrored, errors.New("boom"))

	require.Eventually(t, func() bool { return len(tr.Opens()) == 2 && c.State() == changestream.StateConnected },
		time.Second, 5*time.Millisecond)
	assert.True(t, first.Closed())
	assert.Equal(t, 0, c.Attempts())
	assert.Contains(t, log.all(), [2]changestream.State{changestream.StateConnected, changestream.StateErrored})
	assert.Contains(t, log.all(), [2]changestream.State{changestream.StateErrored, changestream.StateConnecting})
	assert.NotContains(t, log.all(), [2]changestream.State{changestream.StateErrored, changestream.StateDisconnected})
}

func TestConnection_CloseCancelsReconnect(t *testing.T) {
	tr := streamtest.NewTransport(true)
	tr.SetFail(true)
	c := newConn(t, tr, changestream.TriggerFunc(func() {}), changestream.Config{BaseDelay: 20 * time.Millisecond})

	_ = c.Open(context.Background(), []string{"teams"})
	c.Close()
	time.Sleep(60 * time.Millisecond)

	assert.Len(t, tr.Opens(), 1)
	assert.Equal(t, changestream.StateDisconnected, c.State())
}

func TestConnection_ReconnectWithoutResources(t *testing.T) {
	c := newConn(t, streamtest.NewTransport(true), changestream.TriggerFunc(func() {}), changestream.Config{})
	assert.ErrorIs(t, c.Reconnect(context.Background()), changestream.ErrNoResources)
}
