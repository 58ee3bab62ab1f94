package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"judgesync/internal/changestream"
)

type publications struct {
	mu   sync.Mutex
	sets [][]string
}

func (p *publications) record(set []string) {
	p.mu.Lock()
	p.sets = append(p.sets, set)
	p.mu.Unlock()
}

func (p *publications) all() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.sets...)
}

func newRegistry(t *testing.T, window time.Duration) (*Registry, *publications) {
	t.Helper()
	r := NewRegistry(window, zerolog.Nop())
	t.Cleanup(r.Close)
	pubs := &publications{}
	r.OnWatchSetChange(pubs.record)
	return r, pubs
}

func TestRegistry_SharedIntentRefCounting(t *testing.T) {
	r, _ := newRegistry(t, time.Hour)
	intent := Intent{Resource: "scores", Kind: changestream.KindAny}

	release := make([]func(), 3)
	for i := range release {
		release[i] = r.Register(intent)
	}
	require.Len(t, r.Intents(), 1)
	assert.Equal(t, 3, r.Intents()[0].Refs)

	release[0]()
	release[1]()
	assert.Equal(t, []string{"scores"}, r.WatchSet(), "still watched while one caller remains")

	release[2]()
	assert.Empty(t, r.WatchSet())
	assert.Empty(t, r.Intents())
}

func TestRegistry_DoubleUnregisterIsNoop(t *testing.T) {
	r, _ := newRegistry(t, time.Hour)
	intent := Intent{Resource: "teams"}

	a := r.Register(intent)
	b := r.Register(intent)

	a()
	a()
	assert.Equal(t, []string{"teams"}, r.WatchSet(), "second call of the same unregister must not drop b")
	b()
	assert.Empty(t, r.WatchSet())
}

func TestRegistry_WatchSetIsDistinctAndSorted(t *testing.T) {
	r, _ := newRegistry(t, time.Hour)

	r.Register(Intent{Resource: "teams", Kind: changestream.KindInsert})
	r.Register(Intent{Resource: "teams", Kind: changestream.KindDelete})
	r.Register(Intent{Resource: "scores", Filter: "event_id=eq.4"})
	r.Register(Intent{Resource: "judges"})

	assert.Equal(t, []string{"judges", "scores", "teams"}, r.WatchSet())
	assert.Len(t, r.Intents(), 4)
}

func TestRegistry_PublishesDebounced(t *testing.T) {
	r, pubs := newRegistry(t, 30*time.Millisecond)

	r.Register(Intent{Resource: "teams"})
	r.Register(Intent{Resource: "scores"})
	assert.Empty(t, pubs.all(), "nothing published inside the window")

	require.Eventually(t, func() bool { return len(pubs.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"scores", "teams"}}, pubs.all())
	assert.Equal(t, []string{"scores", "teams"}, r.Published())
}

func TestRegistry_ChurnWithinWindowNeverPublishes(t *testing.T) {
	r, pubs := newRegistry(t, 40*time.Millisecond)

	for i := 0; i < 5; i++ {
		release := r.Register(Intent{Resource: "teams"})
		release()
	}
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, pubs.all())

	// Same resource set after churn of different intents: no republish either
	keep := r.Register(Intent{Resource: "teams"})
	r.Flush()
	require.Len(t, pubs.all(), 1)

	for i := 0; i < 5; i++ {
		release := r.Register(Intent{Resource: "teams", Kind: changestream.KindUpdate, Filter: "id=eq.1"})
		release()
	}
	r.Flush()
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, pubs.all(), 1)
	keep()
}

func TestRegistry_FlushPublishesNow(t *testing.T) {
	r, pubs := newRegistry(t, time.Hour)

	r.Register(Intent{Resource: "teams"})
	r.Flush()
	assert.Equal(t, [][]string{{"teams"}}, pubs.all())
}

func TestRegistry_Close(t *testing.T) {
	r, pubs := newRegistry(t, 10*time.Millisecond)

	r.Register(Intent{Resource: "teams"})
	r.Close()
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, pubs.all())

	release := r.Register(Intent{Resource: "scores"})
	release()
	assert.Equal(t, []string{"teams"}, r.WatchSet())
}

func TestIntent_Key(t *testing.T) {
	a := Intent{Resource: "scores", Kind: changestream.KindAny}
	b := Intent{Resource: "scores"}
	c := Intent{Resource: "scores", Filter: "team_id=eq.1"}
	d := Intent{Resource: "scores", Filter: "team_id=eq.2"}

	assert.Equal(t, a.Key(), b.Key(), "empty kind means any")
	assert.NotEqual(t, a.Key(), c.Key())
	assert.NotEqual(t, c.Key(), d.Key())
}

func TestRegistry_PublishedKeepsResourceNamesIntact(t *testing.T) {
	r, pubs := newRegistry(t, time.Hour)

	release := r.Register(Intent{Resource: "round=1,scores"})
	r.Flush()
	assert.Equal(t, []string{"round=1,scores"}, r.Published())

	release()
	r.Register(Intent{Resource: "scores"})
	r.Register(Intent{Resource: "round=1"})
	r.Flush()
	assert.Equal(t, []string{"round=1", "scores"}, r.Published())
	assert.Len(t, pubs.all(), 2, "a different set with the same joined text still publishes")
}
