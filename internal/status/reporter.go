package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
)

// Default values
const (
	DefaultCooldown   = 5 * time.Second
	DefaultRecentSize = 20
)

// Kind is the type of a user-facing notification
type Kind string

// Notification kinds
const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindError        Kind = "error"
)

var allKinds = []Kind{KindConnected, KindDisconnected, KindError}

// Notification is one user-facing connection status message
type Notification struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Config holds reporter settings
type Config struct {
	Cooldown   time.Duration // repeats of one kind inside this window are suppressed; negative disables
	RecentSize int
}

func (c *Config) applyDefaults() {
	switch {
	case c.Cooldown == 0:
		c.Cooldown = DefaultCooldown
	case c.Cooldown < 0:
		c.Cooldown = 0
	}
	if c.RecentSize <= 0 {
		c.RecentSize = DefaultRecentSize
	}
}

// Reporter turns connection transitions and refresh failures into
// notifications, suppressing repeats of the same kind within the cooldown.
//
// The first transition to connected is never announced: consumers only see
// KindConnected after a connection had been lost and came back.
type Reporter struct {
	notifier Notifier
	logger   zerolog.Logger
	cooldown time.Duration
	lastSent *lru.Cache[Kind, time.Time] // guarded by mu
	now      func() time.Time

	mu            sync.Mutex
	everConnected bool
	recent        []Notification
	recentSize    int
}

// NewReporter creates a Reporter that emits to notifier
func NewReporter(cfg Config, notifier Notifier, logger zerolog.Logger) *Reporter {
	cfg.applyDefaults()
	r := &Reporter{
		notifier:   notifier,
		logger:     logger.With().Str("component", "status").Logger(),
		cooldown:   cfg.Cooldown,
		now:        time.Now,
		recentSize: cfg.RecentSize,
	}
	// Size covers every kind, so nothing is ever evicted
	r.lastSent, _ = lru.New[Kind, time.Time](len(allKinds))
	return r
}

// ObserveState handles a connection transition; matches Connection.OnStateChange.
// The initial connect is silent, and disconnected is only reported once a
// connection had been established.
func (r *Reporter) ObserveState(old, new changestream.State) {
	switch new {
	case changestream.StateConnected:
		r.mu.Lock()
		first := !r.everConnected
		r.everConnected = true
		r.mu.Unlock()
		if first {
			r.logger.Debug().Msg("initial connection established")
			return
		}
		r.Report(KindConnected, "Live updates reconnected")
	case changestream.StateDisconnected:
		r.mu.Lock()
		seen := r.everConnected
		r.mu.Unlock()
		if !seen {
			return
		}
		r.Report(KindDisconnected, "Live updates disconnected")
	case changestream.StateErrored:
		r.Report(KindError, "Live updates interrupted, reconnecting")
	}
}

// ObserveError handles a failed refresh callback; matches Coordinator.OnError
func (r *Reporter) ObserveError(key string, err error) {
	r.Report(KindError, fmt.Sprintf("Refreshing %s failed: %v", key, err))
}

// Report emits a notification unless one of the same kind was emitted
// within the cooldown. Returns whether it was emitted.
func (r *Reporter) Report(kind Kind, message string) bool {
	now := r.now()
	r.mu.Lock()
	if r.cooldown > 0 {
		if last, ok := r.lastSent.Get(kind); ok && now.Sub(last) < r.cooldown {
			r.mu.Unlock()
			r.logger.Debug().Str("kind", string(kind)).Time("last", last).Msg("notification suppressed")
			return false
		}
		r.lastSent.Add(kind, now)
	}
	n := Notification{Kind: kind, Message: message, At: now}
	r.recent = append(r.recent, n)
	if len(r.recent) > r.recentSize {
		r.recent = slices.Delete(r.recent, 0, len(r.recent)-r.recentSize)
	}
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.Notify(n)
	}
	return true
}

// Recent returns the latest emitted notifications, oldest first
func (r *Reporter) Recent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recent)
}
