package status

import (
	"sync"

	"github.com/rs/zerolog"
)

// Notifier delivers notifications to the user. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

// Notify implements Notifier
func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifications").Logger()}
}

// Notify implements Notifier
func (l *LogNotifier) Notify(n Notification) {
	event := l.logger.Info()
	if n.Kind == KindError || n.Kind == KindDisconnected {
		event = l.logger.Warn()
	}
	event.Str("kind", string(n.Kind)).Msg(n.Message)
}

// Fanout forwards every notification to all attached notifiers
type Fanout struct {
	mu        sync.RWMutex
	nextID    uint64
	notifiers map[uint64]Notifier
}

// NewFanout creates a Fanout with the given initial notifiers
func NewFanout(notifiers ...Notifier) *Fanout {
	f := &Fanout{notifiers: make(map[uint64]Notifier)}
	for _, n := range notifiers {
		f.Attach(n)
	}
	return f
}

// Attach adds n and returns a func that detaches it
func (f *Fanout) Attach(n Notifier) (detach func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.notifiers[id] = n
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.notifiers, id)
			f.mu.Unlock()
		})
	}
}

// Len returns the number of attached notifiers
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.notifiers)
}

// Notify implements Notifier
func (f *Fanout) Notify(n Notification) {
	f.mu.RLock()
	targets := make([]Notifier, 0, len(f.notifiers))
	for _, t := range f.notifiers {
		targets = append(targets, t)
	}
	f.mu.RUnlock()

	for _, t := range targets {
		t.Notify(n)
	}
}
