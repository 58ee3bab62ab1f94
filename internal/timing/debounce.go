package timing

import (
	"sync"
	"time"
)

// Debouncer delivers the latest value passed to Set once no further Set
// call has happened for the configured delay.
type Debouncer[T any] struct {
	delay time.Duration
	sink  func(T)

	mu      sync.Mutex
	timer   *time.Timer
	value   T
	pending bool
	gen     uint64
}

// NewDebouncer creates a Debouncer that hands settled values to sink
func NewDebouncer[T any](delay time.Duration, sink func(T)) *Debouncer[T] {
	return &Debouncer[T]{
		delay: delay,
		sink:  sink,
	}
}

// Set records v as the latest value and restarts the quiet-period timer
func (d *Debouncer[T]) Set(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.value = v
	d.pending = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Flush delivers the pending value immediately, if any
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	v := d.take()
	d.mu.Unlock()

	d.sink(v)
}

// Stop cancels the pending timer and discards the pending value.
// The Debouncer may be used again after Stop.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		d.take()
	}
}

// Pending reports whether a value is waiting for its quiet period to end
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	// A timer that was stopped too late still runs; the generation tells us.
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	v := d.take()
	d.mu.Unlock()

	d.sink(v)
}

// take must be called with mu held
func (d *Debouncer[T]) take() T {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	v := d.value
	var zero T
	d.value = zero
	d.pending = false
	d.gen++
	return v
}
