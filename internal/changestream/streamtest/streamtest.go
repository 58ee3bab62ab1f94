// Package streamtest provides an in-memory changestream.Transport for tests.
package streamtest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"judgesync/internal/changestream"
)

// ErrRefused is returned by Open while the transport is set to fail
var ErrRefused = errors.New("streamtest: connection refused")

// Transport records every Open call and hands out controllable streams
type Transport struct {
	mu        sync.Mutex
	fail      bool
	autoReady bool
	opens     []Open
	streams   []*Stream
}

// Open describes one Open call
type Open struct {
	At        time.Time
	Resources []string
}

// NewTransport creates a transport; with autoReady every stream reports
// StreamSubscribed as soon as it is opened.
func NewTransport(autoReady bool) *Transport {
	return &Transport{autoReady: autoReady}
}

// SetFail makes subsequent Open calls fail (or succeed again)
func (t *Transport) SetFail(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

// Open implements changestream.Transport
func (t *Transport) Open(ctx context.Context, resources []string) (changestream.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opens = append(t.opens, Open{At: time.Now(), Resources: slices.Clone(resources)})
	if t.fail {
		return nil, ErrRefused
	}
	s := &Stream{resources: slices.Clone(resources)}
	if t.autoReady {
		s.status = &statusEvent{status: changestream.StreamSubscribed}
	}
	t.streams = append(t.streams, s)
	return s, nil
}

// Opens returns all recorded Open calls
func (t *Transport) Opens() []Open {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.opens)
}

// Streams returns every stream handed out so far
func (t *Transport) Streams() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.streams)
}

// Last returns the most recent stream, or nil
func (t *Transport) Last() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

// LiveCount returns the number of streams not yet closed
func (t *Transport) LiveCount() int {
	t.mu.Lock()
	streams := slices.Clone(t.streams)
	t.mu.Unlock()

	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

type statusEvent struct {
	status changestream.StreamStatus
	err    error
}

// Stream is a controllable changestream.Stream
type Stream struct {
	mu        sync.Mutex
	resources []string
	onChange  func(changestream.Change)
	onStatus  func(changestream.StreamStatus, error)
	status    *statusEvent
	closed    bool
}

// Resources returns the resources the stream was opened with
func (s *Stream) Resources() []string {
	return slices.Clone(s.resources)
}

// OnChange implements changestream.Stream
func (s *Stream) OnChange(fn func(changestream.Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// OnStatus implements changestream.Stream; the latest status is replayed
func (s *Stream) OnStatus(fn func(changestream.StreamStatus, error)) {
	s.mu.Lock()
	s.onStatus = fn
	last := s.status
	s.mu.Unlock()
	if last != nil {
		fn(last.status, last.err)
	}
}

// Close implements changestream.Stream
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers a change to the registered handler
func (s *Stream) Emit(ch changestream.Change) {
	s.mu.Lock()
	fn := s.onChange
	closed := s.closed
	s.mu.Unlock()
	if fn != nil && !closed {
		fn(ch)
	}
}

// Report delivers a status to the registered handler
func (s *Stream) Report(status changestream.StreamStatus, err error) {
	s.mu.Lock()
	s.status = &statusEvent{status: status, err: err}
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
