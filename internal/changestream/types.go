package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ChangeKind is the kind of row change a watch is interested in
type ChangeKind string

const (
	KindInsert ChangeKind = "INSERT"
	KindUpdate ChangeKind = "UPDATE"
	KindDelete ChangeKind = "DELETE"
	KindAny    ChangeKind = "*"
)

// Valid returns true for the known kinds
func (k ChangeKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindAny:
		return true
	default:
		return false
	}
}

// Change is a single change notification from the backend
type Change struct {
	ID              string          `json:"id"`
	Resource        string          `json:"resource"`
	Kind            ChangeKind      `json:"event"`
	Record          json.RawMessage `json:"record,omitempty"`
	CommitTimestamp time.Time       `json:"commitTimestamp"`
}

// StreamStatus is a status report from an open stream
type StreamStatus int

const (
	// StreamSubscribed means every resource of the stream is being watched
	StreamSubscribed StreamStatus = iota
	// StreamErrored means the stream failed and will deliver nothing more
	StreamErrored
	// StreamClosed means the remote side closed the stream
	StreamClosed
)

// String returns a human-readable status name
func (s StreamStatus) String() string {
	switch s {
	case StreamSubscribed:
		return "subscribed"
	case StreamErrored:
		return "errored"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one live transport-level subscription over a set of resources.
// Handlers registered after a status was reported still receive the latest status.
type Stream interface {
	OnChange(fn func(Change))
	OnStatus(fn func(status StreamStatus, err error))
	Close() error
}

// Transport opens streams against the change-notification backend
type Transport interface {
	Open(ctx context.Context, resources []string) (Stream, error)
}

// Trigger receives a signal for every inbound change
type Trigger interface {
	Trigger()
}

// TriggerFunc adapts a function to Trigger
type TriggerFunc func()

// Trigger calls f
func (f TriggerFunc) Trigger() { f() }

// State is the connection state as seen by observers
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection errors
var (
	ErrNoResources  = errors.New("no resources to watch")
	ErrStreamClosed = errors.New("stream closed by remote")
	ErrShutdown     = errors.New("connection shut down")
)
