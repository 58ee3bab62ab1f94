package realtime

import (
	"time"

	"judgesync/internal/changestream"
	"judgesync/internal/network"
	"judgesync/internal/refresh"
	"judgesync/internal/registry"
	"judgesync/internal/status"
)

// RunSnapshot is the JSON form of refresh.RunState
type RunSnapshot struct {
	IsRunning  bool       `json:"isRunning"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	RunCount   int        `json:"runCount"`
	ErrorCount int        `json:"errorCount"`
	LastError  string     `json:"lastError,omitempty"`
	Pending    bool       `json:"pending"`
}

func newRunSnapshot(run refresh.RunState, pending bool) RunSnapshot {
	snap := RunSnapshot{
		IsRunning:  run.IsRunning,
		RunCount:   run.RunCount,
		ErrorCount: run.ErrorCount,
		Pending:    pending,
	}
	if !run.LastRunAt.IsZero() {
		at := run.LastRunAt
		snap.LastRunAt = &at
	}
	if run.LastError != nil {
		snap.LastError = run.LastError.Error()
	}
	return snap
}

// Snapshot is a point-in-time view of the whole service
type Snapshot struct {
	Connection changestream.State    `json:"connection"`
	Attempts   int                   `json:"reconnectAttempts"`
	LastError  string                `json:"lastError,omitempty"`
	Resources  []string              `json:"resources"`
	WatchSet   []string              `json:"watchSet"`
	Intents    []registry.IntentInfo `json:"intents"`
	Callbacks  []string              `json:"callbacks"`
	Run        RunSnapshot           `json:"run"`
	Network    network.State         `json:"network"`
	Paused     bool                  `json:"paused"`
	Recent     []status.Notification `json:"recentNotifications"`
}

// Snapshot collects the current state of every component
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Connection: s.conn.State(),
		Attempts:   s.conn.Attempts(),
		Resources:  s.conn.Resources(),
		WatchSet:   s.registry.WatchSet(),
		Intents:    s.registry.Intents(),
		Callbacks:  s.coordinator.Keys(),
		Run:        newRunSnapshot(s.coordinator.State(), s.coordinator.Pending()),
		Network:    s.monitor.State(),
		Paused:     s.Paused(),
		Recent:     s.reporter.Recent(),
	}
	if err := s.conn.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}

// OnRefreshed registers fn to be called after every coordinated refresh
func (s *Service) OnRefreshed(fn func(RunSnapshot)) {
	s.coordinator.OnRun(func(run refresh.RunState) {
		fn(newRunSnapshot(run, s.coordinator.Pending()))
	})
}
