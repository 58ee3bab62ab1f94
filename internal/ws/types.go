package ws

import (
	"judgesync/internal/realtime"
	"judgesync/internal/status"
)

// EventType identifies a message pushed to dashboard clients
type EventType string

const (
	EventNotification EventType = "notification"
	EventRefreshed    EventType = "refreshed"
)

// Event is one message pushed to dashboard clients
type Event struct {
	Type         EventType             `json:"type"`
	Notification *status.Notification  `json:"notification,omitempty"`
	Run          *realtime.RunSnapshot `json:"run,omitempty"`
}
