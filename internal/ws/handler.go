package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"judgesync/internal/realtime"
	"judgesync/internal/status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Hub pushes status notifications and refresh completions to every
// connected dashboard. It implements status.Notifier.
type Hub struct {
	replay func() []status.Notification
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub. New clients first receive the notifications
// returned by replay, if set.
func NewHub(replay func() []status.Notification, logger zerolog.Logger) *Hub {
	return &Hub{
		replay:  replay,
		logger:  logger.With().Str("component", "ws").Logger(),
		clients: make(map[*Client]struct{}),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().Str("remoteAddr", r.RemoteAddr).Msg("new WebSocket connection")

	client := NewClient(conn, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())

	// Register before replaying so nothing emitted in between is missed
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
	}()

	if h.replay != nil {
		for _, n := range h.replay() {
			if data, ok := h.encode(Event{Type: EventNotification, Notification: &n}); ok {
				client.send(data)
			}
		}
	}

	client.Run(r.Context())
}

// Notify implements status.Notifier
func (h *Hub) Notify(n status.Notification) {
	h.broadcast(Event{Type: EventNotification, Notification: &n})
}

// PublishRun announces a finished coordinated refresh
func (h *Hub) PublishRun(run realtime.RunSnapshot) {
	h.broadcast(Event{Type: EventRefreshed, Run: &run})
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) broadcast(ev Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.send(data)
	}
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return nil, false
	}
	return data, true
}
