package wsstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
)

// Default values
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultDedupCacheSize   = 10000
)

// Config holds WebSocket transport settings
type Config struct {
	URL              string
	Header           http.Header
	MessageTimeout   time.Duration // read deadline; refreshed by every message and pong
	PingInterval     time.Duration // 0 disables pings
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	DedupCacheSize   int
}

// Transport opens change streams over JSON-RPC WebSocket connections.
// It implements changestream.Transport.
type Transport struct {
	cfg    Config
	dedup  *Deduplicator
	logger zerolog.Logger
}

// NewTransport creates a new Transport. The deduplicator is shared by all
// streams so replays after a reconnect are dropped as well.
func NewTransport(cfg Config, logger zerolog.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream URL is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}

	dedup, err := NewDeduplicator(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:    cfg,
		dedup:  dedup,
		logger: logger.With().Str("component", "wsstream").Logger(),
	}, nil
}

// Open dials the service and subscribes to every resource. The returned
// stream has already reported StreamSubscribed.
func (t *Transport) Open(ctx context.Context, resources []string) (changestream.Stream, error) {
	t.logger.Info().Str("url", t.cfg.URL).Strs("resources", resources).Msg("WebSocket connecting")

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	c := newClient(conn, t.cfg, t.dedup, t.logger)
	c.start()

	subCtx, cancel := context.WithTimeout(ctx, t.cfg.SubscribeTimeout)
	defer cancel()

	for _, resource := range resources {
		subID, err := c.subscribe(subCtx, resource)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", resource, err)
		}
		t.logger.Debug().Str("resource", resource).Str("subID", subID).Msg("subscribed")
	}

	c.report(changestream.StreamSubscribed, nil)
	t.logger.Info().Int("subscriptions", len(resources)).Msg("WebSocket connected")
	return c, nil
}
