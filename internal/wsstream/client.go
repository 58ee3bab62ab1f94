package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
	"judgesync/internal/jsonrpc"
)

var errConnClosed = errors.New("connection closed")

type subscribeParams struct {
	Resource string                  `json:"resource"`
	Event    changestream.ChangeKind `json:"event"`
}

type statusEvent struct {
	status changestream.StreamStatus
	err    error
}

// client owns a single WebSocket connection carrying one subscription per resource.
// It implements changestream.Stream.
type client struct {
	messageTimeout time.Duration
	pingInterval   time.Duration
	logger         zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpc.Response
	pendingMu sync.Mutex
	reqID     int64

	subs   map[string]string // subscription id -> resource
	subsMu sync.RWMutex

	dedup     *Deduplicator
	eventChan chan changestream.Change

	handlerMu  sync.Mutex
	onChange   func(changestream.Change)
	onStatus   func(changestream.StreamStatus, error)
	lastStatus *statusEvent
	failed     bool

	dispatchOnce sync.Once
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func newClient(conn *websocket.Conn, cfg Config, dedup *Deduplicator, logger zerolog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		messageTimeout: cfg.MessageTimeout,
		pingInterval:   cfg.PingInterval,
		logger:         logger,
		conn:           conn,
		pending:        make(map[int64]chan *jsonrpc.Response),
		subs:           make(map[string]string),
		dedup:          dedup,
		eventChan:      make(chan changestream.Change, 1024),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *client) start() {
	c.setPongHandler()
	c.wg.Add(1)
	go c.readLoop()
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
}

func (c *client) readTimeout() time.Duration {
	if c.messageTimeout == 0 {
		return 60 * time.Second
	}
	return c.messageTimeout
}

func (c *client) setPongHandler() {
	readTimeout := c.readTimeout()
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
}

// OnChange implements changestream.Stream. Changes that arrived before the
// first handler was set are queued and delivered to it.
func (c *client) OnChange(fn func(changestream.Change)) {
	c.handlerMu.Lock()
	c.onChange = fn
	c.handlerMu.Unlock()

	c.dispatchOnce.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		c.wg.Add(1)
		go c.dispatchWorker()
	})
}

// OnStatus implements changestream.Stream. The latest status is replayed to fn.
func (c *client) OnStatus(fn func(changestream.StreamStatus, error)) {
	c.handlerMu.Lock()
	c.onStatus = fn
	last := c.lastStatus
	c.handlerMu.Unlock()
	if last != nil {
		fn(last.status, last.err)
	}
}

func (c *client) report(status changestream.StreamStatus, err error) {
	c.handlerMu.Lock()
	if c.failed {
		c.handlerMu.Unlock()
		return
	}
	if status != changestream.StreamSubscribed {
		c.failed = true
	}
	c.lastStatus = &statusEvent{status: status, err: err}
	fn := c.onStatus
	c.handlerMu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// subscribe sends realtime_subscribe for one resource and records the subscription id
func (c *client) subscribe(ctx context.Context, resource string) (string, error) {
	params := []subscribeParams{{Resource: resource, Event: changestream.KindAny}}
	resp, err := c.call(ctx, jsonrpc.MethodSubscribe, params)
	if err != nil {
		return "", err
	}
	if resp.HasError() {
		return "", fmt.Errorf("subscription error: %s", resp.Error.Message)
	}

	var subID string
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		return "", fmt.Errorf("failed to parse subscription ID: %w", err)
	}

	c.subsMu.Lock()
	c.subs[subID] = resource
	c.subsMu.Unlock()
	return subID, nil
}

func (c *client) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	reqID := atomic.AddInt64(&c.reqID, 1)
	respChan := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(reqID))
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if err := c.write(req); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, errConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		forget()
		return nil, errConnClosed
	}
}

func (c *client) write(req *jsonrpc.Request) error {
	data, err := req.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements changestream.Stream. It unsubscribes best-effort, closes
// the socket and waits for all goroutines to exit.
func (c *client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.subsMu.RLock()
		subIDs := make([]string, 0, len(c.subs))
		for id := range c.subs {
			subIDs = append(subIDs, id)
		}
		c.subsMu.RUnlock()

		for _, id := range subIDs {
			req, err := jsonrpc.NewRequest(jsonrpc.MethodUnsubscribe, []string{id}, jsonrpc.NewIDInt(atomic.AddInt64(&c.reqID, 1)))
			if err != nil {
				continue
			}
			if err := c.write(req); err != nil {
				break
			}
		}

		c.cancel()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		closeErr = c.conn.Close()

		c.failPending()
		c.wg.Wait()
		c.logger.Debug().Int("subscriptions", len(subIDs)).Msg("WebSocket stream closed")
	})
	return closeErr
}

func (c *client) failPending() {
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
	}
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.pendingMu.Unlock()
}

func (c *client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.wg.Done()
	readTimeout := c.readTimeout()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.failPending()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("WebSocket closed by remote")
				c.report(changestream.StreamClosed, fmt.Errorf("%w: %v", changestream.ErrStreamClosed, err))
			} else {
				c.logger.Warn().Err(err).Msg("WebSocket connection lost")
				c.report(changestream.StreamErrored, err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *client) handleMessage(data []byte) {
	msg, err := jsonrpc.ParseMessage(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
		return
	}

	if msg.Notification != nil {
		c.handleNotification(msg.Notification)
		return
	}

	reqID, ok := msg.Response.ID.Int64()
	if !ok {
		return
	}
	c.pendingMu.Lock()
	ch, exists := c.pending[reqID]
	if exists {
		delete(c.pending, reqID)
	}
	c.pendingMu.Unlock()

	if exists {
		select {
		case ch <- msg.Response:
		default:
		}
	}
}

func (c *client) handleNotification(n *jsonrpc.Notification) {
	c.subsMu.RLock()
	resource, known := c.subs[n.Params.Subscription]
	c.subsMu.RUnlock()
	if !known {
		c.logger.Warn().Str("subscription", n.Params.Subscription).Msg("subscription notification, no handler")
		return
	}

	var ch changestream.Change
	if err := json.Unmarshal(n.Params.Result, &ch); err != nil {
		c.logger.Warn().Err(err).Str("subscription", n.Params.Subscription).Msg("failed to parse change")
		return
	}
	if ch.Resource == "" {
		ch.Resource = resource
	}
	if c.dedup != nil && c.dedup.IsDuplicate(ch) {
		c.logger.Debug().Str("id", ch.ID).Msg("duplicate change dropped")
		return
	}

	select {
	case <-c.ctx.Done():
	case c.eventChan <- ch:
	default:
		c.logger.Warn().Str("resource", ch.Resource).Msg("event queue full, dropping change")
	}
}

func (c *client) dispatchWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ch := <-c.eventChan:
			c.deliver(ch)
		}
	}
}

func (c *client) deliver(ch changestream.Change) {
	c.handlerMu.Lock()
	fn := c.onChange
	c.handlerMu.Unlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("resource", ch.Resource).Msg("change handler panic")
		}
	}()
	start := time.Now()
	fn(ch)
	if d := time.Since(start); d > 2*time.Second {
		c.logger.Warn().Dur("handlerDuration", d).Msg("change handler slow")
	}
}
