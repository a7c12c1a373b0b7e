package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"knockknock-core/pkg/constants"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
)

// frame is the JSON envelope of every websocket message
type frame struct {
	Event string     `json:"event,omitempty"`
	Data  RawMessage `json:"data,omitempty"`
	AckID uint64     `json:"ackId,omitempty"`
	Ack   uint64     `json:"ack,omitempty"`
}

// ClientConfig holds relay connection configuration
type ClientConfig struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// Client is a Channel over a gorilla websocket. A single writer goroutine owns
// the connection's write side.
type Client struct {
	cfg        ClientConfig
	dialer     *websocket.Dialer
	dispatcher *Dispatcher
	metrics    *metrics.Metrics

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected atomic.Bool

	nextAck   atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan RawMessage
}

// NewClient creates a new relay client. It does not dial until Connect.
func NewClient(cfg ClientConfig, m *metrics.Metrics) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = constants.WebSocketPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = constants.WebSocketWriteWait
	}
	return &Client{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		dispatcher: NewDispatcher(m),
		metrics:    m,
		pending:    make(map[uint64]chan RawMessage),
	}
}

// Connect dials the relay. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	c.conn = conn
	c.send = make(chan []byte, 256)
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.writePump(conn, c.send, c.done)
	go c.readPump(conn, c.done)
	c.mu.Unlock()

	c.metrics.SetSignalingConnected(true)
	logger.Info("Signaling channel connected", zap.String("url", c.cfg.URL))

	c.dispatcher.Connected()
	return nil
}

// Connected reports whether the socket is up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Subscribe registers an inbound event handler
func (c *Client) Subscribe(h Handler) func() {
	return c.dispatcher.Subscribe(h)
}

// OnConnect registers a hook run after every connect
func (c *Client) OnConnect(fn func()) {
	c.dispatcher.OnConnect(fn)
}

// Emit sends an event without an acknowledgement
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	err := c.write(ctx, event, payload, 0)
	c.metrics.RecordSignalingEvent(event, "out", resultOf(err))
	return err
}

// Request sends an event and waits for its acknowledgement
func (c *Client) Request(ctx context.Context, event string, payload any, reply any) error {
	id := c.nextAck.Add(1)
	ch := make(chan RawMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	err := c.request(ctx, event, payload, reply, id, ch)
	c.metrics.RecordSignalingRequest(event, err)
	return err
}

func (c *Client) request(ctx context.Context, event string, payload, reply any, id uint64, ch chan RawMessage) error {
	if err := c.write(ctx, event, payload, id); err != nil {
		return err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return apperrors.SignalingUnavailableError()
		}
		if reply == nil {
			reply = &AckStatus{}
		}
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, reply); err != nil {
			return fmt.Errorf("failed to decode %s ack: %w", event, err)
		}
		return CheckAck(event, reply)
	case <-ctx.Done():
		return fmt.Errorf("%s ack: %w", event, ctx.Err())
	}
}

func (c *Client) write(ctx context.Context, event string, payload any, ackID uint64) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	msg, err := json.Marshal(frame{Event: event, Data: data, AckID: ackID})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()
	if !c.connected.Load() || send == nil {
		return apperrors.SignalingUnavailableError()
	}

	select {
	case send <- msg:
		return nil
	case <-done:
		return apperrors.SignalingUnavailableError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteWait))
	return conn.Close()
}

// disconnected tears down connection state once per connection
func (c *Client) disconnected(conn *websocket.Conn, done chan struct{}) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.send = nil
	c.connected.Store(false)
	close(done)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.metrics.SetSignalingConnected(false)
	logger.Warn("Signaling channel disconnected", zap.String("url", c.cfg.URL))
}

// readPump reads frames from the websocket
func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		c.disconnected(conn, done)
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Relay connection closed", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			logger.Warn("Invalid frame from relay", zap.Error(err))
			continue
		}

		if f.Ack != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.Ack]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f.Data:
				default:
				}
			}
			continue
		}

		if f.Event != "" {
			c.dispatcher.Dispatch(f.Event, f.Data)
		}
	}
}

// writePump writes frames to the websocket
func (c *Client) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
