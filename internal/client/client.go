package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tickbridge/relay/internal/model"
	"github.com/tickbridge/relay/internal/ws"
)

// Client is one endpoint connection to the relay.
type Client interface {
	// Connect dials the relay and completes the auth exchange. A
	// handshake failure returns a *ws.HandshakeError.
	Connect(ctx context.Context) error

	// Close tears the connection down and stops the reconnect loop.
	Close() error

	// Send marshals v (or passes []byte through) onto the connection.
	Send(v any) error

	// Messages returns the channel of raw inbound messages.
	Messages() <-chan []byte

	// Errors returns the channel of connection errors.
	Errors() <-chan error

	// IsConnected reports whether the client is currently authenticated
	// and connected.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    Config
	logger *slog.Logger

	messages chan []byte
	errors   chan error
	done     chan struct{}

	mu        sync.RWMutex
	conn      *ws.Conn
	connected bool
	closed    bool

	wg sync.WaitGroup
}

// New creates a Client. If logger is nil, slog.Default() is used.
func New(cfg Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &client{
		cfg:      cfg,
		logger:   logger.With("component", "client"),
		messages: make(chan []byte, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials and authenticates, then hands the connection to the
// background read loop. The first attempt is synchronous so the caller
// sees handshake and credential failures directly; reconnects after a
// drop happen on the client's own goroutine.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	conn, err := c.dialAndAuth(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, conn)

	c.logger.Debug("connected", "url", c.cfg.URL)
	return nil
}

// Close stops the client. Safe to call more than once.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Send writes one message to the relay. A []byte or json.RawMessage
// passes through untouched; anything else is marshalled.
func (c *client) Send(v any) error {
	var data []byte
	switch m := v.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		data = b
	}

	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

// Messages returns the inbound message channel.
func (c *client) Messages() <-chan []byte { return c.messages }

// Errors returns the connection error channel.
func (c *client) Errors() <-chan error { return c.errors }

// IsConnected reports the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// dialAndAuth establishes one authenticated connection: websocket
// upgrade, signed auth message, wait for the relay's verdict.
func (c *client) dialAndAuth(ctx context.Context) (*ws.Conn, error) {
	dialer := ws.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
	}
	conn, err := dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UnixMilli()
	authMsg, err := json.Marshal(model.Auth{
		Type:      model.KindAuth,
		APIKey:    c.cfg.Credentials.APIKey,
		Timestamp: ts,
		Signature: c.cfg.Credentials.Sign(ts),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(authMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	// Anything the relay pushes before the verdict is dropped; nothing
	// is subscribed yet, so only heartbeats can race the response.
	conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrAuthTimeout, err)
		}
		kind, err := model.Kind(raw)
		if err != nil || kind != model.KindAuthResponse {
			continue
		}

		var resp model.AuthResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			conn.Close()
			return nil, fmt.Errorf("decode auth response: %w", err)
		}
		if !resp.Success {
			conn.Close()
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Error)
			}
			return nil, ErrAuthRejected
		}
		conn.SetReadDeadline(time.Time{})
		return conn, nil
	}
}

// run services the connection and redials after drops until the client
// is closed or reconnection is disabled.
func (c *client) run(ctx context.Context, conn *ws.Conn) {
	defer c.wg.Done()

	for {
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect(c)
		}

		err := c.readLoop(conn)

		c.mu.Lock()
		c.connected = false
		closed := c.closed
		c.mu.Unlock()
		conn.Close()

		if closed || ctx.Err() != nil {
			return
		}
		if err != nil {
			c.reportError(err)
		}
		if !c.cfg.Reconnect {
			return
		}

		next, ok := c.redial(ctx)
		if !ok {
			return
		}
		conn = next

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("reconnected", "url", c.cfg.URL)
	}
}

// readLoop forwards inbound messages to the messages channel until the
// connection drops. Relay heartbeats are answered with a ping so the
// session activity clock keeps advancing.
func (c *client) readLoop(conn *ws.Conn) error {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}

		if kind, err := model.Kind(raw); err == nil && kind == model.KindHeartbeat {
			pong, err := json.Marshal(model.Ping{Type: model.KindPing, Time: time.Now().UnixMilli()})
			if err == nil {
				conn.WriteMessage(pong)
			}
		}

		select {
		case c.messages <- raw:
		case <-c.done:
			return nil
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// redial retries dialAndAuth with exponential backoff until it
// succeeds or the client closes.
func (c *client) redial(ctx context.Context) (*ws.Conn, bool) {
	delay := c.cfg.ReconnectBaseDelay
	for {
		select {
		case <-c.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, err := c.dialAndAuth(ctx)
		if err == nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if closed {
				conn.Close()
				return nil, false
			}
			return conn, true
		}
		c.logger.Warn("reconnect failed", "error", err, "retry_in", delay)

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// reportError delivers an error without blocking; a full channel drops
// the older error in favor of keeping the loop moving.
func (c *client) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}
