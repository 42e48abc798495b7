package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/buzzup-hub/tvstream/internal/metrics"
	"github.com/buzzup-hub/tvstream/internal/protocol"
)

// The token sent when no credentials are configured. The server grants a
// delayed-data session for it.
const anonymousToken = "unauthorized_user_token"

// Client represents a single WebSocket connection to the data server.
type Client interface {
	// Connect dials the server, authenticates, and starts the read loop.
	Connect(ctx context.Context) error

	// Send encodes and writes one packet. Writes are serialized; concurrent
	// callers are queued in FIFO order.
	Send(packetType string, params []any) error

	// End closes every registered session, then the connection. Idempotent.
	End() error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Inbound returns a channel carrying a copy of every data frame, for
	// consumers that want the full stream rather than one session. Frames
	// are dropped when the buffer is full.
	Inbound() <-chan Frame

	// Registry returns the session registry bound to this connection.
	Registry() *Registry
}

// client implements the Client interface.
type client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	registry *Registry

	conn *websocket.Conn

	inbound chan Frame
	done    chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool

	wg sync.WaitGroup
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DialMaxElapsed <= 0 {
		cfg.DialMaxElapsed = def.DialMaxElapsed
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		registry: NewRegistry(logger, m),
		inbound:  make(chan Frame, cfg.InboundBuffer),
		done:     make(chan struct{}),
	}
}

// Connect dials the server, sends the auth token, and waits for the server
// hello before starting the read and heartbeat loops.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	token := c.cfg.Token
	if token == "" {
		token = anonymousToken
	}
	if err := c.writePacket(conn, "set_auth_token", []any{token}); err != nil {
		conn.Close()
		return &NetworkError{Op: "auth", Err: err}
	}

	if err := c.awaitHello(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Info("connected", "server", c.cfg.Server)
	return nil
}

// dial establishes the raw WebSocket connection, retrying transient
// failures with exponential backoff.
func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.DialMaxElapsed

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, c.cfg.url(), header)
		if err != nil {
			c.logger.Debug("dial failed, retrying", "server", c.cfg.Server, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	return conn, nil
}

// awaitHello waits for the first server packet after authentication. A
// protocol error here means the token was rejected; silence means the
// handshake timed out.
func (c *client) awaitHello(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrTimeout
		}
		return &NetworkError{Op: "handshake", Err: err}
	}

	for _, pkt := range protocol.ParsePackets(data) {
		switch pkt.Type {
		case "protocol_error", "critical_error":
			return &AuthError{Reason: describeError(pkt.Data)}
		}
	}
	return nil
}

// End closes every registered session, then the connection.
func (c *client) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	// Sessions first, while the connection is still writable: each one
	// sends its own delete frame before the socket goes away.
	c.registry.CloseAll()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}

	c.wg.Wait()
	c.logger.Info("connection closed", "server", c.cfg.Server)
	return nil
}

// Send encodes and writes one packet.
func (c *client) Send(packetType string, params []any) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	return c.writePacket(conn, packetType, params)
}

func (c *client) writePacket(conn *websocket.Conn, packetType string, params []any) error {
	data, err := protocol.FormatPacket(packetType, protocol.EncodeParams(packetType, params))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &NetworkError{Op: "send " + packetType, Err: err}
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Inbound returns the inbound tap channel.
func (c *client) Inbound() <-chan Frame {
	return c.inbound
}

// Registry returns the session registry.
func (c *client) Registry() *Registry {
	return c.registry
}

// readLoop reads messages, echoes heartbeats, and routes data frames.
func (c *client) readLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("read failed, connection lost", "error", err)
			}
			return
		}

		for _, pkt := range protocol.ParsePackets(data) {
			if pkt.IsPing {
				c.echoPing(pkt.Ping)
				continue
			}

			c.metrics.FrameReceived()
			frame := Frame{
				Type:       pkt.Type,
				SessionID:  pkt.SessionID(),
				Data:       pkt.Data,
				ReceivedAt: receivedAt,
			}
			c.registry.Dispatch(frame)

			select {
			case c.inbound <- frame:
			default:
				c.metrics.FrameDropped()
				c.logger.Warn("inbound buffer full, dropping frame",
					"type", frame.Type,
					"session_id", frame.SessionID,
				)
			}
		}
	}
}

// echoPing replies to a server heartbeat with the same id.
func (c *client) echoPing(id int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, protocol.FormatPing(id)); err != nil {
		c.logger.Debug("failed to echo ping", "error", err)
	}
}

// heartbeatLoop sends periodic client-side heartbeats so idle connections
// are not reaped by intermediaries.
func (c *client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.echoPing(time.Now().UnixMilli())
		}
	}
}

// describeError flattens a protocol_error parameter list into one string.
func describeError(params []any) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		if s, ok := p.(string); ok {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "protocol error"
	}
	return strings.Join(parts, ": ")
}
