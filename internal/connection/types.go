package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrTimeout       = errors.New("operation timeout")
	ErrAlreadyClosed = errors.New("already closed")
)

// AuthError reports a rejected token or a protocol-level rejection during the
// handshake. It is not retryable.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// NetworkError wraps a transport failure with the operation that hit it.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Frame is a decoded inbound packet paired with its receive timestamp.
type Frame struct {
	Type       string    // Packet type ("qsd", "timescale_update", ...)
	SessionID  string    // Addressed session, "" for unaddressed frames
	Data       []any     // Packet parameters (p array)
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	Server           string        // Data server host (e.g., data.tradingview.com)
	URL              string        // Explicit endpoint; overrides Server when set
	Origin           string        // Origin header value sent on dial
	Token            string        // Auth token ("" = unauthorized session)
	HandshakeTimeout time.Duration // Max wait for the server hello after dial
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Client heartbeat interval
	InboundBuffer    int           // Inbound tap channel buffer size
	DialMaxElapsed   time.Duration // Total retry budget for the initial dial
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:           "data.tradingview.com",
		Origin:           "https://www.tradingview.com",
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		InboundBuffer:    10000,
		DialMaxElapsed:   30 * time.Second,
	}
}

// url returns the websocket endpoint for the configured server.
func (c ClientConfig) url() string {
	if c.URL != "" {
		return c.URL
	}
	return "wss://" + c.Server + "/socket.io/websocket"
}
