package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAuthFailed      = errors.New("feed authentication failed")
	ErrAuthTimeout     = errors.New("feed authentication timed out")
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAwaitingAuth  State = "awaiting_auth"
	StateAuthenticated State = "authenticated"
	StatePaused        State = "paused"
)

// StateChange describes one transition, broadcast to listeners in
// transition order.
type StateChange struct {
	From State
	To   State
	// Err is set for transitions caused by a failure (transport error,
	// auth rejection, auth timeout).
	Err error
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from the transport
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// -----------------------------------------------------------------------------
// Wire Protocol
// -----------------------------------------------------------------------------

// Command is an outbound feed message.
type Command struct {
	Action  string            `json:"action"` // "authenticate", "subscribe", "unsubscribe"
	APIKey  string            `json:"api_key,omitempty"`
	Symbols []model.SymbolRef `json:"symbols,omitempty"`
	Mode    model.Mode        `json:"mode,omitempty"`
}

// Envelope is the common shape of inbound feed messages, parsed just
// far enough to route them.
type Envelope struct {
	Type    string          `json:"type"` // "auth", "market_data", "error"
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ClientConfig configures a websocket client.
type ClientConfig struct {
	URL              string        // Transport URL from the credential endpoint
	HandshakeTimeout time.Duration // Dial handshake deadline
	PingTimeout      time.Duration // Max time without ping before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	// WSURL overrides the transport URL from the credential endpoint
	// when non-empty (local test feeds).
	WSURL string

	AuthTimeout       time.Duration // Deadline for AwaitingAuth → Authenticated
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	ReconnectJitter   float64       // Fractional jitter applied to each wait, 0-1
	// ReconnectMaxAttempts caps consecutive failed reconnects; 0 = unlimited.
	ReconnectMaxAttempts int

	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	MessageBufferSize int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AuthTimeout:       10 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		ReconnectJitter:   0.2,
		PingTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		MessageBufferSize: 10000,
	}
}
