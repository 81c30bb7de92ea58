package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	// Token authorizes HTTP RPC calls after a successful handshake.
	Token string `json:"token,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client represents a connected WebSocket client. Writes are serialized;
// gorilla connections allow one concurrent writer.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	mu            sync.Mutex
	authenticated bool
	challenge     string
	authAttempts  int
	state         ClientState
	lastActivity  time.Time

	writeMu sync.Mutex
}

// NewClient wraps a connection.
func NewClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// IsAuthenticated reports whether the handshake succeeded
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// State returns the connection state
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
}

// WriteJSON sends v as one text frame
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends a raw frame
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.Conn.Close()
}

const writeTimeout = 10 * time.Second
