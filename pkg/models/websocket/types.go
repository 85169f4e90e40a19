// Package websocket defines the wire protocol of the collaboration core:
// the client and server envelopes, connection metadata, and the standard
// error codes returned over the socket.
package websocket

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Client message types
const (
	MessageTypeJoin           = "join"
	MessageTypeOperation      = "operation"
	MessageTypePresenceUpdate = "presence_update"
	MessageTypeHeartbeat      = "heartbeat"
	MessageTypeAck            = "ack"
	MessageTypeResume         = "resume"
)

// Server message types
const (
	ServerTypeEvent     = "event"
	ServerTypeOpAck     = "op_ack"
	ServerTypePresence  = "presence"
	ServerTypeSnapshot  = "snapshot"
	ServerTypeWelcome   = "welcome"
	ServerTypeHeartbeat = "heartbeat_ack"
	ServerTypeError     = "error"
)

// ClientEnvelope is the transport-agnostic message a client sends over a
// persistent bidirectional connection
type ClientEnvelope struct {
	MessageType    string          `json:"messageType"`
	RoomID         string          `json:"roomId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ClientSequence uint64          `json:"clientSequence,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// ServerEnvelope is the message the server sends to clients
type ServerEnvelope struct {
	EventID        string            `json:"eventId,omitempty"`
	RoomID         string            `json:"roomId,omitempty"`
	SequenceNumber uint64            `json:"sequenceNumber,omitempty"`
	VectorClock    map[string]uint64 `json:"vectorClock,omitempty"`
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Error          *Error            `json:"error,omitempty"`
}

// Error represents a wire-level error
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes
const (
	ErrCodeInvalidMessage = 4000
	ErrCodeAuthFailed     = 4001
	ErrCodeRateLimited    = 4002
	ErrCodeServerError    = 4003
	ErrCodeUnknownRoom    = 4004
	ErrCodeInvalidParams  = 4005
	ErrCodeEntityLocked   = 4006
	ErrCodeStaleOperation = 4007
	ErrCodeConflict       = 4008
	ErrCodeStorageFailed  = 4009
)

// NewError creates a new wire error
func NewError(code int, message string, data interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// ConnectionState represents the lifecycle state of a connection
type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateConnected
	ConnectionStateClosing
	ConnectionStateClosed
)

// Connection carries the identity and lifecycle metadata of one
// participant connection. One participant may hold several concurrent
// connections (multi-device).
type Connection struct {
	ID            string
	ParticipantID string
	RoomID        string
	State         atomic.Value // ConnectionState
	CreatedAt     time.Time
	LastPing      time.Time
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	if state := c.State.Load(); state != nil {
		return state.(ConnectionState)
	}
	return ConnectionStateClosed
}

// SetState sets the connection state
func (c *Connection) SetState(state ConnectionState) {
	c.State.Store(state)
}

// IsActive checks if the connection is connecting or connected
func (c *Connection) IsActive() bool {
	state := c.GetState()
	return state == ConnectionStateConnected || state == ConnectionStateConnecting
}
