// ABOUTME: Wire protocol for the tunnel: message envelope, payloads, and codec.
// ABOUTME: Every frame is one JSON envelope; correlation ids pair requests with replies.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates the envelope payload.
type MessageType string

const (
	TypeAuthRequest   MessageType = "auth_request"
	TypeAuthResponse  MessageType = "auth_response"
	TypeQueryRequest  MessageType = "query_request"
	TypeQueryResponse MessageType = "query_response"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeHeartbeatAck  MessageType = "heartbeat_ack"
	TypeError         MessageType = "error"
)

// AuthCorrelationID is the fixed correlation id of the authentication
// exchange. Auth happens exactly once per socket, before any queries, so it
// needs no generated id.
const AuthCorrelationID = "auth"

// DefaultMaxMessageSize bounds a single frame in either direction.
const DefaultMaxMessageSize = 4 << 20

var (
	ErrUnknownType        = errors.New("unknown message type")
	ErrMessageTooLarge    = errors.New("message exceeds size limit")
	ErrMissingCorrelation = errors.New("missing correlation id")
)

// Message is the envelope every frame carries. The payload stays raw until
// the receiver knows, from Type, what to decode it into.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest is the first frame an agent sends on a new socket.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse is the gateway's verdict on an AuthRequest.
type AuthResponse struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// QueryRequest asks the agent to run one SQL statement.
type QueryRequest struct {
	SQL       string `json:"sql"`
	Params    []any  `json:"params,omitempty"`
	RowLimit  int    `json:"row_limit,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// QueryResponse carries either rows or a structured error, never both.
type QueryResponse struct {
	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	Error     *QueryError      `json:"error,omitempty"`
}

// Error kinds an agent may report for a failed query.
const (
	ErrKindExecution = "execution"
	ErrKindTimeout   = "timeout"
	ErrKindRejected  = "rejected"
)

// QueryError is a query failure reported by the agent. It travels as data,
// not as a transport fault, so one bad query never disturbs the tunnel.
type QueryError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorPayload reports a protocol violation to the peer.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// Codec encodes and decodes envelopes, enforcing the frame size limit and
// the correlation rules on both directions.
type Codec struct {
	maxSize int
}

// NewCodec returns a Codec bounded at maxSize bytes per frame; zero or
// negative means DefaultMaxMessageSize.
func NewCodec(maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Codec{maxSize: maxSize}
}

// MaxSize reports the frame size limit in bytes.
func (c *Codec) MaxSize() int {
	return c.maxSize
}

// Encode validates and marshals a message.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), c.maxSize)
	}
	return data, nil
}

// Decode unmarshals and validates a frame.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), c.maxSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// validate enforces the envelope rules shared by Encode and Decode.
func validate(msg *Message) error {
	switch msg.Type {
	case TypeAuthRequest, TypeAuthResponse, TypeQueryRequest, TypeQueryResponse, TypeError:
		if msg.CorrelationID == "" {
			return fmt.Errorf("%w on %s", ErrMissingCorrelation, msg.Type)
		}
	case TypeHeartbeat, TypeHeartbeatAck:
		// Heartbeats are uncorrelated; any ack proves the peer is alive.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return nil
}

// NewMessage builds an envelope with the payload marshalled in place.
func NewMessage(t MessageType, correlationID string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Message{Type: t, CorrelationID: correlationID, Payload: data}, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func DecodePayload(msg *Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return nil
}

// Heartbeat returns a liveness probe frame.
func Heartbeat() *Message {
	return &Message{Type: TypeHeartbeat}
}

// HeartbeatAck returns the reply to a heartbeat.
func HeartbeatAck() *Message {
	return &Message{Type: TypeHeartbeatAck}
}
