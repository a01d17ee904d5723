// ABOUTME: Represents a single authenticated agent connection on the cloud side.
// ABOUTME: Tracks state and liveness; sends go through a pluggable Transport.

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/protocol"
)

// State is the cloud-side view of an agent connection's lifecycle.
type State int

const (
	// StateReady means the connection is authenticated and accepting queries.
	StateReady State = iota
	// StateStale means the heartbeat monitor declared the connection dead.
	StateStale
	// StateClosed means the connection was closed or evicted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the write side of an agent's socket. The gateway wraps the
// real websocket; tests substitute an in-memory implementation.
type Transport interface {
	// WriteMessage sends one protocol message to the agent.
	WriteMessage(ctx context.Context, msg *protocol.Message) error
	// Close tears down the underlying socket with a reason visible to the peer.
	Close(reason string) error
}

// Conn is an authenticated agent connection bound to one (tenant, database).
type Conn struct {
	ID         string
	TenantID   string
	DatabaseID string
	CreatedAt  time.Time

	transport Transport

	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
}

// NewConn creates a connection record in StateReady. The caller registers it
// with the Registry immediately after the auth exchange succeeds.
func NewConn(id, tenantID, databaseID string, transport Transport) *Conn {
	now := time.Now()
	return &Conn{
		ID:            id,
		TenantID:      tenantID,
		DatabaseID:    databaseID,
		CreatedAt:     now,
		transport:     transport,
		state:         StateReady,
		lastHeartbeat: now,
	}
}

// Send transmits a message to the agent over the underlying transport.
func (c *Conn) Send(ctx context.Context, msg *protocol.Message) error {
	return c.transport.WriteMessage(ctx, msg)
}

// Close marks the connection closed and tears down the transport.
// Safe to call more than once; only the first close reaches the socket.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	return c.transport.Close(reason)
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkStale transitions the connection out of service ahead of eviction.
func (c *Conn) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateReady {
		c.state = StateStale
	}
}

// Touch records a received heartbeat.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the time the agent was last heard from.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}
