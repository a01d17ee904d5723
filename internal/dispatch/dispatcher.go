// ABOUTME: Correlates outbound query requests with their eventual responses.
// ABOUTME: Owns the pending-request map, timeout sweep, and per-connection backpressure.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glasswing-io/dbtunnel/internal/protocol"
	"github.com/glasswing-io/dbtunnel/internal/registry"
)

// ErrOffline indicates no READY connection exists for the target pair.
// It is returned immediately, before any pending request is created.
var ErrOffline = errors.New("database offline: no active agent connection")

// ErrTimeout indicates the deadline elapsed before a matching response arrived.
var ErrTimeout = errors.New("query timed out waiting for agent response")

// ErrCapacity indicates the per-connection in-flight limit was hit.
var ErrCapacity = errors.New("too many in-flight requests for connection")

// ErrCancelled indicates the caller abandoned the request before resolution.
var ErrCancelled = errors.New("request cancelled")

// DefaultMaxInFlight caps simultaneous pending requests per connection.
const DefaultMaxInFlight = 64

// DefaultSweepInterval is how often expired pending requests are collected.
const DefaultSweepInterval = 500 * time.Millisecond

// Request describes one query to forward through the tunnel.
type Request struct {
	TenantID   string
	DatabaseID string
	SQL        string
	Params     []any
	RowLimit   int
	Deadline   time.Time
}

// outcome is the single resolution of a pending request.
type outcome struct {
	resp *protocol.QueryResponse
	err  error
}

// pendingRequest is one in-flight exchange awaiting its response.
type pendingRequest struct {
	correlationID string
	connID        string
	deadline      time.Time
	done          chan outcome // buffered; written exactly once
}

// session holds the pending map for one agent connection. Correlation ids
// are unique within the lifetime of the owning connection.
type session struct {
	connID  string
	pending map[string]*pendingRequest
}

// Options tunes dispatcher behavior; zero values take the defaults above.
type Options struct {
	MaxInFlight   int
	SweepInterval time.Duration
}

// Dispatcher forwards query requests over registry connections and resolves
// each pending request exactly once: by response, timeout, or cancellation.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger

	maxInFlight   int
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Dispatcher reading connections from the given registry.
func New(reg *registry.Registry, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Dispatcher{
		registry:      reg,
		logger:        logger.With("component", "dispatch"),
		maxInFlight:   opts.MaxInFlight,
		sweepInterval: opts.SweepInterval,
		sessions:      make(map[string]*session),
	}
}

// Dispatch forwards one query to the agent serving (tenant, database) and
// blocks until a response arrives, the deadline elapses, or ctx is done.
//
// Execution failures reported by the agent come back as *protocol.QueryError.
// Transport-level trouble surfaces as ErrOffline; it never escapes as a
// socket error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*protocol.QueryResponse, error) {
	conn, ok := d.registry.Lookup(req.TenantID, req.DatabaseID)
	if !ok {
		return nil, ErrOffline
	}

	p, err := d.createPending(conn.ID, req.Deadline)
	if err != nil {
		return nil, err
	}

	msg, err := protocol.NewMessage(protocol.TypeQueryRequest, p.correlationID, &protocol.QueryRequest{
		SQL:       req.SQL,
		Params:    req.Params,
		RowLimit:  req.RowLimit,
		TimeoutMs: time.Until(req.Deadline).Milliseconds(),
	})
	if err != nil {
		d.remove(conn.ID, p.correlationID)
		return nil, err
	}

	if err := conn.Send(ctx, msg); err != nil {
		// The socket is going away; the read loop will evict it shortly.
		d.remove(conn.ID, p.correlationID)
		d.logger.Warn("send failed, treating connection as offline",
			"conn_id", conn.ID, "correlation_id", p.correlationID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}

	d.logger.Debug("query dispatched",
		"tenant", req.TenantID,
		"database", req.DatabaseID,
		"conn_id", conn.ID,
		"correlation_id", p.correlationID,
	)

	select {
	case out := <-p.done:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp, nil

	case <-ctx.Done():
		// Caller abandoned the request. A late response for this
		// correlation id will be discarded, never delivered elsewhere.
		if d.remove(conn.ID, p.correlationID) != nil {
			d.logger.Debug("request cancelled by caller",
				"conn_id", conn.ID, "correlation_id", p.correlationID)
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		// Lost the race: a resolution is already in flight on p.done.
		out := <-p.done
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp, nil
	}
}

// createPending allocates a correlation id and registers the pending entry,
// enforcing the per-connection in-flight cap.
func (d *Dispatcher) createPending(connID string, deadline time.Time) (*pendingRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[connID]
	if !ok {
		sess = &session{connID: connID, pending: make(map[string]*pendingRequest)}
		d.sessions[connID] = sess
	}

	if len(sess.pending) >= d.maxInFlight {
		return nil, fmt.Errorf("%w: %d in flight", ErrCapacity, len(sess.pending))
	}

	p := &pendingRequest{
		correlationID: uuid.New().String(),
		connID:        connID,
		deadline:      deadline,
		done:          make(chan outcome, 1),
	}
	sess.pending[p.correlationID] = p
	return p, nil
}

// remove detaches a pending entry, returning it if it was still pending.
// A nil return means another resolution path already claimed it; claiming
// an already-resolved entry is deliberately a no-op, not an error.
func (d *Dispatcher) remove(connID, correlationID string) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[connID]
	if !ok {
		return nil
	}
	p, ok := sess.pending[correlationID]
	if !ok {
		return nil
	}
	delete(sess.pending, correlationID)
	return p
}

// HandleResponse resolves the pending request matching a query_response.
// Responses with no matching pending entry (already timed out, cancelled, or
// from an evicted connection) are discarded.
func (d *Dispatcher) HandleResponse(connID, correlationID string, resp *protocol.QueryResponse) {
	p := d.remove(connID, correlationID)
	if p == nil {
		d.logger.Debug("discarding response for unknown request",
			"conn_id", connID, "correlation_id", correlationID)
		return
	}
	p.done <- outcome{resp: resp}
}

// InFlight returns the number of pending requests for a connection.
func (d *Dispatcher) InFlight(connID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[connID]
	if !ok {
		return 0
	}
	return len(sess.pending)
}

// Run drives the periodic timeout sweep until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// sweep resolves expired pending requests as timeouts and prunes sessions
// whose connection has left the registry and drained.
func (d *Dispatcher) sweep(now time.Time) {
	var expired []*pendingRequest

	d.mu.Lock()
	for connID, sess := range d.sessions {
		for corrID, p := range sess.pending {
			if now.After(p.deadline) {
				delete(sess.pending, corrID)
				expired = append(expired, p)
			}
		}
		if len(sess.pending) == 0 {
			if _, ok := d.registry.Get(connID); !ok {
				delete(d.sessions, connID)
			}
		}
	}
	d.mu.Unlock()

	for _, p := range expired {
		d.logger.Debug("pending request timed out",
			"conn_id", p.connID, "correlation_id", p.correlationID)
		p.done <- outcome{err: ErrTimeout}
	}
}
