// ABOUTME: On-premises connection manager: dial, authenticate, heartbeat, reconnect.
// ABOUTME: Drives the DISCONNECTED→CONNECTING→AUTHENTICATING→READY state machine forever.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/glasswing-io/dbtunnel/internal/protocol"
)

// ConnState is the agent's view of its tunnel connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateStale
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
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

// ErrAuthRejected indicates the gateway refused our token. The manager still
// retries: the token may be re-issued while we back off.
var ErrAuthRejected = errors.New("gateway rejected authentication")

// Config holds the manager's wiring.
type Config struct {
	GatewayURL        string
	Token             string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	AuthTimeout       time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	MaxMessageBytes   int
}

// Manager owns the outbound socket lifecycle. It never transmits the local
// database credentials; only the gateway token and query traffic cross the
// wire.
type Manager struct {
	cfg      Config
	executor *Executor
	codec    *protocol.Codec
	logger   *slog.Logger

	mu    sync.RWMutex
	state ConnState
}

// NewManager creates a Manager; Run starts it.
func NewManager(cfg Config, executor *Executor, logger *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.HeartbeatInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		executor: executor,
		codec:    protocol.NewCodec(cfg.MaxMessageBytes),
		logger:   logger.With("component", "agent"),
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		m.logger.Debug("state transition", "from", old, "to", s)
	}
}

// Run connects and serves until ctx is done, reconnecting with capped
// exponential backoff after every failure. The agent never gives up.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.MinBackoff

	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			m.setState(StateClosed)
			return nil
		}

		m.setState(StateDisconnected)
		m.logger.Warn("session ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.setState(StateClosed)
			return nil
		}

		backoff = min(backoff*2, m.cfg.MaxBackoff)
		if err == nil || errors.Is(err, errSessionWasReady) {
			backoff = m.cfg.MinBackoff
		}
	}
}

// errSessionWasReady marks a session that reached READY before failing, so
// the reconnect backoff resets to the minimum interval.
var errSessionWasReady = errors.New("session was ready")

// tunnelConn is one live socket with serialized writes.
type tunnelConn struct {
	ws    *websocket.Conn
	codec *protocol.Codec
	mu    sync.Mutex
}

func (c *tunnelConn) send(ctx context.Context, msg *protocol.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// runSession performs one connect-auth-serve cycle.
func (m *Manager) runSession(ctx context.Context) error {
	m.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	ws, _, err := websocket.Dial(dialCtx, m.cfg.GatewayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	ws.SetReadLimit(int64(m.codec.MaxSize()))
	defer ws.Close(websocket.StatusNormalClosure, "session over")

	conn := &tunnelConn{ws: ws, codec: m.codec}

	if err := m.authenticate(ctx, conn); err != nil {
		return err
	}

	m.setState(StateReady)
	m.logger.Info("tunnel ready", "gateway", m.cfg.GatewayURL)

	err = m.serve(ctx, conn)
	return errors.Join(err, errSessionWasReady)
}

// authenticate sends the token and waits for the gateway's verdict.
func (m *Manager) authenticate(ctx context.Context, conn *tunnelConn) error {
	m.setState(StateAuthenticating)

	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	req, err := protocol.NewMessage(protocol.TypeAuthRequest, protocol.AuthCorrelationID,
		&protocol.AuthRequest{Token: m.cfg.Token})
	if err != nil {
		return err
	}
	if err := conn.send(authCtx, req); err != nil {
		return fmt.Errorf("sending auth_request: %w", err)
	}

	_, data, err := conn.ws.Read(authCtx)
	if err != nil {
		return fmt.Errorf("waiting for auth_response: %w", err)
	}
	msg, err := m.codec.Decode(data)
	if err != nil {
		return err
	}
	if msg.Type != protocol.TypeAuthResponse {
		return fmt.Errorf("expected auth_response, got %s", msg.Type)
	}

	var resp protocol.AuthResponse
	if err := protocol.DecodePayload(msg, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Reason)
	}

	m.logger.Info("authenticated", "conn_id", resp.ConnectionID)
	return nil
}

// serve runs the heartbeat ticker and the read loop until either fails.
func (m *Manager) serve(ctx context.Context, conn *tunnelConn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ackMu sync.Mutex
	lastAck := time.Now()

	// Heartbeat loop. If the gateway stops acknowledging, declare the
	// connection stale and tear it down so Run can reconnect.
	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ackMu.Lock()
				silence := time.Since(lastAck)
				ackMu.Unlock()
				if silence > m.cfg.StaleAfter {
					m.setState(StateStale)
					m.logger.Warn("gateway silent, dropping connection", "silence", silence)
					conn.ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
					return
				}
				if err := conn.send(sessionCtx, protocol.Heartbeat()); err != nil {
					m.logger.Debug("heartbeat send failed", "error", err)
					return
				}
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := conn.ws.Read(sessionCtx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg, err := m.codec.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed message from gateway", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeatAck:
			ackMu.Lock()
			lastAck = time.Now()
			ackMu.Unlock()

		case protocol.TypeQueryRequest:
			var req protocol.QueryRequest
			correlationID := msg.CorrelationID
			if err := protocol.DecodePayload(msg, &req); err != nil {
				m.logger.Warn("malformed query_request", "correlation_id", correlationID, "error", err)
				m.respond(sessionCtx, conn, correlationID, &protocol.QueryResponse{
					Error: &protocol.QueryError{Kind: protocol.ErrKindRejected, Message: "malformed query_request payload"},
				})
				continue
			}
			// Each query runs on its own goroutine; multiple exchanges
			// multiplex over the socket by correlation id alone.
			go func() {
				resp := m.executor.Execute(sessionCtx, &req)
				m.respond(sessionCtx, conn, correlationID, resp)
			}()

		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := protocol.DecodePayload(msg, &p); err == nil {
				m.logger.Warn("gateway reported protocol error", "reason", p.Reason)
			}

		default:
			m.logger.Warn("unexpected message type from gateway", "type", msg.Type)
		}
	}
}

// respond sends a query_response, preserving the request's correlation id.
func (m *Manager) respond(ctx context.Context, conn *tunnelConn, correlationID string, resp *protocol.QueryResponse) {
	msg, err := protocol.NewMessage(protocol.TypeQueryResponse, correlationID, resp)
	if err == nil {
		err = conn.send(ctx, msg)
	}
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		// Result exceeds the frame limit: report that instead of going silent.
		m.logger.Warn("query result too large to transmit", "correlation_id", correlationID, "error", err)
		fallback := &protocol.QueryResponse{
			Error: &protocol.QueryError{Kind: protocol.ErrKindExecution, Message: fmt.Sprintf("result not transmittable: %v", err)},
		}
		if msg, ferr := protocol.NewMessage(protocol.TypeQueryResponse, correlationID, fallback); ferr == nil {
			err = conn.send(ctx, msg)
		}
	}
	if err != nil {
		m.logger.Debug("sending query_response failed", "correlation_id", correlationID, "error", err)
	}
}
