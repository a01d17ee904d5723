// ABOUTME: Websocket side of the gateway: accept, auth handshake, per-connection read loop.
// ABOUTME: Each accepted socket becomes a registry connection driven by its own goroutine.

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/glasswing-io/dbtunnel/internal/auth"
	"github.com/glasswing-io/dbtunnel/internal/protocol"
	"github.com/glasswing-io/dbtunnel/internal/registry"
	"github.com/glasswing-io/dbtunnel/internal/store"
)

// maxProtocolViolations is how many malformed frames a connection survives.
const maxProtocolViolations = 3

// wsTransport adapts a websocket to the registry's Transport interface.
// Writes are serialized; the dispatcher and the read loop both send here.
type wsTransport struct {
	conn  *websocket.Conn
	codec *protocol.Codec
	mu    sync.Mutex
}

func (t *wsTransport) WriteMessage(ctx context.Context, msg *protocol.Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentWS upgrades the request and runs the connection to completion.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(int64(g.codec.MaxSize()))

	transport := &wsTransport{conn: ws, codec: g.codec}

	conn, err := g.authenticate(r.Context(), ws, transport)
	if err != nil {
		g.logger.Warn("agent authentication failed", "remote", r.RemoteAddr, "error", err)
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	evicted := g.registry.Register(conn)
	g.audit(conn, store.AuditAgentConnect, map[string]any{"remote": r.RemoteAddr})
	if evicted != nil {
		g.audit(evicted, store.AuditAgentEvict, map[string]any{"reason": "replaced"})
	}

	g.readLoop(r.Context(), ws, conn)

	g.registry.Evict(conn.ID, "socket closed")
	g.audit(conn, store.AuditAgentEvict, map[string]any{"reason": "socket closed"})
}

// authenticate runs the single auth exchange: the first frame must be an
// auth_request whose token validates. Only the opaque token crosses the
// wire; the agent's database credentials never do.
func (g *Gateway) authenticate(ctx context.Context, ws *websocket.Conn, transport *wsTransport) (*registry.Conn, error) {
	authCtx, cancel := context.WithTimeout(ctx, g.cfg.Tunnel.AuthTimeout)
	defer cancel()

	_, data, err := ws.Read(authCtx)
	if err != nil {
		return nil, err
	}

	msg, err := g.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeAuthRequest || msg.CorrelationID != protocol.AuthCorrelationID {
		g.refuse(authCtx, transport, "expected auth_request")
		return nil, errors.New("first message was not an auth_request")
	}

	var req protocol.AuthRequest
	if err := protocol.DecodePayload(msg, &req); err != nil {
		g.refuse(authCtx, transport, "malformed auth_request")
		return nil, err
	}

	identity, err := g.validator.Validate(authCtx, req.Token)
	if err != nil {
		// Tell the agent why without leaking which check failed for
		// unknown tokens.
		reason := "invalid token"
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			reason = "token expired"
		case errors.Is(err, auth.ErrRevokedToken):
			reason = "token revoked"
		}
		g.refuse(authCtx, transport, reason)
		return nil, err
	}

	conn := registry.NewConn(uuid.New().String(), identity.TenantID, identity.DatabaseID, transport)

	resp, err := protocol.NewMessage(protocol.TypeAuthResponse, protocol.AuthCorrelationID, &protocol.AuthResponse{
		Success:      true,
		ConnectionID: conn.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := transport.WriteMessage(authCtx, resp); err != nil {
		return nil, err
	}
	return conn, nil
}

// refuse sends a failing auth_response; the caller closes the socket.
func (g *Gateway) refuse(ctx context.Context, transport *wsTransport, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeAuthResponse, protocol.AuthCorrelationID, &protocol.AuthResponse{
		Success: false,
		Reason:  reason,
	})
	if err != nil {
		return
	}
	_ = transport.WriteMessage(ctx, msg)
}

// readLoop processes inbound frames until the socket dies or the agent
// exhausts its protocol-violation allowance.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Conn) {
	logger := g.logger.With("conn_id", conn.ID, "tenant", conn.TenantID, "database", conn.DatabaseID)
	violations := 0

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			logger.Info("read loop ended", "error", err)
			return
		}

		msg, err := g.codec.Decode(data)
		if err != nil {
			violations++
			logger.Warn("rejecting malformed message", "error", err, "violations", violations)
			g.sendProtocolError(ctx, conn, err.Error())
			if violations >= maxProtocolViolations {
				logger.Warn("too many protocol violations, closing connection")
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			conn.Touch()
			if err := conn.Send(ctx, protocol.HeartbeatAck()); err != nil {
				logger.Info("heartbeat ack failed", "error", err)
				return
			}

		case protocol.TypeQueryResponse:
			var resp protocol.QueryResponse
			if err := protocol.DecodePayload(msg, &resp); err != nil {
				logger.Warn("malformed query_response", "correlation_id", msg.CorrelationID, "error", err)
				g.sendProtocolError(ctx, conn, "malformed query_response payload")
				continue
			}
			g.dispatcher.HandleResponse(conn.ID, msg.CorrelationID, &resp)

		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := protocol.DecodePayload(msg, &p); err == nil {
				logger.Warn("agent reported protocol error", "reason", p.Reason)
			}

		default:
			// A READY agent has no business sending auth or request frames.
			violations++
			logger.Warn("unexpected message type from agent", "type", msg.Type, "violations", violations)
			g.sendProtocolError(ctx, conn, "unexpected message type "+string(msg.Type))
			if violations >= maxProtocolViolations {
				return
			}
		}
	}
}

// sendProtocolError informs the agent its last frame was rejected.
func (g *Gateway) sendProtocolError(ctx context.Context, conn *registry.Conn, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeError, uuid.New().String(), &protocol.ErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	_ = conn.Send(ctx, msg)
}

// audit records a connection lifecycle event, best effort.
func (g *Gateway) audit(conn *registry.Conn, action store.AuditAction, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if detail == nil {
		detail = map[string]any{}
	}
	detail["conn_id"] = conn.ID

	if err := g.store.AppendAuditLog(ctx, &store.AuditEntry{
		Action:     action,
		TenantID:   conn.TenantID,
		DatabaseID: conn.DatabaseID,
		Detail:     detail,
	}); err != nil {
		g.logger.Warn("audit append failed", "action", action, "error", err)
	}
}
