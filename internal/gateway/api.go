// ABOUTME: JSON API the application layer calls to run queries through the tunnel.
// ABOUTME: Bearer-JWT protected; maps dispatcher outcomes onto HTTP statuses.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/dispatch"
	"github.com/glasswing-io/dbtunnel/internal/protocol"
)

// Query API defaults; requests may tighten but not exceed the maximums.
const (
	defaultQueryTimeout = 30 * time.Second
	maxQueryTimeout     = 5 * time.Minute
	defaultRowLimit     = 1000
	maxRowLimit         = 10000
)

// queryRequest is the POST /api/v1/query body.
type queryRequest struct {
	Tenant    string `json:"tenant"`
	Database  string `json:"database"`
	SQL       string `json:"sql"`
	Params    []any  `json:"params,omitempty"`
	RowLimit  int    `json:"row_limit,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// queryResult is the success body.
type queryResult struct {
	Columns   []string             `json:"columns,omitempty"`
	Rows      []map[string]any     `json:"rows"`
	Truncated bool                 `json:"truncated,omitempty"`
	Error     *protocol.QueryError `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// requireJWT authenticates API callers with a bearer token.
func (g *Gateway) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Kind: "auth"})
			return
		}

		if _, err := g.verifier.Verify(token); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid bearer token", Kind: "auth"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleQuery dispatches one query through the tunnel and renders the outcome.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Kind: "protocol"})
		return
	}
	if req.Tenant == "" || req.Database == "" || strings.TrimSpace(req.SQL) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant, database, and sql are required", Kind: "protocol"})
		return
	}

	timeout := defaultQueryTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > maxQueryTimeout {
			timeout = maxQueryTimeout
		}
	}
	rowLimit := defaultRowLimit
	if req.RowLimit > 0 {
		rowLimit = min(req.RowLimit, maxRowLimit)
	}

	resp, err := g.dispatcher.Dispatch(r.Context(), dispatch.Request{
		TenantID:   req.Tenant,
		DatabaseID: req.Database,
		SQL:        req.SQL,
		Params:     req.Params,
		RowLimit:   rowLimit,
		Deadline:   time.Now().Add(timeout),
	})
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}

	rows := resp.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, queryResult{
		Columns:   resp.Columns,
		Rows:      rows,
		Truncated: resp.Truncated,
	})
}

// writeDispatchError maps the error taxonomy onto distinguishable responses.
// The caller always gets a typed outcome, never a hang or a bare 500.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error) {
	var qerr *protocol.QueryError
	switch {
	case errors.Is(err, dispatch.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: "offline"})
	case errors.Is(err, dispatch.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error(), Kind: "timeout"})
	case errors.Is(err, dispatch.ErrCapacity):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error(), Kind: "capacity"})
	case errors.Is(err, dispatch.ErrCancelled):
		writeJSON(w, StatusClientClosedRequest, errorBody{Error: err.Error(), Kind: "cancelled"})
	case errors.As(err, &qerr):
		// Execution failures are data from the agent, not gateway faults.
		writeJSON(w, http.StatusOK, queryResult{Rows: []map[string]any{}, Error: qerr})
	default:
		g.logger.Error("query dispatch failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
	}
}

// StatusClientClosedRequest is the conventional nginx status for abandoned calls.
const StatusClientClosedRequest = 499

// connectionInfo is the GET /api/v1/connections row.
type connectionInfo struct {
	ConnID        string    `json:"conn_id"`
	Tenant        string    `json:"tenant"`
	Database      string    `json:"database"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	InFlight      int       `json:"in_flight"`
}

// handleConnections lists live tunnel connections.
func (g *Gateway) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := g.registry.Connections()
	out := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo{
			ConnID:        c.ID,
			Tenant:        c.TenantID,
			Database:      c.DatabaseID,
			State:         c.State().String(),
			LastHeartbeat: c.LastHeartbeat(),
			CreatedAt:     c.CreatedAt,
			InFlight:      g.dispatcher.InFlight(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
