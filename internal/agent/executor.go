// ABOUTME: Runs query requests against the local database driver.
// ABOUTME: One statement per request; failures come back as data, never faults.

package agent

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/protocol"
)

// Executor defaults. A request may set its own timeout and row limit; zero
// values take these.
const (
	defaultExecTimeout  = 30 * time.Second
	defaultExecRowLimit = 1000
)

// Executor runs one SQL statement per query_request against the local
// database. It is driver-agnostic; the binary registers whichever
// database/sql drivers it supports.
type Executor struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutor creates an Executor over an open database handle.
func NewExecutor(db *sql.DB, logger *slog.Logger) *Executor {
	return &Executor{
		db:     db,
		logger: logger.With("component", "executor"),
	}
}

// Execute runs the request and always returns a response: rows on success,
// a structured error otherwise. A bad query must not take down the tunnel,
// so nothing here panics or propagates transport faults.
func (e *Executor) Execute(ctx context.Context, req *protocol.QueryRequest) *protocol.QueryResponse {
	if !singleStatement(req.SQL) {
		e.logger.Warn("rejecting multi-statement request")
		return &protocol.QueryResponse{Error: &protocol.QueryError{
			Kind:    protocol.ErrKindRejected,
			Message: "request must contain exactly one SQL statement",
		}}
	}

	timeout := defaultExecTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rowLimit := defaultExecRowLimit
	if req.RowLimit > 0 {
		rowLimit = req.RowLimit
	}

	start := time.Now()
	rows, err := e.db.QueryContext(queryCtx, req.SQL, req.Params...)
	if err != nil {
		return e.errorResponse(queryCtx, err)
	}
	defer rows.Close()

	resp, err := collectRows(rows, rowLimit)
	if err != nil {
		return e.errorResponse(queryCtx, err)
	}

	e.logger.Debug("query executed",
		"rows", len(resp.Rows),
		"truncated", resp.Truncated,
		"elapsed", time.Since(start),
	)
	return resp
}

// errorResponse maps a driver failure onto the wire error taxonomy.
func (e *Executor) errorResponse(ctx context.Context, err error) *protocol.QueryResponse {
	kind := protocol.ErrKindExecution
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = protocol.ErrKindTimeout
	}
	e.logger.Warn("query failed", "kind", kind, "error", err)
	return &protocol.QueryResponse{Error: &protocol.QueryError{
		Kind:    kind,
		Message: err.Error(),
	}}
}

// collectRows scans up to limit rows into wire-shaped maps, noting truncation.
func collectRows(rows *sql.Rows, limit int) (*protocol.QueryResponse, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	resp := &protocol.QueryResponse{
		Columns: cols,
		Rows:    make([]map[string]any, 0),
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(resp.Rows) >= limit {
			resp.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		resp.Rows = append(resp.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// normalizeValue converts driver types into JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
