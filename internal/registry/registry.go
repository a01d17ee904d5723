// ABOUTME: Cloud-side table of authenticated agent connections, one per (tenant, database).
// ABOUTME: Last-writer-wins on duplicate registration; mutations serialize per key.

package registry

import (
	"log/slog"
	"sync"
)

// pairKey identifies the (tenant, database) slot a connection occupies.
type pairKey struct {
	tenant   string
	database string
}

// Registry tracks the single active connection per (tenant, database) pair.
//
// All mutations for one pair go through that pair's mutex, so a concurrent
// Register and Evict on the same key cannot interleave into an inconsistent
// state. The inner maps are guarded separately by mu and only held briefly.
type Registry struct {
	mu    sync.RWMutex
	conns map[pairKey]*Conn
	byID  map[string]*Conn

	keyMu sync.Mutex
	keys  map[pairKey]*sync.Mutex

	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[pairKey]*Conn),
		byID:   make(map[string]*Conn),
		keys:   make(map[pairKey]*sync.Mutex),
		logger: logger.With("component", "registry"),
	}
}

// keyLock returns the mutex guarding one (tenant, database) slot.
func (r *Registry) keyLock(k pairKey) *sync.Mutex {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	m, ok := r.keys[k]
	if !ok {
		m = &sync.Mutex{}
		r.keys[k] = m
	}
	return m
}

// Register installs a freshly authenticated connection. If a connection is
// already registered for the same (tenant, database), it is closed and
// replaced: last writer wins. The evicted connection, if any, is returned so
// the caller can log or audit the replacement.
func (r *Registry) Register(conn *Conn) (evicted *Conn) {
	k := pairKey{tenant: conn.TenantID, database: conn.DatabaseID}
	lock := r.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	prev := r.conns[k]
	r.conns[k] = conn
	r.byID[conn.ID] = conn
	if prev != nil {
		delete(r.byID, prev.ID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if prev != nil {
		prev.Close("replaced by newer connection")
		r.logger.Info("agent connection replaced",
			"tenant", conn.TenantID,
			"database", conn.DatabaseID,
			"old_conn_id", prev.ID,
			"new_conn_id", conn.ID,
		)
	}

	r.logger.Info("agent connected",
		"tenant", conn.TenantID,
		"database", conn.DatabaseID,
		"conn_id", conn.ID,
		"total_connections", total,
	)
	return prev
}

// Lookup returns the READY connection for a (tenant, database) pair, if any.
func (r *Registry) Lookup(tenant, database string) (*Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[pairKey{tenant: tenant, database: database}]
	r.mu.RUnlock()

	if !ok || conn.State() != StateReady {
		return nil, false
	}
	return conn, true
}

// Evict removes a connection by id and closes it. It is a no-op if the id is
// unknown or the slot has already been taken over by a newer connection.
func (r *Registry) Evict(connID, reason string) {
	r.mu.RLock()
	conn, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	k := pairKey{tenant: conn.TenantID, database: conn.DatabaseID}
	lock := r.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	// The slot may hold a newer connection by now; only remove our own.
	if cur, ok := r.conns[k]; ok && cur.ID == connID {
		delete(r.conns, k)
	}
	delete(r.byID, connID)
	total := len(r.conns)
	r.mu.Unlock()

	conn.Close(reason)
	r.logger.Info("agent disconnected",
		"tenant", conn.TenantID,
		"database", conn.DatabaseID,
		"conn_id", connID,
		"reason", reason,
		"total_connections", total,
	)
}

// Get returns a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connID]
	return conn, ok
}

// Connections returns a snapshot of all registered connections.
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
