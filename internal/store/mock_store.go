// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	tokens map[string]*GatewayToken // keyed by token hash
	audit  []*AuditEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tokens: make(map[string]*GatewayToken),
	}
}

// CreateToken stores a new token record.
func (m *MockStore) CreateToken(ctx context.Context, token *GatewayToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	t := *token
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	m.tokens[t.TokenHash] = &t
	return nil
}

// GetTokenByHash retrieves a token by hash.
func (m *MockStore) GetTokenByHash(ctx context.Context, hash string) (*GatewayToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// RevokeToken marks a token as revoked.
func (m *MockStore) RevokeToken(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[hash]
	if !ok {
		return ErrNotFound
	}
	if t.RevokedAt == nil {
		now := time.Now().UTC()
		t.RevokedAt = &now
	}
	return nil
}

// ListTokens returns all tokens, newest first.
func (m *MockStore) ListTokens(ctx context.Context) ([]*GatewayToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := make([]*GatewayToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		tokens = append(tokens, &cp)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].IssuedAt.After(tokens[j].IssuedAt)
	})
	return tokens, nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditEntries returns a snapshot of the recorded audit log.
func (m *MockStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
