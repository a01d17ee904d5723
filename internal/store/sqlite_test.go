// ABOUTME: Tests for the SQLite store: token lifecycle and audit log.
// ABOUTME: Runs against a real temp-file database.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tunnel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_TokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok := &GatewayToken{
		TenantID:   "T1",
		DatabaseID: "D1",
		TokenHash:  "deadbeef",
	}
	require.NoError(t, s.CreateToken(ctx, tok))
	assert.NotEmpty(t, tok.ID)
	assert.False(t, tok.IssuedAt.IsZero())

	got, err := s.GetTokenByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)
	assert.Equal(t, "D1", got.DatabaseID)
	assert.False(t, got.Revoked())
	assert.False(t, got.Expired(time.Now()))

	require.NoError(t, s.RevokeToken(ctx, "deadbeef"))
	got, err = s.GetTokenByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, got.Revoked())

	// Revoking twice is a no-op, not an error.
	require.NoError(t, s.RevokeToken(ctx, "deadbeef"))
}

func TestSQLiteStore_UnknownToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTokenByHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.RevokeToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.CreateToken(ctx, &GatewayToken{
		TenantID:   "T1",
		DatabaseID: "D1",
		TokenHash:  "feedface",
		ExpiresAt:  &past,
	}))

	got, err := s.GetTokenByHash(ctx, "feedface")
	require.NoError(t, err)
	assert.True(t, got.Expired(time.Now()))
	assert.False(t, got.Expired(past.Add(-time.Minute)))
}

func TestSQLiteStore_ListTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, &GatewayToken{
		TenantID: "T1", DatabaseID: "D1", TokenHash: "h1",
		IssuedAt: time.Now().Add(-time.Hour).UTC(),
	}))
	require.NoError(t, s.CreateToken(ctx, &GatewayToken{
		TenantID: "T2", DatabaseID: "D2", TokenHash: "h2",
		IssuedAt: time.Now().UTC(),
	}))

	tokens, err := s.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "T2", tokens[0].TenantID, "newest first")
}

func TestSQLiteStore_AuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Action:     AuditAgentConnect,
		TenantID:   "T1",
		DatabaseID: "D1",
		Detail:     map[string]any{"conn_id": "c-1"},
	}
	require.NoError(t, s.AppendAuditLog(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}
