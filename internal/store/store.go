// ABOUTME: Store interface and data types for dbtunnel persistence.
// ABOUTME: Defines GatewayToken, audit entries, and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// GatewayToken is the persisted record of an issued agent credential. Only
// the SHA-256 hash of the opaque secret is stored; the plain token is shown
// once at issuance and never again.
type GatewayToken struct {
	ID         string
	TenantID   string
	DatabaseID string
	TokenHash  string // hex-encoded SHA-256 of the plain token
	IssuedAt   time.Time
	ExpiresAt  *time.Time // nil means no expiry
	RevokedAt  *time.Time // nil means not revoked
}

// Expired reports whether the token's expiry has passed at the given instant.
func (t *GatewayToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Revoked reports whether the token has been revoked.
func (t *GatewayToken) Revoked() bool {
	return t.RevokedAt != nil
}

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditIssueToken   AuditAction = "issue_token"
	AuditRevokeToken  AuditAction = "revoke_token"
	AuditAgentConnect AuditAction = "agent_connect"
	AuditAgentEvict   AuditAction = "agent_evict"
)

// AuditEntry records who did what to which resource.
type AuditEntry struct {
	ID         string // UUID v4, generated if empty
	Action     AuditAction
	TenantID   string
	DatabaseID string
	Detail     map[string]any
	Timestamp  time.Time // generated if zero
}

// Store is the persistence interface consumed by the gateway.
type Store interface {
	// CreateToken persists a newly issued gateway token record.
	CreateToken(ctx context.Context, token *GatewayToken) error

	// GetTokenByHash looks up a token by its hex-encoded SHA-256 hash.
	// Returns ErrNotFound if no such token was ever issued.
	GetTokenByHash(ctx context.Context, hash string) (*GatewayToken, error)

	// RevokeToken marks the token with the given hash as revoked.
	// Returns ErrNotFound if no such token exists. Revoking an already
	// revoked token is a no-op.
	RevokeToken(ctx context.Context, hash string) error

	// ListTokens returns all issued tokens, newest first.
	ListTokens(ctx context.Context) ([]*GatewayToken, error)

	// AppendAuditLog appends a new entry to the audit log.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error

	// Close releases the underlying database handle.
	Close() error
}
