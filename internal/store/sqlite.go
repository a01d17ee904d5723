// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides token/audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateway_tokens (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			database_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME,
			revoked_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_tenant_database
			ON gateway_tokens(tenant_id, database_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			database_id TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created
			ON audit_log(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateToken persists a newly issued gateway token record.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *GatewayToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_tokens (id, tenant_id, database_id, token_hash, issued_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.TenantID, token.DatabaseID, token.TokenHash,
		token.IssuedAt, nullableTime(token.ExpiresAt), nullableTime(token.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token by its hex-encoded SHA-256 hash.
func (s *SQLiteStore) GetTokenByHash(ctx context.Context, hash string) (*GatewayToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, database_id, token_hash, issued_at, expires_at, revoked_at
		FROM gateway_tokens WHERE token_hash = ?`, hash)

	return scanToken(row)
}

// RevokeToken marks the token with the given hash as revoked.
func (s *SQLiteStore) RevokeToken(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_tokens SET revoked_at = ?
		WHERE token_hash = ? AND revoked_at IS NULL`,
		time.Now().UTC(), hash,
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revocation: %w", err)
	}
	if affected == 0 {
		// Distinguish "never issued" from "already revoked"
		if _, err := s.GetTokenByHash(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// ListTokens returns all issued tokens, newest first.
func (s *SQLiteStore) ListTokens(ctx context.Context) ([]*GatewayToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, database_id, token_hash, issued_at, expires_at, revoked_at
		FROM gateway_tokens ORDER BY issued_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*GatewayToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, tenant_id, database_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.TenantID, e.DatabaseID, string(detail), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanToken.
type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*GatewayToken, error) {
	var t GatewayToken
	var expiresAt, revokedAt sql.NullTime

	err := row.Scan(&t.ID, &t.TenantID, &t.DatabaseID, &t.TokenHash,
		&t.IssuedAt, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}

	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
