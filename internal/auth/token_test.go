// ABOUTME: Unit tests for gateway token generation and validation
// ABOUTME: Tests valid, unknown, expired, and revoked tokens

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/store"
)

func issueTestToken(t *testing.T, st *store.MockStore, tenant, database string, expiresAt *time.Time) string {
	t.Helper()

	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	err = st.CreateToken(context.Background(), &store.GatewayToken{
		TenantID:   tenant,
		DatabaseID: database,
		TokenHash:  HashToken(token),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}
	return token
}

func TestGenerateToken_Shape(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if !strings.HasPrefix(token, TokenPrefix) {
		t.Errorf("token %q missing %q prefix", token, TokenPrefix)
	}
	if len(token) < 40 {
		t.Errorf("token suspiciously short: %d chars", len(token))
	}

	other, _ := GenerateToken()
	if token == other {
		t.Error("two generated tokens were identical")
	}
}

func TestStoreValidator_ValidToken(t *testing.T) {
	st := store.NewMockStore()
	token := issueTestToken(t, st, "T1", "D1", nil)

	identity, err := NewStoreValidator(st).Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if identity.TenantID != "T1" || identity.DatabaseID != "D1" {
		t.Errorf("Validate() = %+v, want T1/D1", identity)
	}
}

func TestStoreValidator_RejectsBadTokens(t *testing.T) {
	st := store.NewMockStore()
	validator := NewStoreValidator(st)

	expired := time.Now().Add(-time.Hour)
	expiredToken := issueTestToken(t, st, "T1", "D1", &expired)

	revokedToken := issueTestToken(t, st, "T1", "D2", nil)
	if err := st.RevokeToken(context.Background(), HashToken(revokedToken)); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "missing prefix", token: "abc123", wantErr: ErrInvalidToken},
		{name: "never issued", token: "gw_never-issued", wantErr: ErrInvalidToken},
		{name: "expired", token: expiredToken, wantErr: ErrExpiredToken},
		{name: "revoked", token: revokedToken, wantErr: ErrRevokedToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.Validate(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHashToken_Deterministic(t *testing.T) {
	if HashToken("gw_abc123") != HashToken("gw_abc123") {
		t.Error("HashToken() is not deterministic")
	}
	if HashToken("gw_abc123") == HashToken("gw_abc124") {
		t.Error("distinct tokens hashed identically")
	}
	if len(HashToken("gw_abc123")) != 64 {
		t.Error("expected hex-encoded SHA-256")
	}
}
