// ABOUTME: End-to-end gateway tests with real websocket agents over httptest.
// ABOUTME: Covers the auth handshake, query round trips, eviction, and the HTTP API.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasswing-io/dbtunnel/internal/auth"
	"github.com/glasswing-io/dbtunnel/internal/config"
	"github.com/glasswing-io/dbtunnel/internal/protocol"
	"github.com/glasswing-io/dbtunnel/internal/store"
)

const testJWTSecret = "gateway-test-secret"

// fixture is one running gateway plus the token its agents authenticate with.
type fixture struct {
	gw       *Gateway
	store    *store.MockStore
	srv      *httptest.Server
	token    string
	verifier *auth.JWTVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMockStore()
	plain, err := auth.GenerateToken()
	require.NoError(t, err)
	require.NoError(t, st.CreateToken(context.Background(), &store.GatewayToken{
		ID:         "tok-1",
		TenantID:   "acme",
		DatabaseID: "prod",
		TokenHash:  auth.HashToken(plain),
		IssuedAt:   time.Now(),
	}))

	cfg := &config.GatewayConfig{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testJWTSecret},
		Tunnel: config.TunnelConfig{
			HeartbeatInterval: 50 * time.Millisecond,
			StaleAfter:        time.Second,
			AuthTimeout:       time.Second,
			MaxInFlight:       8,
		},
	}

	gw := New(cfg, st, slog.Default())
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	return &fixture{
		gw:       gw,
		store:    st,
		srv:      srv,
		token:    plain,
		verifier: auth.NewJWTVerifier([]byte(testJWTSecret)),
	}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + WSPath
}

func (f *fixture) bearer(t *testing.T) string {
	t.Helper()
	jwt, err := f.verifier.Generate("ops@example.com", time.Hour)
	require.NoError(t, err)
	return "Bearer " + jwt
}

// fakeAgent is a test-side tunnel agent speaking the wire protocol directly.
type fakeAgent struct {
	ws    *websocket.Conn
	codec *protocol.Codec
}

// dialAgent connects and authenticates, returning the gateway's verdict.
func dialAgent(t *testing.T, f *fixture, token string) (*fakeAgent, *protocol.AuthResponse) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "test over") })

	a := &fakeAgent{ws: ws, codec: protocol.NewCodec(0)}

	req, err := protocol.NewMessage(protocol.TypeAuthRequest, protocol.AuthCorrelationID,
		&protocol.AuthRequest{Token: token})
	require.NoError(t, err)
	a.send(ctx, t, req)

	msg := a.read(ctx, t)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)

	var verdict protocol.AuthResponse
	require.NoError(t, protocol.DecodePayload(msg, &verdict))
	return a, &verdict
}

func (a *fakeAgent) send(ctx context.Context, t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := a.codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, a.ws.Write(ctx, websocket.MessageText, data))
}

func (a *fakeAgent) read(ctx context.Context, t *testing.T) *protocol.Message {
	t.Helper()
	_, data, err := a.ws.Read(ctx)
	require.NoError(t, err)
	msg, err := a.codec.Decode(data)
	require.NoError(t, err)
	return msg
}

// serveQueries answers every query_request with handler's response until the
// socket closes. Run it on its own goroutine.
func (a *fakeAgent) serveQueries(t *testing.T, handler func(*protocol.QueryRequest) *protocol.QueryResponse) {
	ctx := context.Background()
	for {
		_, data, err := a.ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := a.codec.Decode(data)
		if err != nil || msg.Type != protocol.TypeQueryRequest {
			continue
		}

		var req protocol.QueryRequest
		if err := protocol.DecodePayload(msg, &req); err != nil {
			continue
		}
		resp, err := protocol.NewMessage(protocol.TypeQueryResponse, msg.CorrelationID, handler(&req))
		if err != nil {
			continue
		}
		a.send(ctx, t, resp)
	}
}

// postQuery drives the HTTP query API and decodes the response body into out.
func (f *fixture) postQuery(t *testing.T, bearer string, body map[string]any, out any) int {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/query", bytes.NewReader(raw))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestQueryRoundTripThroughAgent(t *testing.T) {
	f := newFixture(t)

	agent, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)
	require.NotEmpty(t, verdict.ConnectionID)

	go agent.serveQueries(t, func(req *protocol.QueryRequest) *protocol.QueryResponse {
		assert.Equal(t, "SELECT COUNT(*) FROM Employees", req.SQL)
		return &protocol.QueryResponse{
			Columns: []string{"count"},
			Rows:    []map[string]any{{"count": 150}},
		}
	})

	var result queryResult
	status := f.postQuery(t, f.bearer(t), map[string]any{
		"tenant":   "acme",
		"database": "prod",
		"sql":      "SELECT COUNT(*) FROM Employees",
	}, &result)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"count"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 150, result.Rows[0]["count"])
}

func TestInvalidTokenIsRefused(t *testing.T) {
	f := newFixture(t)

	_, verdict := dialAgent(t, f, "gw_not-a-real-token")
	assert.False(t, verdict.Success)
	assert.Equal(t, "invalid token", verdict.Reason)
	assert.Equal(t, 0, f.gw.Registry().Len())
}

func TestRevokedTokenIsRefusedWithReason(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RevokeToken(context.Background(), auth.HashToken(f.token)))

	_, verdict := dialAgent(t, f, f.token)
	assert.False(t, verdict.Success)
	assert.Equal(t, "token revoked", verdict.Reason)
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	f := newFixture(t)

	first, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)

	second, verdict2 := dialAgent(t, f, f.token)
	require.True(t, verdict2.Success)
	require.NotEqual(t, verdict.ConnectionID, verdict2.ConnectionID)

	// The older socket gets closed by the gateway.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.ws.Read(ctx)
	require.Error(t, err)

	// Queries now route to the newer agent.
	go second.serveQueries(t, func(*protocol.QueryRequest) *protocol.QueryResponse {
		return &protocol.QueryResponse{
			Columns: []string{"src"},
			Rows:    []map[string]any{{"src": "second"}},
		}
	})

	var result queryResult
	status := f.postQuery(t, f.bearer(t), map[string]any{
		"tenant":   "acme",
		"database": "prod",
		"sql":      "SELECT 1",
	}, &result)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "second", result.Rows[0]["src"])
}

func TestQueryWithoutAgentFailsFast(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	start := time.Now()
	status := f.postQuery(t, f.bearer(t), map[string]any{
		"tenant":   "acme",
		"database": "prod",
		"sql":      "SELECT 1",
	}, &body)

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "offline", body.Kind)
	assert.Less(t, time.Since(start), 2*time.Second, "offline must not wait out a query timeout")
}

func TestAgentErrorComesBackAsData(t *testing.T) {
	f := newFixture(t)

	agent, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)

	go agent.serveQueries(t, func(*protocol.QueryRequest) *protocol.QueryResponse {
		return &protocol.QueryResponse{Error: &protocol.QueryError{
			Kind:    protocol.ErrKindRejected,
			Message: "request must contain exactly one SQL statement",
		}}
	})

	var result queryResult
	status := f.postQuery(t, f.bearer(t), map[string]any{
		"tenant":   "acme",
		"database": "prod",
		"sql":      "SELECT 1; SELECT 2",
	}, &result)

	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrKindRejected, result.Error.Kind)
}

func TestQueryAPIRequiresJWT(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{"tenant": "acme", "database": "prod", "sql": "SELECT 1"}

	assert.Equal(t, http.StatusUnauthorized, f.postQuery(t, "", body, nil))
	assert.Equal(t, http.StatusUnauthorized, f.postQuery(t, "Bearer garbage", body, nil))
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	status := f.postQuery(t, f.bearer(t), map[string]any{
		"tenant": "acme",
		"sql":    "SELECT 1",
	}, &body)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "protocol", body.Kind)
}

func TestConnectionsEndpoint(t *testing.T) {
	f := newFixture(t)

	_, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/connections", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", f.bearer(t))

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conns []connectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "acme", conns[0].Tenant)
	assert.Equal(t, "prod", conns[0].Database)
	assert.Equal(t, "ready", conns[0].State)
	assert.Equal(t, verdict.ConnectionID, conns[0].ConnID)
}

func TestHeartbeatGetsAcked(t *testing.T) {
	f := newFixture(t)

	agent, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent.send(ctx, t, protocol.Heartbeat())
	msg := agent.read(ctx, t)
	assert.Equal(t, protocol.TypeHeartbeatAck, msg.Type)
}

func TestConnectionAuditTrail(t *testing.T) {
	f := newFixture(t)

	_, verdict := dialAgent(t, f, f.token)
	require.True(t, verdict.Success)

	require.Eventually(t, func() bool {
		for _, e := range f.store.AuditEntries() {
			if e.Action == store.AuditAgentConnect && e.TenantID == "acme" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
