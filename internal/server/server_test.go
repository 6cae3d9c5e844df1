package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/auth"
	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/config"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/server"
	"github.com/gosuda/meterchain/internal/server/middleware"
	"github.com/gosuda/meterchain/internal/store/memory"
)

const testSecret = "server-test-secret-with-32-chars!!"

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{Secret: testSecret},
		Server: config.ServerConfig{
			Addr:           ":0",
			ReadTimeout:    time.Second,
			WriteTimeout:   time.Second,
			CORSOrigins:    []string{"http://localhost:5173"},
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
		},
	}
}

// newStack wires the real services over a memory store, the way main does.
func newStack(t *testing.T, sealCost int64) http.Handler {
	t.Helper()

	store := memory.New()
	auditLog := audit.NewLog(store, nil, nil)
	l := ledger.New(store, auditLog, ledger.Options{})
	c := chain.New(store, auditLog, nil, nil, chain.Options{})

	registry := metering.NewRegistry()
	require.NoError(t, registry.Register("seal", sealCost, chain.NewSealer(c)))

	orch := metering.New(store, l, auditLog, registry, nil, metering.Config{WorkTimeout: 5 * time.Second})

	srv := server.New(t.Context(), testConfig(), server.Services{
		Accounts: l,
		Work:     orch,
		Chains:   c,
		Audit:    auditLog,
	})
	return srv.Handler()
}

func token(t *testing.T, accountID uuid.UUID, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, auth.Identity{AccountID: accountID, ActorID: uuid.New(), Role: role}, time.Minute)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, h http.Handler, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newStack(t, 1)
	rec := do(t, h, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ping pingFunc
		want int
	}{
		{name: "reachable", ping: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "unreachable", ping: func(context.Context) error { return errors.New("dial tcp: refused") }, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := server.New(t.Context(), testConfig(), server.Services{Store: tt.ping})
			rec := do(t, srv.Handler(), http.MethodGet, "/readyz", "", nil)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	t.Parallel()

	h := newStack(t, 1)

	rec := do(t, h, http.MethodGet, "/api/v1/accounts/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/me", token(t, uuid.Nil, middleware.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebsocket_DisabledWithoutRedis(t *testing.T) {
	t.Parallel()

	h := newStack(t, 1)
	accountID := uuid.New()

	rec := do(t, h, http.MethodGet, "/ws/audit?access_token="+token(t, accountID, middleware.RoleViewer), "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestAPI_MeteredSealFlow walks a paid seal end to end: the charge, the block
// it produced, the verification and the audit trail that ties them together.
func TestAPI_MeteredSealFlow(t *testing.T) {
	t.Parallel()

	h := newStack(t, 3)
	accountID := uuid.New()
	admin := token(t, uuid.New(), middleware.RoleAdmin)
	member := token(t, accountID, middleware.RoleMember)

	rec := do(t, h, http.MethodPost, "/api/v1/accounts", admin, map[string]any{
		"account_id":       accountID.String(),
		"starting_balance": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/chains/vault/seal", member, map[string]any{
		"request_id": "seal-1",
		"document":   map[string]any{"report": "scope 1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var unit domain.WorkUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unit))
	assert.Equal(t, domain.WorkStatusCompleted, unit.Status)
	assert.Equal(t, int64(3), unit.Cost)
	assert.Equal(t, "chain/vault/0", unit.ResultRef)

	// Replaying the request id neither charges nor seals again.
	rec = do(t, h, http.MethodPost, "/api/v1/chains/vault/seal", member, map[string]any{
		"request_id": "seal-1",
		"document":   map[string]any{"report": "scope 1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/accounts/me", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, int64(2), acct.Balance)

	// A second seal costs 3 but only 2 remain.
	rec = do(t, h, http.MethodPost, "/api/v1/chains/vault/seal", member, map[string]any{
		"request_id": "seal-2",
		"document":   map[string]any{"report": "scope 2"},
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/chains/vault/verify", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res chain.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, int64(1), res.BlocksChecked)

	rec = do(t, h, http.MethodGet, "/api/v1/work/"+unit.ID.String(), member, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/audit?event_type=charged,work_completed,entry_sealed", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []domain.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))

	types := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []domain.EventType{domain.EventCharged, domain.EventEntrySealed, domain.EventWorkCompleted}, types)
}

func TestAPI_RoleGates(t *testing.T) {
	t.Parallel()

	h := newStack(t, 1)
	accountID := uuid.New()
	viewer := token(t, accountID, middleware.RoleViewer)

	rec := do(t, h, http.MethodPost, "/api/v1/accounts", viewer, map[string]any{"starting_balance": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/chains/vault/blocks", viewer, map[string]any{"payload": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/work/seal", viewer, map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
