package v1_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject account, actor and role for DoCtx.
// ---------------------------------------------------------------------------

func roleCtx(accountID, actorID uuid.UUID, role string) context.Context {
	return middleware.WithIdentity(context.Background(), accountID, actorID, role)
}

func viewerCtx(accountID uuid.UUID) context.Context {
	return roleCtx(accountID, uuid.New(), middleware.RoleViewer)
}

func memberCtx(accountID uuid.UUID) context.Context {
	return roleCtx(accountID, uuid.New(), middleware.RoleMember)
}

func adminCtx(accountID uuid.UUID) context.Context {
	return roleCtx(accountID, uuid.New(), middleware.RoleAdmin)
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

// ---------------------------------------------------------------------------
// Mock AccountService
// ---------------------------------------------------------------------------

type mockAccountService struct {
	openFunc    func(ctx context.Context, accountID, actorID uuid.UUID, startingBalance int64) (*domain.Account, error)
	balanceFunc func(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	creditFunc  func(ctx context.Context, req ledger.CreditRequest) (ledger.BalanceChange, error)
	disableFunc func(ctx context.Context, accountID, actorID uuid.UUID) (*domain.Account, error)
}

func (m *mockAccountService) Open(ctx context.Context, accountID, actorID uuid.UUID, startingBalance int64) (*domain.Account, error) {
	return m.openFunc(ctx, accountID, actorID, startingBalance)
}

func (m *mockAccountService) Balance(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return m.balanceFunc(ctx, accountID)
}

func (m *mockAccountService) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.BalanceChange, error) {
	return m.creditFunc(ctx, req)
}

func (m *mockAccountService) Disable(ctx context.Context, accountID, actorID uuid.UUID) (*domain.Account, error) {
	return m.disableFunc(ctx, accountID, actorID)
}

// ---------------------------------------------------------------------------
// Mock WorkService
// ---------------------------------------------------------------------------

type mockWorkService struct {
	runFunc func(ctx context.Context, req metering.RunRequest, work metering.Work) (*domain.WorkUnit, error)
	getFunc func(ctx context.Context, accountID, workID uuid.UUID) (*domain.WorkUnit, error)
}

func (m *mockWorkService) Run(ctx context.Context, req metering.RunRequest, work metering.Work) (*domain.WorkUnit, error) {
	return m.runFunc(ctx, req, work)
}

func (m *mockWorkService) Get(ctx context.Context, accountID, workID uuid.UUID) (*domain.WorkUnit, error) {
	return m.getFunc(ctx, accountID, workID)
}

// ---------------------------------------------------------------------------
// Mock ChainService
// ---------------------------------------------------------------------------

type mockChainService struct {
	appendFunc      func(ctx context.Context, req chain.AppendRequest) (*domain.ChainBlock, error)
	blocksFunc      func(ctx context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error)
	headFunc        func(ctx context.Context, chainID string) (*domain.ChainBlock, error)
	verifyRangeFunc func(ctx context.Context, chainID string, from, to int64) (chain.VerifyResult, error)
}

func (m *mockChainService) Append(ctx context.Context, req chain.AppendRequest) (*domain.ChainBlock, error) {
	return m.appendFunc(ctx, req)
}

func (m *mockChainService) Blocks(ctx context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error) {
	return m.blocksFunc(ctx, chainID, from, limit)
}

func (m *mockChainService) Head(ctx context.Context, chainID string) (*domain.ChainBlock, error) {
	return m.headFunc(ctx, chainID)
}

func (m *mockChainService) VerifyRange(ctx context.Context, chainID string, from, to int64) (chain.VerifyResult, error) {
	return m.verifyRangeFunc(ctx, chainID, from, to)
}

// ---------------------------------------------------------------------------
// Mock AuditReader
// ---------------------------------------------------------------------------

type mockAuditReader struct {
	queryFunc func(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error)
}

func (m *mockAuditReader) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	return m.queryFunc(ctx, f)
}
