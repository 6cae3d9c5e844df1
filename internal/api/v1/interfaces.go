package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	"github.com/gosuda/meterchain/internal/metering"
)

// AccountService abstracts balance operations for handler testing.
// *ledger.Ledger satisfies this interface.
type AccountService interface {
	Open(ctx context.Context, accountID, actorID uuid.UUID, startingBalance int64) (*domain.Account, error)
	Balance(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.BalanceChange, error)
	Disable(ctx context.Context, accountID, actorID uuid.UUID) (*domain.Account, error)
}

// WorkService abstracts metered work for handler testing.
// *metering.Orchestrator satisfies this interface.
type WorkService interface {
	Run(ctx context.Context, req metering.RunRequest, work metering.Work) (*domain.WorkUnit, error)
	Get(ctx context.Context, accountID, workID uuid.UUID) (*domain.WorkUnit, error)
}

// ChainService abstracts evidence chain operations for handler testing.
// *chain.Chain satisfies this interface.
type ChainService interface {
	Append(ctx context.Context, req chain.AppendRequest) (*domain.ChainBlock, error)
	Blocks(ctx context.Context, chainID string, from int64, limit int) ([]*domain.ChainBlock, error)
	Head(ctx context.Context, chainID string) (*domain.ChainBlock, error)
	VerifyRange(ctx context.Context, chainID string, from, to int64) (chain.VerifyResult, error)
}

// AuditReader abstracts audit queries for handler testing.
// *audit.Log satisfies this interface.
type AuditReader interface {
	Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error)
}
