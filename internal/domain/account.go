package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Account is a billing principal with a spendable credit balance.
// Accounts are never deleted; Disabled marks them unusable.
type Account struct {
	ID        uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AccountRepository interface {
	// Create inserts a new account. Returns ErrDuplicate if the ID exists.
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// CompareAndSetBalance writes balance and bumps the version only if the
	// stored version still equals expectedVersion. Returns ErrConflict when
	// another writer got there first.
	CompareAndSetBalance(ctx context.Context, id uuid.UUID, expectedVersion, balance int64, at time.Time) error

	// SetDisabled follows the same compare-and-set rule as CompareAndSetBalance.
	SetDisabled(ctx context.Context, id uuid.UUID, expectedVersion int64, disabled bool, at time.Time) error
}
