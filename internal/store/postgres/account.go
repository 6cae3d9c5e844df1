package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/meterchain/internal/domain"
)

type AccountRepo struct {
	db dbtx
}

func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, balance, version, disabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Balance, a.Version, a.Disabled, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("accountRepo.Create: %w", classify(err))
	}

	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account

	err := r.db.QueryRow(ctx,
		`SELECT id, balance, version, disabled, created_at, updated_at
		 FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Balance, &a.Version, &a.Disabled, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("accountRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("accountRepo.GetByID: %w", err)
	}

	return &a, nil
}

func (r *AccountRepo) CompareAndSetBalance(ctx context.Context, id uuid.UUID, expectedVersion, balance int64, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		balance, at, id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("accountRepo.CompareAndSetBalance: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, "accountRepo.CompareAndSetBalance", id)
	}

	return nil
}

func (r *AccountRepo) SetDisabled(ctx context.Context, id uuid.UUID, expectedVersion int64, disabled bool, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET disabled = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		disabled, at, id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("accountRepo.SetDisabled: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, "accountRepo.SetDisabled", id)
	}

	return nil
}

// missOrConflict explains a zero-row conditional update.
func (r *AccountRepo) missOrConflict(ctx context.Context, caller string, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", caller, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", caller, domain.ErrConflict)
}
