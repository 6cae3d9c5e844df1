package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
)

type accountRepo struct {
	view
}

func (r *accountRepo) Create(_ context.Context, a *domain.Account) error {
	return r.read(func(st *state) error {
		if _, ok := st.accounts[a.ID]; ok {
			return fmt.Errorf("memory.accountRepo.Create: %w", domain.ErrDuplicate)
		}
		st.accounts[a.ID] = *a
		return nil
	})
}

func (r *accountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	var out domain.Account
	err := r.read(func(st *state) error {
		a, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("memory.accountRepo.GetByID: %w", domain.ErrNotFound)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *accountRepo) CompareAndSetBalance(_ context.Context, id uuid.UUID, expectedVersion, balance int64, at time.Time) error {
	return r.read(func(st *state) error {
		a, err := casTarget(st, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("memory.accountRepo.CompareAndSetBalance: %w", err)
		}
		a.Balance = balance
		a.Version++
		a.UpdatedAt = at
		st.accounts[id] = a
		return nil
	})
}

func (r *accountRepo) SetDisabled(_ context.Context, id uuid.UUID, expectedVersion int64, disabled bool, at time.Time) error {
	return r.read(func(st *state) error {
		a, err := casTarget(st, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("memory.accountRepo.SetDisabled: %w", err)
		}
		a.Disabled = disabled
		a.Version++
		a.UpdatedAt = at
		st.accounts[id] = a
		return nil
	})
}

func casTarget(st *state, id uuid.UUID, expectedVersion int64) (domain.Account, error) {
	a, ok := st.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	if a.Version != expectedVersion {
		return domain.Account{}, domain.ErrConflict
	}
	return a, nil
}
