package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
)

type workRepo struct {
	view
}

func (r *workRepo) Create(_ context.Context, u *domain.WorkUnit) error {
	return r.read(func(st *state) error {
		if _, ok := st.work[u.ID]; ok {
			return fmt.Errorf("memory.workRepo.Create: %w", domain.ErrDuplicate)
		}
		if u.RequestID != "" {
			key := requestKey{accountID: u.AccountID, requestID: u.RequestID}
			if _, ok := st.requests[key]; ok {
				return fmt.Errorf("memory.workRepo.Create: request %q: %w", u.RequestID, domain.ErrDuplicate)
			}
			st.requests[key] = u.ID
		}
		st.work[u.ID] = *u
		return nil
	})
}

func (r *workRepo) GetByID(_ context.Context, accountID, id uuid.UUID) (*domain.WorkUnit, error) {
	var out domain.WorkUnit
	err := r.read(func(st *state) error {
		u, ok := st.work[id]
		if !ok || u.AccountID != accountID {
			return fmt.Errorf("memory.workRepo.GetByID: %w", domain.ErrNotFound)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *workRepo) GetByRequestID(_ context.Context, accountID uuid.UUID, requestID string) (*domain.WorkUnit, error) {
	var out domain.WorkUnit
	err := r.read(func(st *state) error {
		id, ok := st.requests[requestKey{accountID: accountID, requestID: requestID}]
		if !ok {
			return fmt.Errorf("memory.workRepo.GetByRequestID: %w", domain.ErrNotFound)
		}
		out = st.work[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *workRepo) Finalize(_ context.Context, id uuid.UUID, outcome domain.WorkOutcome) error {
	return r.read(func(st *state) error {
		u, ok := st.work[id]
		if !ok {
			return fmt.Errorf("memory.workRepo.Finalize: %w", domain.ErrNotFound)
		}
		if !u.Status.ValidTransition(outcome.Status) {
			return fmt.Errorf("memory.workRepo.Finalize: %s -> %s: %w", u.Status, outcome.Status, domain.ErrInvalidTransition)
		}
		outcome.Apply(&u)
		st.work[id] = u
		return nil
	})
}

func (r *workRepo) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]*domain.WorkUnit, error) {
	var out []*domain.WorkUnit
	err := r.read(func(st *state) error {
		for _, u := range st.work {
			if u.Status == domain.WorkStatusPending && u.CreatedAt.Before(before) {
				out = append(out, &u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
