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

const workColumns = `id, account_id, actor_id, kind, cost, status, request_id, result_ref,
	error_reason, refunded, created_at, completed_at, failed_at`

type WorkUnitRepo struct {
	db dbtx
}

func (r *WorkUnitRepo) Create(ctx context.Context, u *domain.WorkUnit) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO work_units (`+workColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.AccountID, u.ActorID, u.Kind, u.Cost, u.Status, u.RequestID, u.ResultRef,
		u.ErrorReason, u.Refunded, u.CreatedAt, u.CompletedAt, u.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("workUnitRepo.Create: %w", classify(err))
	}

	return nil
}

func (r *WorkUnitRepo) GetByID(ctx context.Context, accountID, id uuid.UUID) (*domain.WorkUnit, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workColumns+` FROM work_units WHERE account_id = $1 AND id = $2`,
		accountID, id,
	)
	return scanWorkUnit(row, "workUnitRepo.GetByID")
}

func (r *WorkUnitRepo) GetByRequestID(ctx context.Context, accountID uuid.UUID, requestID string) (*domain.WorkUnit, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workColumns+` FROM work_units WHERE account_id = $1 AND request_id = $2 AND request_id <> ''`,
		accountID, requestID,
	)
	return scanWorkUnit(row, "workUnitRepo.GetByRequestID")
}

func (r *WorkUnitRepo) Finalize(ctx context.Context, id uuid.UUID, outcome domain.WorkOutcome) error {
	if !domain.WorkStatusPending.ValidTransition(outcome.Status) {
		return fmt.Errorf("workUnitRepo.Finalize: %w", domain.ErrInvalidTransition)
	}

	var u domain.WorkUnit
	outcome.Apply(&u)

	tag, err := r.db.Exec(ctx,
		`UPDATE work_units
		 SET status = $1, result_ref = $2, error_reason = $3, refunded = $4,
		     completed_at = $5, failed_at = $6
		 WHERE id = $7 AND status = 'pending'`,
		u.Status, u.ResultRef, u.ErrorReason, u.Refunded, u.CompletedAt, u.FailedAt, id,
	)
	if err != nil {
		return fmt.Errorf("workUnitRepo.Finalize: %w", classify(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM work_units WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("workUnitRepo.Finalize: %w", err)
	}
	if !exists {
		return fmt.Errorf("workUnitRepo.Finalize: %w", domain.ErrNotFound)
	}
	return fmt.Errorf("workUnitRepo.Finalize: %w", domain.ErrInvalidTransition)
}

func (r *WorkUnitRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.WorkUnit, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+workColumns+` FROM work_units
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		before, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("workUnitRepo.ListPendingBefore: %w", err)
	}
	defer rows.Close()

	var units []*domain.WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows, "workUnitRepo.ListPendingBefore")
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workUnitRepo.ListPendingBefore: rows: %w", err)
	}

	return units, nil
}

func scanWorkUnit(row pgx.Row, caller string) (*domain.WorkUnit, error) {
	var u domain.WorkUnit

	err := row.Scan(
		&u.ID, &u.AccountID, &u.ActorID, &u.Kind, &u.Cost, &u.Status, &u.RequestID, &u.ResultRef,
		&u.ErrorReason, &u.Refunded, &u.CreatedAt, &u.CompletedAt, &u.FailedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", caller, err)
	}

	return &u, nil
}
