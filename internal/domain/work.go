package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusFailed    WorkStatus = "failed"
)

// ValidTransition checks if a work unit state transition is allowed.
// Pending is the only non-terminal state: pending->completed, pending->failed.
func (s WorkStatus) ValidTransition(to WorkStatus) bool {
	return s == WorkStatusPending && (to == WorkStatusCompleted || to == WorkStatusFailed)
}

// Terminal reports whether no further transition is possible.
func (s WorkStatus) Terminal() bool {
	return s == WorkStatusCompleted || s == WorkStatusFailed
}

// WorkUnit is one billable attempt at externally performed work.
type WorkUnit struct {
	ID          uuid.UUID  `json:"work_id"`
	AccountID   uuid.UUID  `json:"account_id"`
	ActorID     uuid.UUID  `json:"actor_id"`
	Kind        string     `json:"kind"`
	Cost        int64      `json:"cost"`
	Status      WorkStatus `json:"status"`
	RequestID   string     `json:"request_id,omitempty"`
	ResultRef   string     `json:"result_ref,omitempty"`
	ErrorReason string     `json:"error_reason,omitempty"`
	Refunded    bool       `json:"refunded"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// WorkOutcome is the terminal state written by WorkUnitRepository.Finalize.
type WorkOutcome struct {
	Status      WorkStatus
	ResultRef   string
	ErrorReason string
	Refunded    bool
	At          time.Time
}

// Apply copies the outcome onto u.
func (o WorkOutcome) Apply(u *WorkUnit) {
	u.Status = o.Status
	u.ResultRef = o.ResultRef
	u.ErrorReason = o.ErrorReason
	u.Refunded = o.Refunded
	at := o.At
	switch o.Status {
	case WorkStatusCompleted:
		u.CompletedAt = &at
	case WorkStatusFailed:
		u.FailedAt = &at
	}
}

type WorkUnitRepository interface {
	// Create inserts a pending unit. Returns ErrDuplicate if a unit with the
	// same non-empty (AccountID, RequestID) already exists.
	Create(ctx context.Context, u *WorkUnit) error
	GetByID(ctx context.Context, accountID, id uuid.UUID) (*WorkUnit, error)
	GetByRequestID(ctx context.Context, accountID uuid.UUID, requestID string) (*WorkUnit, error)

	// Finalize moves a pending unit to a terminal state. Returns
	// ErrInvalidTransition if the unit is no longer pending.
	Finalize(ctx context.Context, id uuid.UUID, outcome WorkOutcome) error

	// ListPendingBefore returns pending units created before the cutoff,
	// oldest first.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*WorkUnit, error)
}
