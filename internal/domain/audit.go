package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCharged         EventType = "charged"
	EventWorkCompleted   EventType = "work_completed"
	EventWorkFailed      EventType = "work_failed"
	EventWorkReconciled  EventType = "work_reconciled"
	EventRefunded        EventType = "refunded"
	EventCredited        EventType = "credited"
	EventAccountOpened   EventType = "account_opened"
	EventAccountDisabled EventType = "account_disabled"
	// EventRoleChanged is reserved for the identity provider, which owns
	// roles and may write to the shared audit store. This service never
	// emits it.
	EventRoleChanged     EventType = "role_changed"
	EventEntrySealed     EventType = "entry_sealed"
	EventChainViolation  EventType = "chain_violation"
)

// SystemActor is the actor recorded for transitions no user initiated,
// such as reconciliation and scheduled verification.
var SystemActor = uuid.Nil //nolint:gochecknoglobals // well-known id

// AuditEvent is an immutable fact about a sensitive state transition.
// Sequence is assigned by the store and breaks timestamp ties.
type AuditEvent struct {
	Sequence    int64          `json:"sequence"`
	ID          uuid.UUID      `json:"id"`
	EventType   EventType      `json:"event_type"`
	AccountID   uuid.UUID      `json:"account_id"`
	ActorID     uuid.UUID      `json:"actor_id"`
	TargetRef   string         `json:"target_ref,omitempty"`
	BeforeState map[string]any `json:"before_state,omitempty"`
	AfterState  map[string]any `json:"after_state,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AuditFilter narrows an audit query. Zero values mean "no constraint".
type AuditFilter struct {
	AccountID  uuid.UUID
	EventTypes []EventType
	ActorID    uuid.UUID
	TargetRef  string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int

	// System selects only events recorded against no account, such as chain
	// violations. AccountID is ignored when it is set.
	System bool
}

// Matches reports whether e satisfies every constraint except pagination.
func (f AuditFilter) Matches(e *AuditEvent) bool {
	switch {
	case f.System:
		if e.AccountID != uuid.Nil {
			return false
		}
	case f.AccountID != uuid.Nil:
		if e.AccountID != f.AccountID {
			return false
		}
	}
	if f.ActorID != uuid.Nil && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetRef != "" && e.TargetRef != f.TargetRef {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if e.EventType == t {
			return true
		}
	}
	return false
}

// AuditRepository has no update or delete: events are append-only.
type AuditRepository interface {
	// Append stores e and sets e.Sequence.
	Append(ctx context.Context, e *AuditEvent) error
	// Query returns matching events ordered by timestamp, then sequence.
	Query(ctx context.Context, f AuditFilter) ([]*AuditEvent, error)
}
