// Package audit records immutable facts about sensitive state transitions
// and answers read-only queries over them.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/meterchain/internal/domain"
	redisstore "github.com/gosuda/meterchain/internal/store/redis"
)

const (
	// DefaultLimit is applied when a query does not set one.
	DefaultLimit = 100
	// MaxLimit caps a single page.
	MaxLimit = 500

	// OccurredAtKey holds a caller-supplied event time in Details.
	OccurredAtKey = "occurred_at"
)

// Publisher abstracts the Redis pub/sub publish operation.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Log is the append-only audit trail. It has no update or delete path.
type Log struct {
	store  domain.Store
	pubsub Publisher
	now    func() time.Time
}

// NewLog creates a Log. pubsub may be nil to disable live fan-out; now may be
// nil to use the wall clock.
func NewLog(store domain.Store, pubsub Publisher, now func() time.Time) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{store: store, pubsub: pubsub, now: now}
}

// Record appends e in its own transaction and announces it.
func (l *Log) Record(ctx context.Context, e *domain.AuditEvent) (*domain.AuditEvent, error) {
	err := l.store.InTx(ctx, func(tx domain.Repositories) error {
		return l.RecordIn(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}
	l.Announce(ctx, e)
	return e, nil
}

// RecordIn appends e through the caller's transaction. The caller announces
// the event after commit.
//
// Timestamp is always the write time so that reads ordered by time only ever
// grow at the end. A time set by the caller is kept in Details as
// "occurred_at".
func (l *Log) RecordIn(ctx context.Context, tx domain.Repositories, e *domain.AuditEvent) error {
	if e.EventType == "" {
		return fmt.Errorf("audit.Log.RecordIn: event type: %w", domain.ErrInvalidInput)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if !e.Timestamp.IsZero() {
		details := maps.Clone(e.Details)
		if details == nil {
			details = make(map[string]any, 1)
		}
		if _, ok := details[OccurredAtKey]; !ok {
			details[OccurredAtKey] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		e.Details = details
	}
	e.Timestamp = l.now()
	if err := tx.Audit().Append(ctx, e); err != nil {
		return fmt.Errorf("audit.Log.RecordIn: %w", err)
	}
	return nil
}

// Announce publishes committed events to each account's audit channel.
// Failures are logged; the stored event remains authoritative.
func (l *Log) Announce(ctx context.Context, events ...*domain.AuditEvent) {
	if l.pubsub == nil {
		return
	}
	for _, e := range events {
		payload, err := json.Marshal(map[string]any{
			"type":  "audit_event",
			"event": e,
		})
		if err != nil {
			log.Error().Err(err).Str("event_id", e.ID.String()).Msg("audit.Announce: marshal")
			continue
		}
		if err := l.pubsub.Publish(ctx, redisstore.AuditChannel(e.AccountID), payload); err != nil {
			log.Warn().Err(err).Str("event_id", e.ID.String()).Msg("audit.Announce: publish failed")
		}
	}
}

// Query returns matching events ordered by timestamp, then sequence.
func (l *Log) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	if f.Offset < 0 || f.Limit < 0 {
		return nil, fmt.Errorf("audit.Log.Query: negative pagination: %w", domain.ErrInvalidInput)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, fmt.Errorf("audit.Log.Query: from must precede to: %w", domain.ErrInvalidInput)
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	f.Limit = min(f.Limit, MaxLimit)

	events, err := l.store.Audit().Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit.Log.Query: %w", err)
	}
	return events, nil
}

// IsEventType reports whether s names a known event type.
func IsEventType(s string) bool {
	switch domain.EventType(s) {
	case domain.EventCharged, domain.EventWorkCompleted, domain.EventWorkFailed,
		domain.EventWorkReconciled, domain.EventRefunded, domain.EventCredited,
		domain.EventAccountOpened, domain.EventAccountDisabled, domain.EventRoleChanged,
		domain.EventEntrySealed, domain.EventChainViolation:
		return true
	}
	return false
}

// ParseEventTypes converts raw filter values, rejecting unknown names.
func ParseEventTypes(raw []string) ([]domain.EventType, error) {
	out := make([]domain.EventType, 0, len(raw))
	var errs []error
	for _, s := range raw {
		if !IsEventType(s) {
			errs = append(errs, fmt.Errorf("unknown event type %q", s))
			continue
		}
		out = append(out, domain.EventType(s))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("audit.ParseEventTypes: %w: %w", domain.ErrInvalidInput, err)
	}
	return out, nil
}
