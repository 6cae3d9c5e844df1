package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/meterchain/internal/domain"
)

type AuditRepo struct {
	db dbtx
}

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEvent) error {
	before, err := marshalState(e.BeforeState)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: marshal before_state: %w", err)
	}
	after, err := marshalState(e.AfterState)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: marshal after_state: %w", err)
	}
	details, err := marshalState(e.Details)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: marshal details: %w", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO audit_events (id, event_type, account_id, actor_id, target_ref, before_state, after_state, details, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING sequence`,
		e.ID, e.EventType, e.AccountID, e.ActorID, e.TargetRef,
		before, after, details, e.Timestamp,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: %w", classify(err))
	}

	return nil
}

func (r *AuditRepo) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	switch {
	case f.System:
		add("account_id = $%d", uuid.Nil)
	case f.AccountID != uuid.Nil:
		add("account_id = $%d", f.AccountID)
	}
	if f.ActorID != uuid.Nil {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetRef != "" {
		add("target_ref = $%d", f.TargetRef)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts < $%d", f.To)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT sequence, id, event_type, account_id, actor_id, target_ref, before_state, after_state, details, ts
		 FROM audit_events`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ts, sequence")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.Query: %w", err)
	}
	defer rows.Close()

	return scanAuditEvents(rows, "auditRepo.Query")
}

func scanAuditEvents(rows pgx.Rows, caller string) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent
	for rows.Next() {
		var (
			e                      domain.AuditEvent
			before, after, details []byte
		)

		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.EventType, &e.AccountID, &e.ActorID, &e.TargetRef,
			&before, &after, &details, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		if err := unmarshalState(before, &e.BeforeState); err != nil {
			return nil, fmt.Errorf("%s: unmarshal before_state: %w", caller, err)
		}
		if err := unmarshalState(after, &e.AfterState); err != nil {
			return nil, fmt.Errorf("%s: unmarshal after_state: %w", caller, err)
		}
		if err := unmarshalState(details, &e.Details); err != nil {
			return nil, fmt.Errorf("%s: unmarshal details: %w", caller, err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return events, nil
}

// marshalState maps an empty map to SQL NULL.
func marshalState[M ~map[string]V, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalState[M ~map[string]V, V any](data []byte, dst *M) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
