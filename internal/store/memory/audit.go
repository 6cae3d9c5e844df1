package memory

import (
	"context"
	"maps"

	"github.com/gosuda/meterchain/internal/domain"
)

type auditRepo struct {
	view
}

func (r *auditRepo) Append(_ context.Context, e *domain.AuditEvent) error {
	return r.read(func(st *state) error {
		st.auditSeq++
		e.Sequence = st.auditSeq
		st.audit = append(st.audit, copyEvent(e))
		return nil
	})
}

func (r *auditRepo) Query(_ context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	var out []*domain.AuditEvent
	err := r.read(func(st *state) error {
		for i := range st.audit {
			if f.Matches(&st.audit[i]) {
				e := copyEvent(&st.audit[i])
				out = append(out, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortAudit(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func copyEvent(e *domain.AuditEvent) domain.AuditEvent {
	c := *e
	c.BeforeState = maps.Clone(e.BeforeState)
	c.AfterState = maps.Clone(e.AfterState)
	c.Details = maps.Clone(e.Details)
	return c
}
