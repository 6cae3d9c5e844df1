package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

type QueryAuditInput struct {
	AccountID  string    `query:"account_id" doc:"Account to query; admins only, defaults to the caller's account"`
	System     bool      `query:"system" doc:"Only events not tied to any account, such as chain violations; admins only"`
	EventTypes []string  `query:"event_type" doc:"Only these event types"`
	ActorID    string    `query:"actor_id" doc:"Only events by this actor"`
	TargetRef  string    `query:"target_ref" doc:"Only events about this target, e.g. work/<id>"`
	From       time.Time `query:"from" doc:"Inclusive lower timestamp bound (RFC 3339)"`
	To         time.Time `query:"to" doc:"Exclusive upper timestamp bound (RFC 3339)"`
	Limit      int       `query:"limit" minimum:"0" maximum:"500" doc:"Page size (default 100)"`
	Offset     int       `query:"offset" minimum:"0" doc:"Events to skip"`
}

type QueryAuditOutput struct {
	Body []*domain.AuditEvent
}

func RegisterAuditRoutes(api huma.API, reader AuditReader) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *QueryAuditInput) (*QueryAuditOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}

		accountID := c.accountID
		system := input.System
		if input.AccountID != "" {
			id, err := uuid.Parse(input.AccountID)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("invalid account_id")
			}
			if system && id != uuid.Nil {
				return nil, huma.Error422UnprocessableEntity("system and account_id are mutually exclusive")
			}
			if id != c.accountID && !middleware.HasRole(c.role, middleware.RoleAdmin) {
				return nil, huma.Error403Forbidden("admin role required to read another account")
			}
			accountID = id
		}
		// The nil account holds system events; it never means "every account".
		if accountID == uuid.Nil {
			system = true
		}
		if system && !middleware.HasRole(c.role, middleware.RoleAdmin) {
			return nil, huma.Error403Forbidden("admin role required to read system events")
		}

		filter := domain.AuditFilter{
			AccountID: accountID,
			System:    system,
			TargetRef: input.TargetRef,
			From:      input.From,
			To:        input.To,
			Limit:     input.Limit,
			Offset:    input.Offset,
		}

		if input.ActorID != "" {
			filter.ActorID, err = uuid.Parse(input.ActorID)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("invalid actor_id")
			}
		}

		if len(input.EventTypes) > 0 {
			filter.EventTypes, err = audit.ParseEventTypes(input.EventTypes)
			if err != nil {
				return nil, problem(err, "invalid event_type")
			}
		}

		events, err := reader.Query(ctx, filter)
		if err != nil {
			return nil, problem(err, "failed to query audit log")
		}

		return &QueryAuditOutput{Body: events}, nil
	})
}
