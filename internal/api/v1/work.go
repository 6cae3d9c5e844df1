package v1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

type RunWorkInput struct {
	Kind string `path:"kind" minLength:"1" maxLength:"64" doc:"Registered work kind"`
	Body struct {
		RequestID string          `json:"request_id,omitempty" maxLength:"128" doc:"Idempotency key, unique per account"`
		Payload   json.RawMessage `json:"payload,omitempty" doc:"Input passed to the work kind"`
	}
}

type WorkOutput struct {
	Body *domain.WorkUnit
}

type GetWorkInput struct {
	ID uuid.UUID `path:"id" doc:"Work unit ID"`
}

func RegisterWorkRoutes(api huma.API, work WorkService) {
	huma.Register(api, huma.Operation{
		OperationID: "run-work",
		Method:      http.MethodPost,
		Path:        "/work/{kind}",
		Summary:     "Charge for and run one unit of a registered work kind",
		Tags:        []string{"Work"},
	}, func(ctx context.Context, input *RunWorkInput) (*WorkOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleMember); err != nil {
			return nil, err
		}

		return runWork(ctx, work, c, input.Kind, input.Body.RequestID, input.Body.Payload)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{id}",
		Summary:     "Get a work unit by ID",
		Tags:        []string{"Work"},
	}, func(ctx context.Context, input *GetWorkInput) (*WorkOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}

		unit, err := work.Get(ctx, c.accountID, input.ID)
		if err != nil {
			return nil, problem(err, "work unit")
		}

		return &WorkOutput{Body: unit}, nil
	})
}

// runWork charges the caller's account for kind and runs it. The price always
// comes from the registry.
func runWork(ctx context.Context, work WorkService, c caller, kind, requestID string, payload []byte) (*WorkOutput, error) {
	unit, err := work.Run(ctx, metering.RunRequest{
		BeginRequest: metering.BeginRequest{
			AccountID: c.accountID,
			ActorID:   c.actorID,
			Kind:      kind,
			RequestID: requestID,
		},
		Payload: payload,
	}, nil)
	if err != nil {
		if unit != nil {
			return nil, problem(err, "work "+unit.ID.String()+" "+string(unit.Status))
		}
		return nil, problem(err, "failed to run work")
	}

	return &WorkOutput{Body: unit}, nil
}
