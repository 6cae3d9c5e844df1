package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

// caller is the verified identity attached to a request by the auth
// middleware.
type caller struct {
	accountID uuid.UUID
	actorID   uuid.UUID
	role      string
}

func callerFromContext(ctx context.Context) (caller, error) {
	accountID, ok := middleware.AccountIDFromContext(ctx)
	if !ok || accountID == uuid.Nil {
		return caller{}, huma.Error403Forbidden("missing account context")
	}
	actorID, _ := middleware.ActorIDFromContext(ctx)
	role, _ := middleware.RoleFromContext(ctx)
	return caller{accountID: accountID, actorID: actorID, role: role}, nil
}

func (c caller) require(minimum string) error {
	if !middleware.HasRole(c.role, minimum) {
		return huma.Error403Forbidden(minimum + " role required")
	}
	return nil
}

// problem maps a service error to its HTTP status. Order matters: a failed
// external call may also carry the collaborator's own classification.
func problem(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return huma.NewError(http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, domain.ErrAccountDisabled):
		return huma.Error403Forbidden("account disabled")
	case errors.Is(err, domain.ErrExternalWork):
		return huma.Error502BadGateway(msg, err)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, metering.ErrUnknownKind):
		return huma.Error404NotFound(msg + ": not found")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, domain.ErrInvalidInput):
		return huma.Error422UnprocessableEntity(msg, err)
	}
	return huma.Error500InternalServerError(msg, err)
}
