package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	ContextKeyAccountID contextKey = "account_id"
	ContextKeyActorID   contextKey = "actor_id"
	ContextKeyUserRole  contextKey = "role"
)

func AccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyAccountID).(uuid.UUID)
	return v, ok
}

func ActorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyActorID).(uuid.UUID)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyUserRole).(string)
	return v, ok
}

// WithIdentity stores a verified caller on ctx.
func WithIdentity(ctx context.Context, accountID, actorID uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyAccountID, accountID)
	ctx = context.WithValue(ctx, ContextKeyActorID, actorID)
	return context.WithValue(ctx, ContextKeyUserRole, role)
}
