package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/immersion_backend/appctx"
	"github.com/google/uuid"
)

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.Username.Value(ctx)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.UserId.Value(ctx)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.CorrelationId.Value(ctx)
}

func IsAdminContext(ctx context.Context) bool {
	return appctx.Flag(ctx, appctx.IsAdmin)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.UserId.With(ctx, userId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Username.With(ctx, username)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.CorrelationId.With(ctx, correlationId)
}

func SetAdminInContext(ctx context.Context) context.Context {
	return appctx.IsAdmin.With(ctx, true)
}

// WithoutOwnerScope marks ctx for jobs that must read across users (recalculation).
func WithoutOwnerScope(ctx context.Context) context.Context {
	return appctx.SkipOwnerScope.With(ctx, true)
}

// EnsureCorrelationId keeps an existing correlation id or assigns a new one.
func EnsureCorrelationId(ctx context.Context) (context.Context, string) {
	if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
		return ctx, v
	}
	id := uuid.NewString()
	return SetCorrelationIdInContext(ctx, id), id
}
