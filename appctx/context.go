// Package appctx holds the request-scoped values shared by config and utils.
// It has no imports from this module so both can depend on it.
package appctx

import "context"

// Key is a context key that only carries values of type T.
type Key[T any] struct{ name string }

func (k Key[T]) String() string { return "appctx." + k.name }

// Value returns the stored value and whether one of type T was set.
func (k Key[T]) Value(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

func (k Key[T]) With(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

var (
	Username      = Key[string]{"username"}
	UserId        = Key[int]{"user_id"}
	CorrelationId = Key[string]{"correlation_id"}

	// IsAdmin bypasses owner scoping for operators.
	IsAdmin = Key[bool]{"is_admin"}

	// SkipOwnerScope is set only by recalculation jobs and the admin CLI.
	SkipOwnerScope = Key[bool]{"skip_owner_scope"}
)

// Flag reports whether a boolean key is set to true.
func Flag(ctx context.Context, k Key[bool]) bool {
	v, _ := k.Value(ctx)
	return v
}
