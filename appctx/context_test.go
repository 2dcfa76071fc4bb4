package appctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey_ValueAndWith(t *testing.T) {
	ctx := context.Background()

	_, ok := UserId.Value(ctx)
	assert.False(t, ok)

	ctx = UserId.With(ctx, 42)
	v, ok := UserId.Value(ctx)
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	// keys with the same value type do not collide
	ctx = Username.With(ctx, "kana")
	ctx = CorrelationId.With(ctx, "cid-1")
	name, _ := Username.Value(ctx)
	cid, _ := CorrelationId.Value(ctx)
	assert.Equal(t, "kana", name)
	assert.Equal(t, "cid-1", cid)
}

type foreignKey string

func TestKey_IgnoresForeignValues(t *testing.T) {
	ctx := context.WithValue(context.Background(), foreignKey("user_id"), 7)
	_, ok := UserId.Value(ctx)
	assert.False(t, ok)
}

func TestFlag(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Flag(ctx, IsAdmin))
	assert.True(t, Flag(IsAdmin.With(ctx, true), IsAdmin))
	assert.False(t, Flag(SkipOwnerScope.With(ctx, false), SkipOwnerScope))
	assert.False(t, Flag(IsAdmin.With(ctx, true), SkipOwnerScope))
}
