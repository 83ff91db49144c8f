package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/store/memory"
)

func TestClampTTL(t *testing.T) {
	assert.Equal(t, MinTTL, ClampTTL(time.Second))
	assert.Equal(t, MinTTL, ClampTTL(0))
	assert.Equal(t, MaxTTL, ClampTTL(time.Hour))
	assert.Equal(t, time.Minute, ClampTTL(time.Minute))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "wf:i1", InstanceKey("i1"))
	assert.Equal(t, "mutex:order-42", MutexKey("order-42"))
	assert.Equal(t, "def:billing", DefinitionKey("billing"))
	assert.Equal(t, "scheduler:leader", LeaderKey)
}

func TestAcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New())

	ok, err := svc.Acquire(ctx, InstanceKey("i1"), "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Acquire(ctx, InstanceKey("i1"), "e2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Renew(ctx, InstanceKey("i1"), "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := svc.Holder(ctx, InstanceKey("i1"))
	require.NoError(t, err)
	assert.Equal(t, "e1", l.OwnerID)

	require.NoError(t, svc.Release(ctx, InstanceKey("i1"), "e1"))
	_, err = svc.Holder(ctx, InstanceKey("i1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err = svc.Acquire(ctx, InstanceKey("i1"), "e2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireClampsShortTTL(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.New())

	ok, err := svc.Acquire(ctx, "k", "e1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	l, err := svc.Holder(ctx, "k")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, l.ExpiresAt.Sub(l.AcquiredAt), MinTTL)
}
