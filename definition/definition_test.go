package definition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/store/memory"
	"github.com/flowmesh/flowmesh/workflow"
)

func newService(t *testing.T) (*Service, *memory.Store, *lock.Service) {
	t.Helper()
	st := memory.New()
	locks := lock.NewService(st)
	return NewService(st, locks), st, locks
}

func validDef(version int) *workflow.Definition {
	return &workflow.Definition{
		Name:    "billing",
		Version: version,
		Nodes: []workflow.Node{
			{ID: "charge", Kind: workflow.NodeTask, Executor: "payment"},
		},
	}
}

func TestCreateAssignsID(t *testing.T) {
	svc, _, _ := newService(t)
	def := validDef(1)
	require.NoError(t, svc.Create(context.Background(), def))
	assert.NotEmpty(t, def.ID)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	err := svc.Create(ctx, &workflow.Definition{Version: 1, Nodes: validDef(1).Nodes})
	assert.True(t, workflow.IsValidation(err))

	err = svc.Create(ctx, &workflow.Definition{Name: "x", Version: 1})
	assert.True(t, workflow.IsValidation(err))

	err = svc.Create(ctx, &workflow.Definition{Name: "x", Version: 0, Nodes: validDef(1).Nodes})
	assert.True(t, workflow.IsValidation(err))

	dup := &workflow.Definition{
		Name:    "x",
		Version: 1,
		Nodes: []workflow.Node{
			{ID: "a", Kind: workflow.NodeTask, Executor: "echo"},
			{ID: "p", Kind: workflow.NodeParallel, Branches: [][]workflow.Node{
				{{ID: "a", Kind: workflow.NodeTask, Executor: "echo"}},
			}},
		},
	}
	err = svc.Create(ctx, dup)
	assert.True(t, workflow.IsValidation(err))
}

func TestCreateDuplicateVersion(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, validDef(1)))
	err := svc.Create(ctx, validDef(1))
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestActivateSwitchesVersions(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, validDef(1)))
	require.NoError(t, svc.Create(ctx, validDef(2)))

	require.NoError(t, svc.Activate(ctx, "billing", 1, "admin-1"))
	active, err := svc.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	require.NoError(t, svc.Activate(ctx, "billing", 2, "admin-1"))
	active, err = svc.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	versions, err := svc.ListVersions(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestActivateContention(t *testing.T) {
	svc, _, locks := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, validDef(1)))

	// Another admin holds the activation lease.
	ok, err := locks.Acquire(ctx, lock.DefinitionKey("billing"), "admin-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = svc.Activate(ctx, "billing", 1, "admin-1")
	assert.True(t, workflow.IsConflict(err))
}

func TestGetMissing(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.GetVersion(context.Background(), "nope", 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
