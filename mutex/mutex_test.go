package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/executor"
	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/store/memory"
	"github.com/flowmesh/flowmesh/workflow"
)

type fixture struct {
	svc    *Service
	eng    *engine.Engine
	store  *memory.Store
	locks  *lock.Service
	block  chan struct{}
	defSvc *definition.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	locks := lock.NewService(st)
	defs := definition.NewService(st, locks)

	block := make(chan struct{})
	reg := executor.NewRegistry()
	reg.Register("hold", executor.Func(func(_ context.Context, _ executor.ExecutionContext) (executor.Result, error) {
		<-block
		return executor.OK(nil), nil
	}))

	eng := engine.New("engine-1", st, reg, locks,
		engine.WithBackoff(time.Millisecond, 4*time.Millisecond))

	def := &workflow.Definition{
		Name:    "order-processing",
		Version: 1,
		Nodes:   []workflow.Node{{ID: "work", Kind: workflow.NodeTask, Executor: "hold"}},
	}
	require.NoError(t, defs.Create(context.Background(), def))
	require.NoError(t, defs.Activate(context.Background(), def.Name, 1, "test-admin"))

	return &fixture{
		svc:    NewService(st, defs, locks, eng),
		eng:    eng,
		store:  st,
		locks:  locks,
		block:  block,
		defSvc: defs,
	}
}

func TestCreateExclusiveStartsInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
		Inputs:         map[string]any{"orderId": "12345"},
		BusinessKey:    "biz-12345",
		CreatedBy:      "api",
	})
	require.NoError(t, err)

	inst, err := f.store.GetInstance(ctx, run.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, "order-12345", inst.MutexKey)
	assert.Equal(t, "biz-12345", inst.BusinessKey)
	assert.Equal(t, "api", inst.CreatedBy)
	assert.Equal(t, "order-12345", inst.ContextData["mutexKey"])
	assert.NotEmpty(t, inst.ContextData["mutexOwner"])

	// The creation lease is released once the instance is running.
	_, err = f.store.GetLock(ctx, lock.MutexKey("order-12345"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	close(f.block)
	final, werr := run.Wait(ctx)
	require.NoError(t, werr)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
}

func TestCreateExclusiveConflictsWithLiveInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defer close(f.block)

	first, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)

	_, err = f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.Error(t, err)
	assert.True(t, workflow.IsConflict(err))
	var ce *workflow.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, first.InstanceID(), ce.ConflictingInstanceID)

	// A different key is unaffected.
	_, err = f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-99999",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)
}

func TestCreateExclusiveAllowedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)
	require.NoError(t, f.eng.Cancel(ctx, first.InstanceID()))

	second, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID(), second.InstanceID())
	close(f.block)
}

func TestCreateExclusiveConflictsWithPausedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defer close(f.block)

	first, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)
	require.NoError(t, f.eng.Pause(ctx, first.InstanceID()))

	_, err = f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	assert.True(t, workflow.IsConflict(err))
}

func TestCreateExclusiveLeaseContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another creator holds the mutex lease mid-protocol.
	ok, err := f.locks.Acquire(ctx, lock.MutexKey("order-12345"), "create-999-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-12345",
		DefinitionName: "order-processing",
	})
	require.Error(t, err)
	assert.True(t, workflow.IsConflict(err))
	var ce *workflow.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, ce.ConflictingInstanceID)
}

func TestCreateExclusiveResolvesPinnedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	defer close(f.block)

	v2 := &workflow.Definition{
		Name:    "order-processing",
		Version: 2,
		Nodes:   []workflow.Node{{ID: "work", Kind: workflow.NodeTask, Executor: "hold"}},
	}
	require.NoError(t, f.defSvc.Create(ctx, v2))
	require.NoError(t, f.defSvc.Activate(ctx, "order-processing", 2, "admin"))

	run, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-1",
		DefinitionName: "order-processing",
	})
	require.NoError(t, err)
	inst, err := f.store.GetInstance(ctx, run.InstanceID())
	require.NoError(t, err)
	assert.Equal(t, v2.ID, inst.DefinitionID)

	pinned, err := f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:          "order-2",
		DefinitionName:    "order-processing",
		DefinitionVersion: 1,
	})
	require.NoError(t, err)
	inst, err = f.store.GetInstance(ctx, pinned.InstanceID())
	require.NoError(t, err)
	assert.NotEqual(t, v2.ID, inst.DefinitionID)
}

func TestCreateExclusiveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateExclusive(ctx, CreateRequest{DefinitionName: "order-processing"})
	assert.True(t, workflow.IsValidation(err))

	_, err = f.svc.CreateExclusive(ctx, CreateRequest{MutexKey: "order-1"})
	assert.True(t, workflow.IsValidation(err))

	_, err = f.svc.CreateExclusive(ctx, CreateRequest{
		MutexKey:       "order-1",
		DefinitionName: "missing",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
