package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

func newInstance(id, engineID string, status workflow.InstanceStatus) *workflow.Instance {
	return &workflow.Instance{
		ID:               id,
		DefinitionID:     "def-1",
		Name:             "wf",
		Status:           status,
		AssignedEngineID: engineID,
		MaxRetries:       3,
	}
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	inst := newInstance("i1", "", workflow.StatusPending)
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.ErrorIs(t, s.CreateInstance(ctx, inst), store.ErrDuplicate)

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	got, err = s.UpdateStatus(ctx, "i1", workflow.StatusRunning, store.InstancePatch{})
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	out := map[string]any{"result": 1}
	got, err = s.UpdateStatus(ctx, "i1", workflow.StatusCompleted, store.InstancePatch{OutputData: out})
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, out, got.OutputData)

	// Terminal rows never move again.
	_, err = s.UpdateStatus(ctx, "i1", workflow.StatusRunning, store.InstancePatch{})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestUpdateStatusPauseResume(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i1", "e1", workflow.StatusPending)))

	_, err := s.UpdateStatus(ctx, "i1", workflow.StatusRunning, store.InstancePatch{})
	require.NoError(t, err)

	got, err := s.UpdateStatus(ctx, "i1", workflow.StatusPaused, store.InstancePatch{})
	require.NoError(t, err)
	require.NotNil(t, got.PausedAt)

	got, err = s.UpdateStatus(ctx, "i1", workflow.StatusRunning, store.InstancePatch{})
	require.NoError(t, err)
	assert.Nil(t, got.PausedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateStatusUnknownInstance(t *testing.T) {
	s := New()
	_, err := s.UpdateStatus(context.Background(), "nope", workflow.StatusRunning, store.InstancePatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssignEngineConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i1", "", workflow.StatusPending)))

	require.NoError(t, s.AssignEngine(ctx, "i1", "", "e1", "e1"))

	// Wrong previous owner loses the race.
	err := s.AssignEngine(ctx, "i1", "", "e2", "e2")
	assert.ErrorIs(t, err, workflow.ErrStaleOwner)

	require.NoError(t, s.AssignEngine(ctx, "i1", "e1", "e2", "e2"))
	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "e2", got.AssignedEngineID)
}

func TestFindByAssignedEngine(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i1", "e1", workflow.StatusRunning)))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i2", "e1", workflow.StatusCompleted)))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i3", "e2", workflow.StatusRunning)))

	got, err := s.FindByAssignedEngine(ctx, "e1", workflow.StatusRunning, workflow.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}

func TestFindByMutexKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	withKey := newInstance("i1", "e1", workflow.StatusRunning)
	withKey.MutexKey = "order-42"
	require.NoError(t, s.CreateInstance(ctx, withKey))
	done := newInstance("i2", "e1", workflow.StatusCompleted)
	done.MutexKey = "order-42"
	require.NoError(t, s.CreateInstance(ctx, done))

	got, err := s.FindByMutexKey(ctx, "order-42", workflow.StatusRunning)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}

func TestLockLease(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakePassiveClock(time.Now())
	s := New(WithClock(clk))

	ok, err := s.AcquireLock(ctx, "wf:i1", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Contended while live.
	ok, err = s.AcquireLock(ctx, "wf:i1", "e2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-entrant for the holder.
	ok, err = s.AcquireLock(ctx, "wf:i1", "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RenewLock(ctx, "wf:i1", "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-holders cannot renew.
	ok, err = s.RenewLock(ctx, "wf:i1", "e2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expiry frees the key for the next claimant.
	clk.SetTime(clk.Now().Add(2 * time.Minute))
	ok, err = s.RenewLock(ctx, "wf:i1", "e1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AcquireLock(ctx, "wf:i1", "e2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.AcquireLock(ctx, "k", "e1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing someone else's lock is a no-op.
	require.NoError(t, s.ReleaseLock(ctx, "k", "e2"))
	l, err := s.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "e1", l.OwnerID)

	require.NoError(t, s.ReleaseLock(ctx, "k", "e1"))
	require.NoError(t, s.ReleaseLock(ctx, "k", "e1"))
	_, err = s.GetLock(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockExclusivityProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	// Whatever interleaving of acquires happens, at most one owner ever
	// believes it holds a given key at a time.
	properties.Property("at most one live holder per key", prop.ForAll(
		func(owners []int, ttlSecs int) bool {
			ctx := context.Background()
			clk := clocktesting.NewFakePassiveClock(time.Now())
			s := New(WithClock(clk))
			ttl := time.Duration(ttlSecs) * time.Second
			holders := map[string]bool{}
			for _, o := range owners {
				owner := fmt.Sprintf("e%d", o%3)
				ok, err := s.AcquireLock(ctx, "k", owner, ttl)
				if err != nil {
					return false
				}
				if ok {
					holders = map[string]bool{owner: true}
				} else if holders[owner] {
					// An acquire by the current holder must never fail.
					return false
				}
				l, err := s.GetLock(ctx, "k")
				if err != nil || len(holders) != 1 || !holders[l.OwnerID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)), gen.IntRange(5, 600),
	))

	properties.TestingRun(t)
}

func TestNodeInstanceReset(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateInstance(ctx, newInstance("i1", "e1", workflow.StatusRunning)))

	now := time.Now()
	running := &workflow.NodeInstance{
		ID: "n1", WorkflowInstanceID: "i1", NodeID: "a",
		Status: workflow.NodeRunning, StartedAt: &now,
	}
	completedNode := &workflow.NodeInstance{
		ID: "n2", WorkflowInstanceID: "i1", NodeID: "b",
		Status: workflow.NodeCompleted, StartedAt: &now, FinishedAt: &now,
	}
	require.NoError(t, s.CreateNodeInstance(ctx, running))
	require.NoError(t, s.CreateNodeInstance(ctx, completedNode))

	n, err := s.ResetNodes(ctx, []string{"n1", "n2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetNodeInstance(ctx, "i1", "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.NodePending, got.Status)
	assert.Nil(t, got.StartedAt)

	got, err = s.GetNodeInstance(ctx, "i1", "b")
	require.NoError(t, err)
	assert.Equal(t, workflow.NodeCompleted, got.Status)
}

func TestEngineLiveness(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakePassiveClock(time.Now())
	s := New(WithClock(clk))

	require.NoError(t, s.UpsertEngine(ctx, &workflow.EngineInstance{InstanceID: "e1", Hostname: "h1"}))
	require.NoError(t, s.UpsertEngine(ctx, &workflow.EngineInstance{InstanceID: "e2", Hostname: "h2"}))

	active, err := s.ListActiveEngines(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Only e2 keeps heartbeating.
	clk.SetTime(clk.Now().Add(3 * time.Minute))
	ok, err := s.Heartbeat(ctx, "e2", workflow.LoadInfo{ActiveInstances: 4})
	require.NoError(t, err)
	require.True(t, ok)

	active, err = s.ListActiveEngines(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "e2", active[0].InstanceID)
	assert.Equal(t, 4, active[0].Load.ActiveInstances)

	stale, err := s.ListStaleEngines(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "e1", stale[0].InstanceID)

	ok, err = s.Heartbeat(ctx, "ghost", workflow.LoadInfo{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefinitionVersioning(t *testing.T) {
	ctx := context.Background()
	s := New()

	v1 := &workflow.Definition{ID: "d1", Name: "wf", Version: 1, Nodes: []workflow.Node{{ID: "a", Kind: workflow.NodeTask, Executor: "echo"}}}
	v2 := &workflow.Definition{ID: "d2", Name: "wf", Version: 2, Nodes: []workflow.Node{{ID: "a", Kind: workflow.NodeTask, Executor: "echo"}}}
	require.NoError(t, s.CreateDefinition(ctx, v1))
	require.NoError(t, s.CreateDefinition(ctx, v2))
	require.ErrorIs(t, s.CreateDefinition(ctx, &workflow.Definition{ID: "d3", Name: "wf", Version: 2}), store.ErrDuplicate)

	require.NoError(t, s.SetActiveVersion(ctx, "wf", 1))
	active, err := s.GetActiveDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	// Activation switches atomically; the old version loses the flag.
	require.NoError(t, s.SetActiveVersion(ctx, "wf", 2))
	active, err = s.GetActiveDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	versions, err := s.ListDefinitionVersions(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.True(t, versions[0].IsActive)
	assert.False(t, versions[1].IsActive)
}

func TestCompleteFailover(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.UpsertEngine(ctx, &workflow.EngineInstance{InstanceID: "e1"}))
	require.NoError(t, s.UpsertEngine(ctx, &workflow.EngineInstance{InstanceID: "e2"}))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i1", "e1", workflow.StatusRunning)))
	require.NoError(t, s.CreateInstance(ctx, newInstance("i2", "e1", workflow.StatusRunning)))

	now := time.Now()
	require.NoError(t, s.CreateNodeInstance(ctx, &workflow.NodeInstance{
		ID: "n1", WorkflowInstanceID: "i1", NodeID: "a",
		Status: workflow.NodeRunning, StartedAt: &now,
	}))
	ev := &workflow.FailoverEvent{EventID: "ev1", FailedEngineID: "e1", Reason: "heartbeat timeout", Status: workflow.FailoverInitiated}
	require.NoError(t, s.CreateFailoverEvent(ctx, ev))

	require.NoError(t, s.CompleteFailover(ctx, store.FailoverTransfer{
		EventID:         "ev1",
		FromEngineID:    "e1",
		ToEngineID:      "e2",
		InstanceIDs:     []string{"i1", "i2"},
		NodeInstanceIDs: []string{"n1"},
	}))

	for _, id := range []string{"i1", "i2"} {
		inst, err := s.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "e2", inst.AssignedEngineID, id)
		assert.Equal(t, workflow.StatusRunning, inst.Status, id)
	}
	ni, err := s.GetNodeInstance(ctx, "i1", "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.NodePending, ni.Status)

	eng, err := s.GetEngine(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, workflow.EngineInactive, eng.Status)

	got, err := s.GetFailoverEvent(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, workflow.FailoverCompleted, got.Status)
	assert.Equal(t, "e2", got.TakeoverEngineID)
	assert.NotNil(t, got.RecoveryCompletedAt)
}
