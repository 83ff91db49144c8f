// Package memory provides an in-memory implementation of the cluster store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. All times
// come from an injectable clock so liveness and lease tests can drive a fake
// clock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use; every method copies rows in and out so callers never share
// memory with the store.
type Store struct {
	mu  sync.RWMutex
	clk clock.PassiveClock

	instances  map[string]*workflow.Instance
	nodes      map[string]*workflow.NodeInstance
	nodeByVist map[string]string // instanceID "/" nodeID -> node instance id
	engines    map[string]*workflow.EngineInstance
	locks      map[string]*workflow.Lock
	defs       map[string]*workflow.Definition
	defByVer   map[string]string // name "@" version -> definition id
	events     map[string]*workflow.FailoverEvent
	eventOrder []string
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source. Defaults to the real clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) {
		if c != nil {
			s.clk = c
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clk:        clock.RealClock{},
		instances:  make(map[string]*workflow.Instance),
		nodes:      make(map[string]*workflow.NodeInstance),
		nodeByVist: make(map[string]string),
		engines:    make(map[string]*workflow.EngineInstance),
		locks:      make(map[string]*workflow.Lock),
		defs:       make(map[string]*workflow.Definition),
		defByVer:   make(map[string]string),
		events:     make(map[string]*workflow.FailoverEvent),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func visitKey(instanceID, nodeID string) string { return instanceID + "/" + nodeID }

func verKey(name string, version int) string { return fmt.Sprintf("%s@%d", name, version) }

// --- InstanceStore ---

// CreateInstance inserts a new instance row.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if _, ok := s.instances[inst.ID]; ok {
		return store.ErrDuplicate
	}
	now := s.clk.Now().UTC()
	cp := cloneInstance(inst)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.instances[cp.ID] = cp
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

// GetInstance returns the instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInstance(inst), nil
}

// UpdateStatus transitions the instance through the whitelist and applies
// patch. Lifecycle timestamps are derived from the target status here so the
// "completedAt iff terminal" invariant holds by construction.
func (s *Store) UpdateStatus(ctx context.Context, id string, to workflow.InstanceStatus, patch store.InstancePatch) (*workflow.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.TransitionAllowed(inst.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", workflow.ErrInvalidTransition, inst.Status, to)
	}
	now := s.clk.Now().UTC()
	applyPatch(inst, patch)
	inst.Status = to
	switch {
	case to == workflow.StatusRunning:
		if inst.StartedAt == nil {
			t := now
			inst.StartedAt = &t
		}
		inst.PausedAt = nil
	case to == workflow.StatusPaused:
		t := now
		inst.PausedAt = &t
	case to.Terminal():
		t := now
		inst.CompletedAt = &t
	}
	inst.UpdatedAt = now
	return cloneInstance(inst), nil
}

// SaveProgress persists blobs and node bookkeeping without a status change.
func (s *Store) SaveProgress(ctx context.Context, id string, patch store.InstancePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	applyPatch(inst, patch)
	inst.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// FindByAssignedEngine returns instances assigned to engineID in any of the
// given statuses.
func (s *Store) FindByAssignedEngine(ctx context.Context, engineID string, statuses ...workflow.InstanceStatus) ([]*workflow.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.AssignedEngineID != engineID {
			continue
		}
		if len(statuses) > 0 && !statusIn(inst.Status, statuses) {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sortInstances(out)
	return out, nil
}

// FindByMutexKey returns instances holding key in the given status.
func (s *Store) FindByMutexKey(ctx context.Context, key string, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.MutexKey == key && inst.Status == status {
			out = append(out, cloneInstance(inst))
		}
	}
	sortInstances(out)
	return out, nil
}

// AssignEngine sets the owning engine conditionally on the previous owner.
func (s *Store) AssignEngine(ctx context.Context, id, fromEngineID, toEngineID, lockOwner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	if inst.AssignedEngineID != fromEngineID {
		return workflow.ErrStaleOwner
	}
	now := s.clk.Now().UTC()
	inst.AssignedEngineID = toEngineID
	inst.LockOwner = lockOwner
	inst.LockAcquiredAt = &now
	inst.UpdatedAt = now
	return nil
}

// TransferInstances moves listed instances from one engine to another,
// skipping rows no longer owned by fromEngineID.
func (s *Store) TransferInstances(ctx context.Context, ids []string, fromEngineID, toEngineID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLocked(ids, fromEngineID, toEngineID), nil
}

func (s *Store) transferLocked(ids []string, fromEngineID, toEngineID string) int {
	now := s.clk.Now().UTC()
	count := 0
	for _, id := range ids {
		inst, ok := s.instances[id]
		if !ok || inst.AssignedEngineID != fromEngineID {
			continue
		}
		inst.AssignedEngineID = toEngineID
		inst.LockOwner = toEngineID
		inst.LockAcquiredAt = &now
		inst.UpdatedAt = now
		count++
	}
	return count
}

// DeleteInstance removes the instance and its node instances.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.instances, id)
	for nid, ni := range s.nodes {
		if ni.WorkflowInstanceID == id {
			delete(s.nodes, nid)
			delete(s.nodeByVist, visitKey(id, ni.NodeID))
		}
	}
	return nil
}

// --- NodeInstanceStore ---

// CreateNodeInstance inserts a node instance row.
func (s *Store) CreateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ni.ID == "" {
		ni.ID = uuid.NewString()
	}
	key := visitKey(ni.WorkflowInstanceID, ni.NodeID)
	if _, ok := s.nodeByVist[key]; ok {
		return store.ErrDuplicate
	}
	cp := *ni
	s.nodes[ni.ID] = &cp
	s.nodeByVist[key] = ni.ID
	return nil
}

// UpdateNodeInstance updates status, timestamps and output by id.
func (s *Store) UpdateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.nodes[ni.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = ni.Status
	cur.StartedAt = ni.StartedAt
	cur.FinishedAt = ni.FinishedAt
	cur.Output = ni.Output
	return nil
}

// GetNodeInstance returns the node instance for (instanceID, nodeID).
func (s *Store) GetNodeInstance(ctx context.Context, instanceID, nodeID string) (*workflow.NodeInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nodeByVist[visitKey(instanceID, nodeID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.nodes[id]
	return &cp, nil
}

// ListNodeInstances returns all node instances of an instance.
func (s *Store) ListNodeInstances(ctx context.Context, instanceID string) ([]*workflow.NodeInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.NodeInstance
	for _, ni := range s.nodes {
		if ni.WorkflowInstanceID == instanceID {
			cp := *ni
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// FindRunningNodesByEngine returns running node instances whose owning
// instance is assigned to engineID.
func (s *Store) FindRunningNodesByEngine(ctx context.Context, engineID string) ([]*workflow.NodeInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.NodeInstance
	for _, ni := range s.nodes {
		if ni.Status != workflow.NodeRunning {
			continue
		}
		inst, ok := s.instances[ni.WorkflowInstanceID]
		if !ok || inst.AssignedEngineID != engineID {
			continue
		}
		cp := *ni
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ResetNodes moves running node instances back to pending.
func (s *Store) ResetNodes(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetNodesLocked(ids), nil
}

func (s *Store) resetNodesLocked(ids []string) int {
	count := 0
	for _, id := range ids {
		ni, ok := s.nodes[id]
		if !ok || ni.Status != workflow.NodeRunning {
			continue
		}
		ni.Status = workflow.NodePending
		ni.StartedAt = nil
		count++
	}
	return count
}

// --- EngineStore ---

// UpsertEngine registers or refreshes an engine row as active.
func (s *Store) UpsertEngine(ctx context.Context, e *workflow.EngineInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	cp := *e
	cp.SupportedExecutors = append([]string(nil), e.SupportedExecutors...)
	cp.Status = workflow.EngineActive
	cp.LastHeartbeat = now
	cp.UpdatedAt = now
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	s.engines[cp.InstanceID] = &cp
	return nil
}

// Heartbeat bumps lastHeartbeat and load info. False means no row.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, load workflow.LoadInfo) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[instanceID]
	if !ok {
		return false, nil
	}
	now := s.clk.Now().UTC()
	e.LastHeartbeat = now
	e.UpdatedAt = now
	e.Load = load
	return true, nil
}

// GetEngine returns the engine row.
func (s *Store) GetEngine(ctx context.Context, instanceID string) (*workflow.EngineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	cp.SupportedExecutors = append([]string(nil), e.SupportedExecutors...)
	return &cp, nil
}

// ListActiveEngines returns active rows heartbeating inside the window.
func (s *Store) ListActiveEngines(ctx context.Context, window time.Duration) ([]*workflow.EngineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.clk.Now().UTC().Add(-window)
	var out []*workflow.EngineInstance
	for _, e := range s.engines {
		if e.Status == workflow.EngineActive && !e.LastHeartbeat.Before(cutoff) {
			cp := *e
			cp.SupportedExecutors = append([]string(nil), e.SupportedExecutors...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// ListStaleEngines returns active rows whose heartbeat is older than the
// threshold.
func (s *Store) ListStaleEngines(ctx context.Context, threshold time.Duration) ([]*workflow.EngineInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.clk.Now().UTC().Add(-threshold)
	var out []*workflow.EngineInstance
	for _, e := range s.engines {
		if e.Status == workflow.EngineActive && e.LastHeartbeat.Before(cutoff) {
			cp := *e
			cp.SupportedExecutors = append([]string(nil), e.SupportedExecutors...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// SetEngineStatus moves the engine row to the given status.
func (s *Store) SetEngineStatus(ctx context.Context, instanceID string, status workflow.EngineStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[instanceID]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// DeleteEngine removes the membership row.
func (s *Store) DeleteEngine(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engines[instanceID]; !ok {
		return store.ErrNotFound
	}
	delete(s.engines, instanceID)
	return nil
}

// --- LockStore ---

// AcquireLock inserts the lease or steals it if expired.
func (s *Store) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	l, ok := s.locks[key]
	if ok && l.OwnerID != ownerID && l.ExpiresAt.After(now) {
		return false, nil
	}
	s.locks[key] = &workflow.Lock{
		Key:        key,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

// RenewLock extends the lease iff ownerID currently holds it.
func (s *Store) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	l, ok := s.locks[key]
	if !ok || l.OwnerID != ownerID || !l.ExpiresAt.After(now) {
		return false, nil
	}
	l.ExpiresAt = now.Add(ttl)
	return true, nil
}

// ReleaseLock removes the lease iff ownerID holds it. Idempotent.
func (s *Store) ReleaseLock(ctx context.Context, key, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.OwnerID == ownerID {
		delete(s.locks, key)
	}
	return nil
}

// GetLock returns the current lease row for key.
func (s *Store) GetLock(ctx context.Context, key string) (*workflow.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// --- DefinitionStore ---

// CreateDefinition inserts a definition, rejecting duplicate (name, version).
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := verKey(def.Name, def.Version)
	if _, ok := s.defByVer[key]; ok {
		return store.ErrDuplicate
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.clk.Now().UTC()
	}
	cp := *def
	s.defs[def.ID] = &cp
	s.defByVer[key] = def.ID
	return nil
}

// GetDefinition returns a specific version.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.defByVer[verKey(name, version)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.defs[id]
	return &cp, nil
}

// GetActiveDefinition returns the single active version for name.
func (s *Store) GetActiveDefinition(ctx context.Context, name string) (*workflow.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, def := range s.defs {
		if def.Name == name && def.IsActive {
			cp := *def
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// GetDefinitionByID returns the definition row by id.
func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*workflow.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// ListDefinitionVersions returns all versions of name, newest first.
func (s *Store) ListDefinitionVersions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Definition
	for _, def := range s.defs {
		if def.Name == name {
			cp := *def
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// SetActiveVersion makes (name, version) the only active row for name.
func (s *Store) SetActiveVersion(ctx context.Context, name string, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defByVer[verKey(name, version)]; !ok {
		return store.ErrNotFound
	}
	for _, def := range s.defs {
		if def.Name == name {
			def.IsActive = def.Version == version
		}
	}
	return nil
}

// --- FailoverStore ---

// CreateFailoverEvent inserts a new event row.
func (s *Store) CreateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if _, ok := s.events[ev.EventID]; ok {
		return store.ErrDuplicate
	}
	now := s.clk.Now().UTC()
	if ev.FailoverAt.IsZero() {
		ev.FailoverAt = now
	}
	ev.UpdatedAt = now
	cp := cloneEvent(ev)
	s.events[ev.EventID] = cp
	s.eventOrder = append(s.eventOrder, ev.EventID)
	return nil
}

// UpdateFailoverEvent updates the event by id.
func (s *Store) UpdateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; !ok {
		return store.ErrNotFound
	}
	ev.UpdatedAt = s.clk.Now().UTC()
	s.events[ev.EventID] = cloneEvent(ev)
	return nil
}

// GetFailoverEvent returns the event by id.
func (s *Store) GetFailoverEvent(ctx context.Context, eventID string) (*workflow.FailoverEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEvent(ev), nil
}

// ListFailoverEvents returns events in the given status, oldest first.
func (s *Store) ListFailoverEvents(ctx context.Context, status workflow.FailoverStatus) ([]*workflow.FailoverEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.FailoverEvent
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if status == "" || ev.Status == status {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

// CompleteFailover commits the failover tail atomically under the store
// mutex: transfer, reset, mark inactive, complete the event.
func (s *Store) CompleteFailover(ctx context.Context, t store.FailoverTransfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[t.EventID]
	if !ok {
		return store.ErrNotFound
	}
	s.transferLocked(t.InstanceIDs, t.FromEngineID, t.ToEngineID)
	s.resetNodesLocked(t.NodeInstanceIDs)
	if e, ok := s.engines[t.FromEngineID]; ok {
		e.Status = workflow.EngineInactive
	}
	now := s.clk.Now().UTC()
	ev.Status = workflow.FailoverCompleted
	ev.TakeoverEngineID = t.ToEngineID
	ev.AffectedWorkflowIDs = append([]string(nil), t.InstanceIDs...)
	ev.UnassignableIDs = append([]string(nil), t.UnassignableIDs...)
	ev.RecoveryCompletedAt = &now
	ev.UpdatedAt = now
	return nil
}

// --- helpers ---

func statusIn(s workflow.InstanceStatus, in []workflow.InstanceStatus) bool {
	for _, x := range in {
		if s == x {
			return true
		}
	}
	return false
}

func sortInstances(in []*workflow.Instance) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}

func cloneInstance(in *workflow.Instance) *workflow.Instance {
	cp := *in
	cp.InputData = workflow.CloneVars(in.InputData)
	cp.OutputData = workflow.CloneVars(in.OutputData)
	cp.ContextData = workflow.CloneVars(in.ContextData)
	cp.ErrorDetails = workflow.CloneVars(in.ErrorDetails)
	cp.CompletedNodes = append([]string(nil), in.CompletedNodes...)
	cp.FailedNodes = append([]string(nil), in.FailedNodes...)
	return &cp
}

func cloneEvent(in *workflow.FailoverEvent) *workflow.FailoverEvent {
	cp := *in
	cp.AffectedWorkflowIDs = append([]string(nil), in.AffectedWorkflowIDs...)
	cp.UnassignableIDs = append([]string(nil), in.UnassignableIDs...)
	return &cp
}

func applyPatch(inst *workflow.Instance, p store.InstancePatch) {
	if p.OutputData != nil {
		inst.OutputData = workflow.CloneVars(p.OutputData)
	}
	if p.ContextData != nil {
		inst.ContextData = workflow.CloneVars(p.ContextData)
	}
	if p.ErrorMessage != nil {
		inst.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorDetails != nil {
		inst.ErrorDetails = workflow.CloneVars(p.ErrorDetails)
	}
	if p.RetryCount != nil {
		inst.RetryCount = *p.RetryCount
	}
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		inst.ScheduledAt = &t
	}
	if p.AssignedEngineID != nil {
		inst.AssignedEngineID = *p.AssignedEngineID
	}
	if p.LockOwner != nil {
		inst.LockOwner = *p.LockOwner
	}
	if p.CurrentNodeID != nil {
		inst.CurrentNodeID = *p.CurrentNodeID
	}
	if p.CompletedNodes != nil {
		inst.CompletedNodes = append([]string(nil), p.CompletedNodes...)
	}
	if p.FailedNodes != nil {
		inst.FailedNodes = append([]string(nil), p.FailedNodes...)
	}
}
