// Package engine executes workflow instances: it validates definitions,
// dispatches task, parallel, condition and loop nodes, drives the instance
// state machine and applies workflow-level retry with exponential backoff.
//
// Execution is cooperative. The engine re-reads the instance status between
// nodes and before every loop iteration and stops at the next checkpoint
// when the instance is paused or cancelled. In-flight executor calls are
// never pre-empted; callers whose executors block for long periods should
// implement their own internal timeouts, because the engine will wait for
// them and then discard their output if the instance is no longer running.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/flowmesh/flowmesh/executor"
	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

const (
	// DefaultMaxRetries applies when a definition omits a retry policy.
	DefaultMaxRetries = 3
	// DefaultMaxLoopIterations is the hard cap per loop node.
	DefaultMaxLoopIterations = 1000
	// DefaultInstanceLockTTL is the TTL of per-instance ownership leases.
	DefaultInstanceLockTTL = 60 * time.Second

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Engine runs workflow instances on behalf of one cluster member.
type Engine struct {
	id        string
	store     store.Store
	executors *executor.Registry
	locks     *lock.Service

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	clk     clock.Clock

	defaultMaxRetries int
	maxLoopIterations int
	instanceLockTTL   time.Duration
	backoffBase       time.Duration
	backoffCap        time.Duration

	mu       sync.Mutex
	runs     map[string]*Run
	disabled bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used to span task executions.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock injects the time source used for retry backoff.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clk = c
		}
	}
}

// WithDefaultMaxRetries overrides the deployment default retry budget.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.defaultMaxRetries = n
		}
	}
}

// WithMaxLoopIterations overrides the hard per-loop iteration cap.
func WithMaxLoopIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLoopIterations = n
		}
	}
}

// WithInstanceLockTTL overrides the ownership lease TTL.
func WithInstanceLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.instanceLockTTL = d
		}
	}
}

// WithBackoff overrides the retry backoff base and cap. Intended for tests.
func WithBackoff(base, cap time.Duration) Option {
	return func(e *Engine) {
		if base > 0 {
			e.backoffBase = base
		}
		if cap > 0 {
			e.backoffCap = cap
		}
	}
}

// New creates an engine identified by id within the cluster.
func New(id string, st store.Store, executors *executor.Registry, locks *lock.Service, opts ...Option) *Engine {
	e := &Engine{
		id:                id,
		store:             st,
		executors:         executors,
		locks:             locks,
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		tracer:            telemetry.NewNoopTracer(),
		clk:               clock.RealClock{},
		defaultMaxRetries: DefaultMaxRetries,
		maxLoopIterations: DefaultMaxLoopIterations,
		instanceLockTTL:   DefaultInstanceLockTTL,
		backoffBase:       defaultBackoffBase,
		backoffCap:        defaultBackoffCap,
		runs:              make(map[string]*Run),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// ID returns the engine's cluster identity.
func (e *Engine) ID() string { return e.id }

// Run is a handle on an instance executing in this process.
type Run struct {
	instanceID string

	cancel context.CancelFunc

	mu   sync.Mutex
	done chan struct{}
	inst *workflow.Instance
	err  error
}

// InstanceID returns the workflow instance id behind the handle.
func (r *Run) InstanceID() string { return r.instanceID }

// Wait blocks until the instance reaches a terminal state and returns the
// final row. A paused instance keeps Wait blocked until it is resumed and
// finishes or is cancelled.
func (r *Run) Wait(ctx context.Context) (*workflow.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst, r.err
}

func (r *Run) finish(inst *workflow.Instance, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.inst = inst
	r.err = err
	close(r.done)
}

// StartOption customizes instance creation.
type StartOption func(*workflow.Instance)

// WithMutexKey stamps the instance with a business mutex key.
func WithMutexKey(key string) StartOption {
	return func(i *workflow.Instance) { i.MutexKey = key }
}

// WithBusinessKey stamps the instance with a business correlation key.
func WithBusinessKey(key string) StartOption {
	return func(i *workflow.Instance) { i.BusinessKey = key }
}

// WithContextData seeds the instance context blob.
func WithContextData(data map[string]any) StartOption {
	return func(i *workflow.Instance) { i.ContextData = workflow.CloneVars(data) }
}

// WithCreatedBy records the creating principal.
func WithCreatedBy(who string) StartOption {
	return func(i *workflow.Instance) { i.CreatedBy = who }
}

// Start validates the definition against the inputs and executor registry,
// persists a new instance, claims ownership and begins asynchronous
// execution. Validation failures reject the call before any row is written.
func (e *Engine) Start(ctx context.Context, def *workflow.Definition, inputs map[string]any, opts ...StartOption) (*Run, error) {
	if err := e.healthy(); err != nil {
		return nil, err
	}
	if err := e.Validate(def, inputs); err != nil {
		return nil, err
	}

	inst := &workflow.Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Name:         def.Name,
		Status:       workflow.StatusPending,
		InputData:    workflow.CloneVars(inputs),
		ContextData:  map[string]any{},
		MaxRetries:   def.MaxRetriesOrDefault(e.defaultMaxRetries),
		Priority:     def.Config.Priority,
	}
	for _, o := range opts {
		if o != nil {
			o(inst)
		}
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	ok, err := e.locks.Acquire(ctx, lock.InstanceKey(inst.ID), e.id, e.instanceLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A fresh instance id can never be contended. A held lock here means
		// the locks table violated its exclusivity invariant.
		e.disable()
		return nil, &workflow.FatalError{Reason: fmt.Sprintf("lock for new instance %s already held", inst.ID)}
	}
	if err := e.store.AssignEngine(ctx, inst.ID, "", e.id, e.id); err != nil {
		_ = e.locks.Release(ctx, lock.InstanceKey(inst.ID), e.id)
		return nil, fmt.Errorf("assign instance %s: %w", inst.ID, err)
	}
	inst, err = e.store.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.InstancePatch{})
	if err != nil {
		_ = e.locks.Release(ctx, lock.InstanceKey(inst.ID), e.id)
		return nil, err
	}

	e.metrics.IncCounter("workflow_started_total", 1, "definition", def.Name)
	return e.launch(def, inst), nil
}

// Adopt takes over an instance already assigned to this engine, typically
// after a failover transfer. The caller must have claimed the instance's
// ownership lease first.
func (e *Engine) Adopt(ctx context.Context, instanceID string) (*Run, error) {
	if err := e.healthy(); err != nil {
		return nil, err
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.AssignedEngineID != e.id {
		return nil, fmt.Errorf("%w: instance %s assigned to %q", workflow.ErrStaleOwner, instanceID, inst.AssignedEngineID)
	}
	switch inst.Status {
	case workflow.StatusRunning:
	case workflow.StatusPending:
		inst, err = e.store.UpdateStatus(ctx, instanceID, workflow.StatusRunning, store.InstancePatch{})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("adopt instance %s: status %s is not runnable", instanceID, inst.Status)
	}
	def, err := e.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("adopt instance %s: %w", instanceID, err)
	}
	e.logger.Info(ctx, "instance adopted", "instance", instanceID, "definition", def.Name)
	e.metrics.IncCounter("workflow_adopted_total", 1, "definition", def.Name)
	return e.launch(def, inst), nil
}

// launch registers a run handle and spawns the execution goroutine. The run
// context is detached from the caller: execution outlives the Start call and
// ends only through the state machine or an ownership release.
func (e *Engine) launch(def *workflow.Definition, inst *workflow.Instance) *Run {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		instanceID: inst.ID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[inst.ID] = run
	e.mu.Unlock()

	e.spawn(runCtx, cancel, run, def, inst)
	return run
}

// spawn runs the execution goroutine. A parked run (pause) stays registered
// so Resume can reuse the handle; any other outcome unregisters it.
func (e *Engine) spawn(runCtx context.Context, cancel context.CancelFunc, run *Run, def *workflow.Definition, inst *workflow.Instance) {
	go func() {
		defer cancel()
		parked := e.execute(runCtx, run, def, inst)
		if parked {
			return
		}
		e.mu.Lock()
		if e.runs[inst.ID] == run {
			delete(e.runs, inst.ID)
		}
		e.mu.Unlock()
	}()
}

// Pause moves a running instance to paused. The execution goroutine parks at
// its next checkpoint; Resume restarts the node sequence.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	_, err := e.store.UpdateStatus(ctx, instanceID, workflow.StatusPaused, store.InstancePatch{})
	if err != nil {
		return err
	}
	e.logger.Info(ctx, "instance paused", "instance", instanceID)
	return nil
}

// Resume moves a paused instance back to running and restarts execution.
// Intermediate node outputs are not persisted across a pause, so the node
// sequence re-runs from the top against the original inputs.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	inst, err := e.store.UpdateStatus(ctx, instanceID, workflow.StatusRunning, store.InstancePatch{})
	if err != nil {
		return err
	}
	def, err := e.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prior, exists := e.runs[instanceID]
	e.mu.Unlock()
	if exists {
		// The paused goroutine already parked; reuse its handle so earlier
		// Wait callers observe the eventual terminal state.
		e.relaunch(def, inst, prior)
	} else {
		e.launch(def, inst)
	}
	e.logger.Info(ctx, "instance resumed", "instance", instanceID)
	return nil
}

func (e *Engine) relaunch(def *workflow.Definition, inst *workflow.Instance, run *Run) {
	runCtx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	e.spawn(runCtx, cancel, run, def, inst)
}

// Cancel moves any non-terminal instance to cancelled. Execution stops at
// the next checkpoint; an in-flight executor call runs to completion and its
// output is discarded.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	inst, err := e.store.UpdateStatus(ctx, instanceID, workflow.StatusCancelled, store.InstancePatch{})
	if err != nil {
		return err
	}
	e.settleNodes(ctx, instanceID, workflow.NodeSkipped)
	e.releaseOwnership(ctx, instanceID)
	e.mu.Lock()
	run, ok := e.runs[instanceID]
	e.mu.Unlock()
	if ok {
		run.finish(inst, nil)
	}
	e.logger.Info(ctx, "instance cancelled", "instance", instanceID)
	e.metrics.IncCounter("workflow_cancelled_total", 1, "definition", inst.Name)
	return nil
}

// Status returns the current lifecycle status of an instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (workflow.InstanceStatus, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return inst.Status, nil
}

// OwnedInstances returns the ids of instances executing in this process.
func (e *Engine) OwnedInstances() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// ActiveRunCount reports the number of in-process executions, used as the
// engine's load signal.
func (e *Engine) ActiveRunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Release discards the in-memory execution context for an instance whose
// ownership lease could not be renewed. No store writes happen: the row now
// belongs to whichever engine claims the lease next.
func (e *Engine) Release(instanceID string) {
	e.mu.Lock()
	run, ok := e.runs[instanceID]
	delete(e.runs, instanceID)
	e.mu.Unlock()
	if ok {
		run.cancel()
		run.finish(nil, fmt.Errorf("instance %s: %w", instanceID, workflow.ErrStaleOwner))
	}
}

// Shutdown cancels all in-memory executions and releases their leases. Rows
// stay as they are; a peer engine adopts them after failover.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, id := range e.OwnedInstances() {
		e.Release(id)
		_ = e.locks.Release(ctx, lock.InstanceKey(id), e.id)
	}
}

// healthy returns a FatalError once the engine has self-disabled.
func (e *Engine) healthy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disabled {
		return &workflow.FatalError{Reason: "engine self-disabled after invariant violation"}
	}
	return nil
}

// disable flips the engine into its self-disabled state. The scheduler fails
// its instances over once heartbeats stop mattering.
func (e *Engine) disable() {
	e.mu.Lock()
	e.disabled = true
	e.mu.Unlock()
	e.logger.Error(context.Background(), "engine self-disabled", "engine", e.id)
}
