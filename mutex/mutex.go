// Package mutex implements exclusive workflow creation keyed by a business
// mutex key, such as "order-12345". The creation protocol takes the
// "mutex:<key>" lease, verifies no live instance already carries the key and
// only then starts the new instance. The lease is released on every path;
// exclusivity among live instances is enforced by the pre-check plus the
// lease window, not by holding the lease for the workflow's lifetime.
package mutex

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flowmesh/flowmesh/definition"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

// CreateTTL bounds how long one create protocol run may hold the mutex
// lease. Generous on purpose: it covers definition resolution, the pre-check
// and instance creation, and expiry cleans up after a crashed creator.
const CreateTTL = 5 * time.Minute

// Starter abstracts the engine's start operation.
type Starter interface {
	Start(ctx context.Context, def *workflow.Definition, inputs map[string]any, opts ...engine.StartOption) (*engine.Run, error)
}

// Service runs the exclusive-create protocol.
type Service struct {
	instances store.InstanceStore
	defs      *definition.Service
	locks     *lock.Service
	starter   Starter
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the service metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewService creates a mutex service.
func NewService(instances store.InstanceStore, defs *definition.Service, locks *lock.Service, starter Starter, opts ...Option) *Service {
	s := &Service{
		instances: instances,
		defs:      defs,
		locks:     locks,
		starter:   starter,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// CreateRequest parameterizes an exclusive create.
type CreateRequest struct {
	// MutexKey is the business key to hold exclusively, e.g. "order-12345".
	MutexKey string
	// DefinitionName selects the workflow definition.
	DefinitionName string
	// DefinitionVersion pins a version. Zero resolves the active version.
	DefinitionVersion int
	// Inputs seed the instance's input data.
	Inputs map[string]any
	// BusinessKey is an optional correlation key stamped on the instance.
	BusinessKey string
	// CreatedBy records the creating principal.
	CreatedBy string
}

// CreateExclusive starts a workflow instance holding the mutex key, or
// returns a workflow.ConflictError naming the live instance that already
// holds it. Lease contention with a concurrent creator is also a conflict.
func (s *Service) CreateExclusive(ctx context.Context, req CreateRequest) (*engine.Run, error) {
	if req.MutexKey == "" {
		return nil, workflow.Validationf("mutex key is required")
	}
	if req.DefinitionName == "" {
		return nil, workflow.Validationf("definition name is required")
	}

	ownerID := fmt.Sprintf("create-%d-%d", os.Getpid(), s.now().UnixNano())
	key := lock.MutexKey(req.MutexKey)
	ok, err := s.locks.Acquire(ctx, key, ownerID, CreateTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.metrics.IncCounter("mutex_conflict_total", 1, "kind", "lease")
		return nil, &workflow.ConflictError{Reason: fmt.Sprintf("mutex key %q is being created concurrently", req.MutexKey)}
	}
	defer func() { _ = s.locks.Release(ctx, key, ownerID) }()

	var def *workflow.Definition
	if req.DefinitionVersion > 0 {
		def, err = s.defs.GetVersion(ctx, req.DefinitionName, req.DefinitionVersion)
	} else {
		def, err = s.defs.Get(ctx, req.DefinitionName)
	}
	if err != nil {
		return nil, err
	}

	for _, status := range []workflow.InstanceStatus{workflow.StatusRunning, workflow.StatusPending, workflow.StatusPaused} {
		live, ferr := s.instances.FindByMutexKey(ctx, req.MutexKey, status)
		if ferr != nil {
			return nil, fmt.Errorf("mutex pre-check %q: %w", req.MutexKey, ferr)
		}
		if len(live) > 0 {
			s.metrics.IncCounter("mutex_conflict_total", 1, "kind", "instance")
			s.logger.Info(ctx, "mutex key held by live instance",
				"mutexKey", req.MutexKey, "instance", live[0].ID, "status", string(status))
			return nil, &workflow.ConflictError{
				Reason:                fmt.Sprintf("mutex key %q held by a live instance", req.MutexKey),
				ConflictingInstanceID: live[0].ID,
			}
		}
	}

	opts := []engine.StartOption{
		engine.WithMutexKey(req.MutexKey),
		engine.WithContextData(map[string]any{
			"mutexKey":   req.MutexKey,
			"mutexOwner": ownerID,
		}),
	}
	if req.BusinessKey != "" {
		opts = append(opts, engine.WithBusinessKey(req.BusinessKey))
	}
	if req.CreatedBy != "" {
		opts = append(opts, engine.WithCreatedBy(req.CreatedBy))
	}
	run, err := s.starter.Start(ctx, def, req.Inputs, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "exclusive instance started",
		"mutexKey", req.MutexKey, "instance", run.InstanceID(), "definition", def.Name)
	return run, nil
}
