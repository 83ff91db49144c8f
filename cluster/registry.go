// Package cluster manages engine membership: registration, heartbeats,
// liveness detection and status transitions. Each engine drives a heartbeat
// at a fixed interval; an engine whose heartbeat is older than the liveness
// window is treated as dead and becomes failover eligible.
package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

const (
	// DefaultHeartbeatInterval is the period between engine heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultLivenessWindow is how old a heartbeat may be before the engine
	// counts as dead. Kept at >= 3x the heartbeat interval.
	DefaultLivenessWindow = 120 * time.Second
)

// NewEngineIdentity builds a fresh membership row for this process. The
// instance id is unique per process start.
func NewEngineIdentity(supportedExecutors []string) *workflow.EngineInstance {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &workflow.EngineInstance{
		InstanceID:         fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		Hostname:           hostname,
		ProcessID:          os.Getpid(),
		Status:             workflow.EngineActive,
		SupportedExecutors: append([]string(nil), supportedExecutors...),
	}
}

// Registry wraps the engine store with liveness policy.
type Registry struct {
	store          store.EngineStore
	logger         telemetry.Logger
	clk            clock.WithTicker
	livenessWindow time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger telemetry.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock injects the time source used by the heartbeat runner.
func WithClock(c clock.WithTicker) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clk = c
		}
	}
}

// WithLivenessWindow overrides the default liveness window.
func WithLivenessWindow(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.livenessWindow = d
		}
	}
}

// NewRegistry creates a membership registry over the given store.
func NewRegistry(st store.EngineStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:          st,
		logger:         telemetry.NewNoopLogger(),
		clk:            clock.RealClock{},
		livenessWindow: DefaultLivenessWindow,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Register upserts the engine row with status=active and a fresh heartbeat.
func (r *Registry) Register(ctx context.Context, e *workflow.EngineInstance) error {
	if err := r.store.UpsertEngine(ctx, e); err != nil {
		return fmt.Errorf("register engine %s: %w", e.InstanceID, err)
	}
	r.logger.Info(ctx, "engine registered", "engine", e.InstanceID, "hostname", e.Hostname)
	return nil
}

// Heartbeat bumps lastHeartbeat and load info. Returns false when no row
// exists; the caller must re-register.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, load workflow.LoadInfo) (bool, error) {
	ok, err := r.store.Heartbeat(ctx, instanceID, load)
	if err != nil {
		return false, fmt.Errorf("heartbeat engine %s: %w", instanceID, err)
	}
	return ok, nil
}

// ListActive returns engines considered alive: active status with a
// heartbeat inside the liveness window.
func (r *Registry) ListActive(ctx context.Context) ([]*workflow.EngineInstance, error) {
	return r.store.ListActiveEngines(ctx, r.livenessWindow)
}

// ListStale returns engines still marked active whose heartbeat is older
// than the threshold.
func (r *Registry) ListStale(ctx context.Context, threshold time.Duration) ([]*workflow.EngineInstance, error) {
	return r.store.ListStaleEngines(ctx, threshold)
}

// MarkInactive transitions the engine row to inactive on clean shutdown or
// after failover.
func (r *Registry) MarkInactive(ctx context.Context, instanceID string) error {
	return r.store.SetEngineStatus(ctx, instanceID, workflow.EngineInactive)
}

// SetMaintenance moves the engine to maintenance: it keeps existing work but
// is ineligible for new assignments.
func (r *Registry) SetMaintenance(ctx context.Context, instanceID string) error {
	return r.store.SetEngineStatus(ctx, instanceID, workflow.EngineMaintenance)
}

// Unregister deletes the membership row.
func (r *Registry) Unregister(ctx context.Context, instanceID string) error {
	return r.store.DeleteEngine(ctx, instanceID)
}

// LivenessWindow returns the configured liveness window.
func (r *Registry) LivenessWindow() time.Duration { return r.livenessWindow }
