// Package scheduler runs the cluster's background coordination: a
// leader-elected liveness sweep that fails over work from dead engines, and a
// per-engine renewal loop that keeps instance ownership leases alive and
// adopts instances transferred to this engine.
//
// Every engine runs a scheduler; leadership is decided per sweep by the
// "scheduler:leader" lease, so exactly one sweep executes cluster-wide and
// leadership migrates automatically when the leader dies.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/flowmesh/flowmesh/cluster"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

const (
	// DefaultSweepInterval is the period between liveness sweeps.
	DefaultSweepInterval = 30 * time.Second
	// DefaultRenewInterval is the period between ownership lease renewals.
	DefaultRenewInterval = 10 * time.Second
	// DefaultLeaderTTL is the scheduler leadership lease TTL.
	DefaultLeaderTTL = 60 * time.Second
)

// Scheduler drives the sweep and renewal loops for one engine.
type Scheduler struct {
	engineID string
	store    store.Store
	registry *cluster.Registry
	locks    *lock.Service
	engine   *engine.Engine

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	clk     clock.WithTicker

	sweepInterval   time.Duration
	renewInterval   time.Duration
	leaderTTL       time.Duration
	instanceLockTTL time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the scheduler metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer used to span leader sweeps.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock injects the time source driving both loops.
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithSweepInterval overrides the liveness sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithRenewInterval overrides the lease renewal period.
func WithRenewInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.renewInterval = d
		}
	}
}

// WithLeaderTTL overrides the leadership lease TTL.
func WithLeaderTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaderTTL = d
		}
	}
}

// WithInstanceLockTTL overrides the ownership lease TTL used on renewal.
func WithInstanceLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.instanceLockTTL = d
		}
	}
}

// New creates a scheduler for the given engine.
func New(engineID string, st store.Store, registry *cluster.Registry, locks *lock.Service, eng *engine.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engineID:        engineID,
		store:           st,
		registry:        registry,
		locks:           locks,
		engine:          eng,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		tracer:          telemetry.NewNoopTracer(),
		clk:             clock.RealClock{},
		sweepInterval:   DefaultSweepInterval,
		renewInterval:   DefaultRenewInterval,
		leaderTTL:       DefaultLeaderTTL,
		instanceLockTTL: engine.DefaultInstanceLockTTL,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Run drives both loops until ctx is done and returns the ctx error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.sweepInterval, s.sweep) })
	g.Go(func() error { return s.loop(ctx, s.renewInterval, s.renew) })
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			tick(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error(ctx, "liveness sweep failed", "engine", s.engineID, "error", err.Error())
	}
}

func (s *Scheduler) renew(ctx context.Context) {
	if err := s.RenewOnce(ctx); err != nil {
		s.logger.Error(ctx, "lease renewal failed", "engine", s.engineID, "error", err.Error())
	}
}

// SweepOnce takes (or renews) leadership and, as leader, fails over every
// engine whose heartbeat fell out of the liveness window. Non-leaders return
// immediately. Individual failover errors are logged and retried on the next
// sweep; they do not abort the rest of the sweep.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	leader, err := s.locks.Acquire(ctx, lock.LeaderKey, s.engineID, s.leaderTTL)
	if err != nil {
		return err
	}
	if !leader {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep",
		trace.WithAttributes(attribute.String("scheduler.leader", s.engineID)))
	defer span.End()
	stale, err := s.registry.ListStale(ctx, s.registry.LivenessWindow())
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, dead := range stale {
		if dead.InstanceID == s.engineID {
			// A leader that cannot heartbeat must not fail itself over.
			continue
		}
		span.AddEvent("failover", "failed_engine", dead.InstanceID)
		if err := s.failover(ctx, dead); err != nil {
			span.RecordError(err)
			s.metrics.IncCounter("failover_failed_total", 1, "failed_engine", dead.InstanceID)
			s.logger.Error(ctx, "failover failed, will retry next sweep",
				"failedEngine", dead.InstanceID, "error", err.Error())
		}
	}
	return nil
}

// ResignLeadership releases the leader lease on clean shutdown so a peer can
// take over without waiting for expiry.
func (s *Scheduler) ResignLeadership(ctx context.Context) error {
	return s.locks.Release(ctx, lock.LeaderKey, s.engineID)
}

// RenewOnce walks every instance assigned to this engine. Instances executing
// in-process get their ownership lease renewed; a lease that cannot be
// renewed or re-acquired forces a local release of the execution. Assigned
// instances not executing here, typically after a failover transfer, are
// claimed and adopted.
func (s *Scheduler) RenewOnce(ctx context.Context) error {
	insts, err := s.store.FindByAssignedEngine(ctx, s.engineID, workflow.StatusRunning, workflow.StatusPending)
	if err != nil {
		return err
	}
	owned := make(map[string]bool)
	for _, id := range s.engine.OwnedInstances() {
		owned[id] = true
	}
	for _, inst := range insts {
		key := lock.InstanceKey(inst.ID)
		if owned[inst.ID] {
			ok, rerr := s.locks.Renew(ctx, key, s.engineID, s.instanceLockTTL)
			if rerr != nil {
				s.logger.Warn(ctx, "lease renew error", "instance", inst.ID, "error", rerr.Error())
				continue
			}
			if !ok {
				// Expired lease; try to take it back before giving up.
				ok, _ = s.locks.Acquire(ctx, key, s.engineID, s.instanceLockTTL)
			}
			if !ok {
				s.metrics.IncCounter("ownership_lost_total", 1, "engine", s.engineID)
				s.logger.Warn(ctx, "ownership lease lost, releasing execution", "instance", inst.ID)
				s.engine.Release(inst.ID)
			}
			continue
		}

		ok, aerr := s.locks.Acquire(ctx, key, s.engineID, s.instanceLockTTL)
		if aerr != nil || !ok {
			// Previous owner's lease has not expired yet; retry next tick.
			continue
		}
		if _, aerr := s.engine.Adopt(ctx, inst.ID); aerr != nil {
			s.logger.Error(ctx, "adopt failed", "instance", inst.ID, "error", aerr.Error())
			_ = s.locks.Release(ctx, key, s.engineID)
		}
	}
	return nil
}
