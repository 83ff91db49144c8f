package cluster

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

// LoadReporter supplies the engine's current load for heartbeats.
type LoadReporter func() workflow.LoadInfo

// Heartbeater drives periodic heartbeats for one engine. When a heartbeat
// reports that the membership row is gone (for example after a registry
// garbage collection), the runner re-registers before the next tick so the
// engine does not get failed over while still healthy.
type Heartbeater struct {
	registry *Registry
	identity *workflow.EngineInstance
	load     LoadReporter
	interval time.Duration
	logger   telemetry.Logger
	clk      clock.WithTicker
}

// HeartbeaterOption configures a Heartbeater.
type HeartbeaterOption func(*Heartbeater)

// WithInterval overrides the default heartbeat interval.
func WithInterval(d time.Duration) HeartbeaterOption {
	return func(h *Heartbeater) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithLoadReporter sets the load callback. Defaults to a zero LoadInfo.
func WithLoadReporter(fn LoadReporter) HeartbeaterOption {
	return func(h *Heartbeater) {
		if fn != nil {
			h.load = fn
		}
	}
}

// WithHeartbeatLogger sets the runner logger.
func WithHeartbeatLogger(logger telemetry.Logger) HeartbeaterOption {
	return func(h *Heartbeater) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHeartbeater creates a heartbeat runner for the given engine identity.
func NewHeartbeater(registry *Registry, identity *workflow.EngineInstance, opts ...HeartbeaterOption) *Heartbeater {
	h := &Heartbeater{
		registry: registry,
		identity: identity,
		load:     func() workflow.LoadInfo { return workflow.LoadInfo{} },
		interval: DefaultHeartbeatInterval,
		logger:   telemetry.NewNoopLogger(),
		clk:      registry.clk,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run registers the engine and heartbeats until ctx is done. It returns the
// ctx error on exit; the caller decides whether to mark the row inactive.
func (h *Heartbeater) Run(ctx context.Context) error {
	if err := h.registry.Register(ctx, h.identity); err != nil {
		return err
	}
	ticker := h.clk.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			h.tick(ctx)
		}
	}
}

// Tick performs a single heartbeat. Exposed so hosts with their own run
// loops can drive the cadence themselves.
func (h *Heartbeater) Tick(ctx context.Context) { h.tick(ctx) }

func (h *Heartbeater) tick(ctx context.Context) {
	ok, err := h.registry.Heartbeat(ctx, h.identity.InstanceID, h.load())
	if err != nil {
		h.logger.Error(ctx, "heartbeat failed", "engine", h.identity.InstanceID, "error", err.Error())
		return
	}
	if !ok {
		h.logger.Warn(ctx, "membership row missing, re-registering", "engine", h.identity.InstanceID)
		if err := h.registry.Register(ctx, h.identity); err != nil {
			h.logger.Error(ctx, "re-register failed", "engine", h.identity.InstanceID, "error", err.Error())
		}
	}
}
