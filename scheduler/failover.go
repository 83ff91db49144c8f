package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

// failover transfers the dead engine's instances to the best-fitting active
// peer, resets its half-run nodes to pending and marks the engine inactive,
// with the tail committed atomically by the store. Instances requiring
// executors no surviving engine supports are recorded as unassignable and
// left on the dead engine's books.
func (s *Scheduler) failover(ctx context.Context, dead *workflow.EngineInstance) error {
	ev := &workflow.FailoverEvent{
		EventID:        uuid.NewString(),
		FailedEngineID: dead.InstanceID,
		Reason:         "heartbeat timeout",
		Status:         workflow.FailoverInitiated,
		FailoverAt:     s.clk.Now(),
	}
	if err := s.store.CreateFailoverEvent(ctx, ev); err != nil {
		return fmt.Errorf("record failover of %s: %w", dead.InstanceID, err)
	}
	s.logger.Warn(ctx, "failover initiated", "failedEngine", dead.InstanceID, "event", ev.EventID)

	insts, err := s.store.FindByAssignedEngine(ctx, dead.InstanceID,
		workflow.StatusRunning, workflow.StatusPending, workflow.StatusPaused)
	if err != nil {
		return s.failEvent(ctx, ev, fmt.Errorf("list instances of %s: %w", dead.InstanceID, err))
	}

	if len(insts) == 0 {
		if err := s.store.CompleteFailover(ctx, store.FailoverTransfer{
			EventID:      ev.EventID,
			FromEngineID: dead.InstanceID,
		}); err != nil {
			return s.failEvent(ctx, ev, err)
		}
		s.logger.Info(ctx, "failover completed, no instances to move", "failedEngine", dead.InstanceID)
		return nil
	}

	candidates, err := s.registry.ListActive(ctx)
	if err != nil {
		return s.failEvent(ctx, ev, err)
	}
	candidates = excludeEngine(candidates, dead.InstanceID)
	if len(candidates) == 0 {
		return s.failEvent(ctx, ev, fmt.Errorf("no active engines to take over from %s", dead.InstanceID))
	}

	required, err := s.requiredExecutors(ctx, insts)
	if err != nil {
		return s.failEvent(ctx, ev, err)
	}
	target, assignable, unassignable := pickTakeover(candidates, insts, required)
	if target == nil {
		return s.failEvent(ctx, ev, fmt.Errorf("no candidate supports any instance of %s", dead.InstanceID))
	}

	ev.Status = workflow.FailoverInProgress
	ev.TakeoverEngineID = target.InstanceID
	ev.AffectedWorkflowIDs = assignable
	ev.UnassignableIDs = unassignable
	if err := s.store.UpdateFailoverEvent(ctx, ev); err != nil {
		return s.failEvent(ctx, ev, err)
	}

	running, err := s.store.FindRunningNodesByEngine(ctx, dead.InstanceID)
	if err != nil {
		return s.failEvent(ctx, ev, err)
	}
	moving := make(map[string]bool, len(assignable))
	for _, id := range assignable {
		moving[id] = true
	}
	var nodeIDs []string
	for _, ni := range running {
		if moving[ni.WorkflowInstanceID] {
			nodeIDs = append(nodeIDs, ni.ID)
		}
	}

	if err := s.store.CompleteFailover(ctx, store.FailoverTransfer{
		EventID:         ev.EventID,
		FromEngineID:    dead.InstanceID,
		ToEngineID:      target.InstanceID,
		InstanceIDs:     assignable,
		NodeInstanceIDs: nodeIDs,
		UnassignableIDs: unassignable,
	}); err != nil {
		return s.failEvent(ctx, ev, err)
	}

	s.metrics.IncCounter("failover_total", 1, "takeover_engine", target.InstanceID)
	s.logger.Info(ctx, "failover completed",
		"failedEngine", dead.InstanceID,
		"takeoverEngine", target.InstanceID,
		"transferred", len(assignable),
		"unassignable", len(unassignable))
	return nil
}

// failEvent marks the event failed so the next sweep retries, and returns the
// original error.
func (s *Scheduler) failEvent(ctx context.Context, ev *workflow.FailoverEvent, cause error) error {
	ev.Status = workflow.FailoverFailed
	ev.Reason = fmt.Sprintf("%s: %v", ev.Reason, cause)
	if uerr := s.store.UpdateFailoverEvent(ctx, ev); uerr != nil {
		s.logger.Error(ctx, "failover event update failed", "event", ev.EventID, "error", uerr.Error())
	}
	return cause
}

// requiredExecutors resolves the executor set of each instance's definition.
func (s *Scheduler) requiredExecutors(ctx context.Context, insts []*workflow.Instance) (map[string][]string, error) {
	byDef := make(map[string][]string)
	required := make(map[string][]string, len(insts))
	for _, inst := range insts {
		execs, ok := byDef[inst.DefinitionID]
		if !ok {
			def, err := s.store.GetDefinitionByID(ctx, inst.DefinitionID)
			if err != nil {
				return nil, fmt.Errorf("definition of instance %s: %w", inst.ID, err)
			}
			execs = def.RequiredExecutors()
			byDef[inst.DefinitionID] = execs
		}
		required[inst.ID] = execs
	}
	return required, nil
}

// pickTakeover chooses the candidate covering the most instances, breaking
// ties by lower reported load. Instances the winner cannot execute are
// returned as unassignable. A candidate covering nothing is never chosen.
func pickTakeover(candidates []*workflow.EngineInstance, insts []*workflow.Instance, required map[string][]string) (target *workflow.EngineInstance, assignable, unassignable []string) {
	bestCovered := -1
	var bestSet map[string]bool
	for _, c := range candidates {
		supports := make(map[string]bool, len(c.SupportedExecutors))
		for _, name := range c.SupportedExecutors {
			supports[name] = true
		}
		covered := make(map[string]bool)
		for _, inst := range insts {
			if coversAll(supports, required[inst.ID]) {
				covered[inst.ID] = true
			}
		}
		if len(covered) > bestCovered ||
			(len(covered) == bestCovered && target != nil && c.Load.ActiveInstances < target.Load.ActiveInstances) {
			bestCovered = len(covered)
			target = c
			bestSet = covered
		}
	}
	if target == nil || bestCovered == 0 {
		return nil, nil, nil
	}
	for _, inst := range insts {
		if bestSet[inst.ID] {
			assignable = append(assignable, inst.ID)
		} else {
			unassignable = append(unassignable, inst.ID)
		}
	}
	return target, assignable, unassignable
}

func coversAll(supports map[string]bool, names []string) bool {
	for _, name := range names {
		if !supports[name] {
			return false
		}
	}
	return true
}

func excludeEngine(engines []*workflow.EngineInstance, id string) []*workflow.EngineInstance {
	out := engines[:0]
	for _, e := range engines {
		if e.InstanceID != id {
			out = append(out, e)
		}
	}
	return out
}
