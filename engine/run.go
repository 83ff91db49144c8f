package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

// statusChange aborts the node sequence when a checkpoint observes that the
// instance left the running state. It is flow control, not a failure.
type statusChange struct {
	status workflow.InstanceStatus
}

func (s *statusChange) Error() string {
	return fmt.Sprintf("instance status changed to %s", s.status)
}

// execute drives one instance until a terminal state, a pause, or an
// ownership release. Workflow-level retry re-runs the whole node sequence
// with a fresh variable map. Returns true when the run parked on a pause and
// the handle must stay registered for Resume.
func (e *Engine) execute(ctx context.Context, run *Run, def *workflow.Definition, inst *workflow.Instance) bool {
	for {
		vars := workflow.CloneVars(inst.InputData)
		rs := &runState{
			instanceID:  inst.ID,
			contextData: workflow.CloneVars(inst.ContextData),
		}

		err := e.runSequence(ctx, rs, def.Nodes, vars, true)

		if ctx.Err() != nil {
			// Released mid-run. No store writes: the row belongs to whichever
			// engine holds the lease now.
			return false
		}

		if err == nil {
			final, uerr := e.store.UpdateStatus(ctx, inst.ID, workflow.StatusCompleted, store.InstancePatch{OutputData: vars})
			if uerr != nil {
				return e.concede(ctx, run, inst.ID, uerr)
			}
			e.metrics.IncCounter("workflow_completed_total", 1, "definition", def.Name)
			e.logger.Info(ctx, "instance completed", "instance", inst.ID, "definition", def.Name)
			e.releaseOwnership(ctx, inst.ID)
			run.finish(final, nil)
			return false
		}

		var sc *statusChange
		if errors.As(err, &sc) {
			switch sc.status {
			case workflow.StatusPaused:
				// Park. Resume re-runs the sequence on a fresh goroutine
				// against the same handle.
				e.settleNodes(ctx, inst.ID, workflow.NodePending)
				return true
			case workflow.StatusCancelled:
				e.settleNodes(ctx, inst.ID, workflow.NodeSkipped)
				e.releaseOwnership(ctx, inst.ID)
				if final, gerr := e.store.GetInstance(ctx, inst.ID); gerr == nil {
					run.finish(final, nil)
				} else {
					run.finish(nil, gerr)
				}
				return false
			default:
				// Another engine moved the instance. Ownership is gone.
				e.logger.Warn(ctx, "instance moved externally", "instance", inst.ID, "status", string(sc.status))
				if final, gerr := e.store.GetInstance(ctx, inst.ID); gerr == nil && final.Status.Terminal() {
					run.finish(final, nil)
				} else {
					run.finish(nil, fmt.Errorf("instance %s: %w", inst.ID, workflow.ErrStaleOwner))
				}
				return false
			}
		}

		msg := err.Error()
		if inst.RetryCount < inst.MaxRetries {
			rc := inst.RetryCount + 1
			e.settleNodes(ctx, inst.ID, workflow.NodePending)
			next, uerr := e.store.UpdateStatus(ctx, inst.ID, workflow.StatusPending, store.InstancePatch{
				RetryCount:   &rc,
				ErrorMessage: &msg,
				OutputData:   vars,
			})
			if uerr != nil {
				return e.concede(ctx, run, inst.ID, uerr)
			}
			e.metrics.IncCounter("workflow_retried_total", 1, "definition", def.Name)
			e.logger.Warn(ctx, "instance retrying", "instance", inst.ID, "attempt", rc, "error", msg)

			if !e.sleep(ctx, e.backoff(rc)) {
				return false
			}
			next, uerr = e.store.UpdateStatus(ctx, inst.ID, workflow.StatusRunning, store.InstancePatch{})
			if uerr != nil {
				return e.concede(ctx, run, inst.ID, uerr)
			}
			inst = next
			continue
		}

		e.settleNodes(ctx, inst.ID, workflow.NodeFailed)
		details := map[string]any{"retryCount": inst.RetryCount}
		var xe *workflow.ExecutorError
		if errors.As(err, &xe) {
			details["nodeId"] = xe.NodeID
			details["executor"] = xe.Executor
		}
		final, uerr := e.store.UpdateStatus(ctx, inst.ID, workflow.StatusFailed, store.InstancePatch{
			ErrorMessage: &msg,
			ErrorDetails: details,
			OutputData:   vars,
		})
		if uerr != nil {
			return e.concede(ctx, run, inst.ID, uerr)
		}
		e.metrics.IncCounter("workflow_failed_total", 1, "definition", def.Name)
		e.logger.Error(ctx, "instance failed", "instance", inst.ID, "definition", def.Name, "error", msg)
		e.releaseOwnership(ctx, inst.ID)
		run.finish(final, err)
		return false
	}
}

// concede handles a lost race on a status write, most commonly a concurrent
// Pause or Cancel. An invalid-transition result means someone else moved the
// row; the current row wins and the local outcome is dropped. Returns true
// when the row turned out to be paused and the run must park.
func (e *Engine) concede(ctx context.Context, run *Run, instanceID string, uerr error) bool {
	if errors.Is(uerr, workflow.ErrInvalidTransition) {
		if inst, gerr := e.store.GetInstance(ctx, instanceID); gerr == nil {
			switch {
			case inst.Status.Terminal():
				run.finish(inst, nil)
			case inst.Status == workflow.StatusPaused:
				e.settleNodes(ctx, instanceID, workflow.NodePending)
				return true
			}
			return false
		}
	}
	e.logger.Error(ctx, "status update failed", "instance", instanceID, "error", uerr.Error())
	run.finish(nil, uerr)
	return false
}

// releaseOwnership drops the instance lease once the row is terminal.
func (e *Engine) releaseOwnership(ctx context.Context, instanceID string) {
	if err := e.locks.Release(ctx, lock.InstanceKey(instanceID), e.id); err != nil {
		e.logger.Debug(ctx, "lease release failed", "instance", instanceID, "error", err.Error())
	}
}

// backoff computes the retry delay for the given attempt: base doubled per
// attempt, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := e.backoffBase << (attempt - 1)
	if d > e.backoffCap || d <= 0 {
		d = e.backoffCap
	}
	return d
}

// sleep blocks for d or until ctx is cancelled. Returns false on cancel.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := e.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

// settleNodes moves any node instance still in running to the given status,
// so a non-running instance never shows running nodes.
func (e *Engine) settleNodes(ctx context.Context, instanceID string, to workflow.NodeStatus) {
	nodes, err := e.store.ListNodeInstances(ctx, instanceID)
	if err != nil {
		e.logger.Warn(ctx, "settle nodes: list failed", "instance", instanceID, "error", err.Error())
		return
	}
	var running []string
	for _, ni := range nodes {
		if ni.Status == workflow.NodeRunning {
			running = append(running, ni.ID)
		}
	}
	if len(running) == 0 {
		return
	}
	if to == workflow.NodePending {
		if _, err := e.store.ResetNodes(ctx, running); err != nil {
			e.logger.Warn(ctx, "settle nodes: reset failed", "instance", instanceID, "error", err.Error())
		}
		return
	}
	now := e.clk.Now()
	for _, ni := range nodes {
		if ni.Status != workflow.NodeRunning {
			continue
		}
		ni.Status = to
		ni.FinishedAt = &now
		if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
			e.logger.Warn(ctx, "settle nodes: update failed", "instance", instanceID, "node", ni.NodeID, "error", err.Error())
		}
	}
}
