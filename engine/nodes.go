package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/executor"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
	"github.com/flowmesh/flowmesh/workflow/expr"
)

// runState is the per-execution bookkeeping shared by all node handlers,
// including the goroutines of a parallel node.
type runState struct {
	instanceID  string
	contextData map[string]any

	mu        sync.Mutex
	completed []string
	failed    []string
}

// checkpoint re-reads the instance status. Execution proceeds only while the
// row says running; any other status aborts the sequence via statusChange.
func (e *Engine) checkpoint(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("checkpoint instance %s: %w", instanceID, err)
	}
	if inst.Status != workflow.StatusRunning {
		return &statusChange{status: inst.Status}
	}
	return nil
}

// runSequence executes nodes in order against vars. topLevel marks the
// definition's root sequence, which additionally tracks the current node id.
func (e *Engine) runSequence(ctx context.Context, rs *runState, nodes []workflow.Node, vars map[string]any, topLevel bool) error {
	for i := range nodes {
		n := &nodes[i]
		if err := e.checkpoint(ctx, rs.instanceID); err != nil {
			return err
		}
		if topLevel {
			cur := n.ID
			if err := e.store.SaveProgress(ctx, rs.instanceID, store.InstancePatch{CurrentNodeID: &cur}); err != nil {
				e.logger.Debug(ctx, "progress save failed", "instance", rs.instanceID, "error", err.Error())
			}
		}
		if err := e.execNode(ctx, rs, n, vars); err != nil {
			return err
		}
		if topLevel {
			if err := e.store.SaveProgress(ctx, rs.instanceID, store.InstancePatch{OutputData: vars}); err != nil {
				e.logger.Debug(ctx, "progress save failed", "instance", rs.instanceID, "error", err.Error())
			}
		}
	}
	return nil
}

func (e *Engine) execNode(ctx context.Context, rs *runState, n *workflow.Node, vars map[string]any) error {
	if n.Guard != "" {
		ok, err := expr.EvalBool(n.Guard, vars)
		if err != nil {
			return fmt.Errorf("node %q guard: %w", n.ID, err)
		}
		if !ok {
			e.skipNode(ctx, rs, n.ID)
			return nil
		}
	}
	switch n.Kind {
	case workflow.NodeTask:
		return e.execTask(ctx, rs, n, vars)
	case workflow.NodeParallel:
		return e.execParallel(ctx, rs, n, vars)
	case workflow.NodeCondition:
		return e.execCondition(ctx, rs, n, vars)
	case workflow.NodeLoop:
		return e.execLoop(ctx, rs, n, vars)
	default:
		return fmt.Errorf("node %q: unknown kind %q", n.ID, n.Kind)
	}
}

func (e *Engine) execTask(ctx context.Context, rs *runState, n *workflow.Node, vars map[string]any) error {
	ex, ok := e.executors.Get(n.Executor)
	if !ok {
		return &workflow.ExecutorError{Executor: n.Executor, NodeID: n.ID, Err: errors.New("not registered")}
	}
	ctx, span := e.tracer.Start(ctx, "workflow.task",
		trace.WithAttributes(
			attribute.String("workflow.instance_id", rs.instanceID),
			attribute.String("workflow.node_id", n.ID),
			attribute.String("workflow.executor", n.Executor),
		))
	defer span.End()
	ni, err := e.beginNode(ctx, rs, n.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "node bookkeeping failed")
		return err
	}
	res, xerr := ex.Execute(ctx, executor.ExecutionContext{
		TaskID:             n.ID,
		WorkflowInstanceID: rs.instanceID,
		Config:             n.Config,
		Inputs:             vars,
		Context:            rs.contextData,
		Logger:             e.logger,
	})
	if xerr != nil {
		e.finishNode(ctx, rs, ni, workflow.NodeFailed, xerr.Error())
		span.RecordError(xerr)
		span.SetStatus(codes.Error, "executor error")
		return &workflow.ExecutorError{Executor: n.Executor, NodeID: n.ID, Err: xerr}
	}
	if !res.Success {
		e.finishNode(ctx, rs, ni, workflow.NodeFailed, res.Error)
		span.SetStatus(codes.Error, res.Error)
		return &workflow.ExecutorError{Executor: n.Executor, NodeID: n.ID, Err: errors.New(res.Error)}
	}
	workflow.SetPath(vars, "nodes."+n.ID+".output", res.Data)
	e.finishNode(ctx, rs, ni, workflow.NodeCompleted, res.Data)
	span.SetStatus(codes.Ok, "")
	return nil
}

// execParallel forks the variable map per branch and runs every branch on its
// own goroutine. All branches run to their own end before the node reports;
// with multiple failures the first one wins.
func (e *Engine) execParallel(ctx context.Context, rs *runState, n *workflow.Node, vars map[string]any) error {
	ni, err := e.beginNode(ctx, rs, n.ID)
	if err != nil {
		return err
	}
	branchVars := make([]map[string]any, len(n.Branches))
	var g errgroup.Group
	for i := range n.Branches {
		i := i
		branch := n.Branches[i]
		bv := workflow.CloneVars(vars)
		branchVars[i] = bv
		g.Go(func() error {
			return e.runSequence(ctx, rs, branch, bv, false)
		})
	}
	if err := g.Wait(); err != nil {
		if !isFlowControl(err) {
			e.finishNode(ctx, rs, ni, workflow.NodeFailed, nil)
		}
		return err
	}
	merged := make(map[string]any, len(branchVars))
	for i, bv := range branchVars {
		merged[strconv.Itoa(i)] = bv
	}
	workflow.SetPath(vars, "branches."+n.ID, merged)
	e.finishNode(ctx, rs, ni, workflow.NodeCompleted, map[string]any{"branches": len(n.Branches)})
	return nil
}

func (e *Engine) execCondition(ctx context.Context, rs *runState, n *workflow.Node, vars map[string]any) error {
	ni, err := e.beginNode(ctx, rs, n.ID)
	if err != nil {
		return err
	}
	result, err := expr.EvalBool(n.Expr, vars)
	if err != nil {
		e.finishNode(ctx, rs, ni, workflow.NodeFailed, err.Error())
		return fmt.Errorf("condition %q: %w", n.ID, err)
	}
	branch := n.FalseBranch
	if result {
		branch = n.TrueBranch
	}
	if err := e.runSequence(ctx, rs, branch, vars, false); err != nil {
		if !isFlowControl(err) {
			e.finishNode(ctx, rs, ni, workflow.NodeFailed, nil)
		}
		return err
	}
	e.finishNode(ctx, rs, ni, workflow.NodeCompleted, map[string]any{"result": result})
	return nil
}

// execLoop iterates the body per the loop kind. Each iteration runs against a
// forked child map seeded with $loopId, $iteration and, where applicable,
// $index and $item. Iteration results and the running count are published
// back into vars under loops.<id> after every iteration, so while predicates
// can observe loop progress.
func (e *Engine) execLoop(ctx context.Context, rs *runState, n *workflow.Node, vars map[string]any) error {
	ni, err := e.beginNode(ctx, rs, n.ID)
	if err != nil {
		return err
	}

	iterCap := e.maxLoopIterations
	if n.Bounds.MaxIterations > 0 && n.Bounds.MaxIterations < iterCap {
		iterCap = n.Bounds.MaxIterations
	}

	results := make([]any, 0)
	count := 0
	iterate := func(seed map[string]any) error {
		if err := e.checkpoint(ctx, rs.instanceID); err != nil {
			return err
		}
		child := workflow.CloneVars(vars)
		child["$loopId"] = n.ID
		child["$iteration"] = count
		for k, v := range seed {
			child[k] = v
		}
		if err := e.runSequence(ctx, rs, n.Body, child, false); err != nil {
			return err
		}
		results = append(results, child["nodes"])
		count++
		workflow.SetPath(vars, "loops."+n.ID+".results", append([]any(nil), results...))
		workflow.SetPath(vars, "loops."+n.ID+".count", count)
		return nil
	}

	var loopErr error
	switch n.Loop {
	case workflow.LoopWhile:
		for count < iterCap {
			ok, err := expr.EvalBool(n.Bounds.Condition, vars)
			if err != nil {
				loopErr = fmt.Errorf("loop %q condition: %w", n.ID, err)
				break
			}
			if !ok {
				break
			}
			if err := iterate(nil); err != nil {
				loopErr = err
				break
			}
		}
		if loopErr == nil && count >= iterCap {
			if ok, err := expr.EvalBool(n.Bounds.Condition, vars); err == nil && ok {
				loopErr = fmt.Errorf("loop %q: max iterations (%d) exceeded", n.ID, iterCap)
			}
		}

	case workflow.LoopFor:
		step := n.Bounds.Step
		if step == 0 {
			step = 1
		}
		for i := n.Bounds.Start; (step > 0 && i < n.Bounds.End) || (step < 0 && i > n.Bounds.End); i += step {
			if count >= iterCap {
				loopErr = fmt.Errorf("loop %q: max iterations (%d) exceeded", n.ID, iterCap)
				break
			}
			if err := iterate(map[string]any{"$index": i, "$item": i}); err != nil {
				loopErr = err
				break
			}
		}

	case workflow.LoopForEach:
		arrVal, found := workflow.LookupPath(vars, n.Bounds.ArrayPath)
		if !found {
			loopErr = fmt.Errorf("loop %q: array path %q not found", n.ID, n.Bounds.ArrayPath)
			break
		}
		arr, isArr := arrVal.([]any)
		if !isArr {
			loopErr = fmt.Errorf("loop %q: value at %q is not an array", n.ID, n.Bounds.ArrayPath)
			break
		}
		for i, item := range arr {
			if count >= iterCap {
				loopErr = fmt.Errorf("loop %q: max iterations (%d) exceeded", n.ID, iterCap)
				break
			}
			if err := iterate(map[string]any{"$index": i, "$item": item}); err != nil {
				loopErr = err
				break
			}
		}

	default:
		loopErr = fmt.Errorf("loop %q: unknown loop kind %q", n.ID, n.Loop)
	}

	workflow.SetPath(vars, "loops."+n.ID+".results", results)
	workflow.SetPath(vars, "loops."+n.ID+".count", count)

	if loopErr != nil {
		if !isFlowControl(loopErr) {
			e.finishNode(ctx, rs, ni, workflow.NodeFailed, map[string]any{"count": count})
		}
		return loopErr
	}
	e.finishNode(ctx, rs, ni, workflow.NodeCompleted, map[string]any{"count": count})
	return nil
}

// beginNode upserts the node instance into running with a fresh start time.
// A repeat visit after a retry or resume reuses the existing row.
func (e *Engine) beginNode(ctx context.Context, rs *runState, nodeID string) (*workflow.NodeInstance, error) {
	now := e.clk.Now()
	ni, err := e.store.GetNodeInstance(ctx, rs.instanceID, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		ni = &workflow.NodeInstance{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: rs.instanceID,
			NodeID:             nodeID,
			Status:             workflow.NodeRunning,
			StartedAt:          &now,
		}
		if cerr := e.store.CreateNodeInstance(ctx, ni); cerr != nil {
			return nil, fmt.Errorf("create node instance %s/%s: %w", rs.instanceID, nodeID, cerr)
		}
		return ni, nil
	}
	if err != nil {
		return nil, err
	}
	ni.Status = workflow.NodeRunning
	ni.StartedAt = &now
	ni.FinishedAt = nil
	ni.Output = nil
	if uerr := e.store.UpdateNodeInstance(ctx, ni); uerr != nil {
		return nil, fmt.Errorf("restart node instance %s/%s: %w", rs.instanceID, nodeID, uerr)
	}
	return ni, nil
}

// finishNode closes the node instance and folds the outcome into the
// instance's node bookkeeping. Failures here are logged, not propagated; the
// node outcome already decided the sequence's fate.
func (e *Engine) finishNode(ctx context.Context, rs *runState, ni *workflow.NodeInstance, status workflow.NodeStatus, output any) {
	now := e.clk.Now()
	ni.Status = status
	ni.FinishedAt = &now
	ni.Output = output
	if err := e.store.UpdateNodeInstance(ctx, ni); err != nil {
		e.logger.Warn(ctx, "node instance update failed", "instance", rs.instanceID, "node", ni.NodeID, "error", err.Error())
	}

	rs.mu.Lock()
	switch status {
	case workflow.NodeCompleted:
		rs.completed = append(rs.completed, ni.NodeID)
	case workflow.NodeFailed:
		rs.failed = append(rs.failed, ni.NodeID)
	}
	completed := append([]string(nil), rs.completed...)
	failed := append([]string(nil), rs.failed...)
	rs.mu.Unlock()

	patch := store.InstancePatch{CompletedNodes: completed, FailedNodes: failed}
	if err := e.store.SaveProgress(ctx, rs.instanceID, patch); err != nil {
		e.logger.Debug(ctx, "progress save failed", "instance", rs.instanceID, "error", err.Error())
	}
	e.metrics.IncCounter("workflow_node_total", 1, "status", string(status))
}

// skipNode records a guard skip without ever moving the node through running.
func (e *Engine) skipNode(ctx context.Context, rs *runState, nodeID string) {
	now := e.clk.Now()
	ni, err := e.store.GetNodeInstance(ctx, rs.instanceID, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		ni = &workflow.NodeInstance{
			ID:                 uuid.NewString(),
			WorkflowInstanceID: rs.instanceID,
			NodeID:             nodeID,
			Status:             workflow.NodeSkipped,
			FinishedAt:         &now,
		}
		if cerr := e.store.CreateNodeInstance(ctx, ni); cerr != nil {
			e.logger.Warn(ctx, "node instance create failed", "instance", rs.instanceID, "node", nodeID, "error", cerr.Error())
		}
		return
	}
	if err != nil {
		e.logger.Warn(ctx, "node instance read failed", "instance", rs.instanceID, "node", nodeID, "error", err.Error())
		return
	}
	ni.Status = workflow.NodeSkipped
	ni.FinishedAt = &now
	if uerr := e.store.UpdateNodeInstance(ctx, ni); uerr != nil {
		e.logger.Warn(ctx, "node instance update failed", "instance", rs.instanceID, "node", nodeID, "error", uerr.Error())
	}
}

// isFlowControl distinguishes pause/cancel/release aborts from node failures.
func isFlowControl(err error) bool {
	var sc *statusChange
	return errors.As(err, &sc) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
