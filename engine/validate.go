package engine

import (
	"strings"

	"github.com/flowmesh/flowmesh/workflow"
	"github.com/flowmesh/flowmesh/workflow/expr"
)

// Validate checks a definition and its start inputs against this engine's
// executor registry. Every error is a workflow.ValidationError; nothing is
// persisted when validation fails.
func (e *Engine) Validate(def *workflow.Definition, inputs map[string]any) error {
	if def == nil {
		return workflow.Validationf("definition is nil")
	}
	if def.Name == "" {
		return workflow.Validationf("definition name is required")
	}
	if len(def.Nodes) == 0 {
		return workflow.Validationf("definition %q has no nodes", def.Name)
	}

	seen := make(map[string]struct{})
	err := workflow.Walk(def.Nodes, func(n *workflow.Node) error {
		if n.ID == "" {
			return workflow.Validationf("definition %q contains a node without id", def.Name)
		}
		if strings.Contains(n.ID, ".") {
			return workflow.Validationf("node id %q must not contain '.'", n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return workflow.Validationf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}

		if n.Guard != "" {
			if _, err := expr.Parse(n.Guard); err != nil {
				return workflow.Validationf("node %q guard: %v", n.ID, err)
			}
		}

		switch n.Kind {
		case workflow.NodeTask:
			if n.Executor == "" {
				return workflow.Validationf("task node %q names no executor", n.ID)
			}
		case workflow.NodeParallel:
			if len(n.Branches) == 0 {
				return workflow.Validationf("parallel node %q has no branches", n.ID)
			}
		case workflow.NodeCondition:
			if n.Expr == "" {
				return workflow.Validationf("condition node %q has no expression", n.ID)
			}
			if _, err := expr.Parse(n.Expr); err != nil {
				return workflow.Validationf("condition node %q: %v", n.ID, err)
			}
		case workflow.NodeLoop:
			if err := validateLoop(n); err != nil {
				return err
			}
		default:
			return workflow.Validationf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range def.RequiredExecutors() {
		if _, ok := e.executors.Get(name); !ok {
			return workflow.Validationf("executor %q is not registered on this engine", name)
		}
	}

	for _, in := range def.Inputs {
		if !in.Required {
			continue
		}
		if _, ok := inputs[in.Name]; !ok {
			return workflow.Validationf("required input %q is missing", in.Name)
		}
	}
	return nil
}

func validateLoop(n *workflow.Node) error {
	if len(n.Body) == 0 {
		return workflow.Validationf("loop node %q has an empty body", n.ID)
	}
	switch n.Loop {
	case workflow.LoopWhile:
		if n.Bounds.Condition == "" {
			return workflow.Validationf("while loop %q has no condition", n.ID)
		}
		if _, err := expr.Parse(n.Bounds.Condition); err != nil {
			return workflow.Validationf("while loop %q: %v", n.ID, err)
		}
	case workflow.LoopFor:
		step := n.Bounds.Step
		if step == 0 {
			step = 1
		}
		if step > 0 && n.Bounds.End < n.Bounds.Start {
			return workflow.Validationf("for loop %q: end %d precedes start %d", n.ID, n.Bounds.End, n.Bounds.Start)
		}
		if step < 0 && n.Bounds.End > n.Bounds.Start {
			return workflow.Validationf("for loop %q: end %d follows start %d with negative step", n.ID, n.Bounds.End, n.Bounds.Start)
		}
	case workflow.LoopForEach:
		if n.Bounds.ArrayPath == "" {
			return workflow.Validationf("forEach loop %q has no arrayPath", n.ID)
		}
	default:
		return workflow.Validationf("loop node %q has unknown loop kind %q", n.ID, n.Loop)
	}
	if n.Bounds.MaxIterations < 0 {
		return workflow.Validationf("loop node %q: negative maxIterations", n.ID)
	}
	return nil
}
