package workflow

// NodeKind discriminates the tagged node variants. The set is closed: task,
// parallel, condition and loop.
type NodeKind string

const (
	// NodeTask invokes a named executor.
	NodeTask NodeKind = "task"
	// NodeParallel runs branches concurrently over forked variable maps.
	NodeParallel NodeKind = "parallel"
	// NodeCondition evaluates an expression and runs one of two branches.
	NodeCondition NodeKind = "condition"
	// NodeLoop repeats its body per the loop kind and bounds.
	NodeLoop NodeKind = "loop"
)

// LoopKind selects the iteration strategy of a loop node.
type LoopKind string

const (
	// LoopWhile re-evaluates a predicate before each iteration.
	LoopWhile LoopKind = "while"
	// LoopFor iterates a numeric range {start, end, step}.
	LoopFor LoopKind = "for"
	// LoopForEach walks an array bound from the variable map.
	LoopForEach LoopKind = "forEach"
)

// LoopBounds parameterizes a loop node. Which fields apply depends on the
// loop kind.
type LoopBounds struct {
	// Condition is the while predicate, re-evaluated before each iteration.
	Condition string `json:"condition,omitempty"`
	// Start, End and Step drive for loops. Step defaults to 1.
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
	Step  int `json:"step,omitempty"`
	// ArrayPath is the variable path of the array walked by forEach loops.
	ArrayPath string `json:"arrayPath,omitempty"`
	// MaxIterations overrides the deployment cap. The deployment cap is still
	// enforced as a hard upper bound.
	MaxIterations int `json:"maxIterations,omitempty"`
}

// Node is one unit of a definition. Kind selects which variant fields are
// meaningful; the rest stay zero. Guard, when set, is evaluated against the
// variable map and a false result skips the node.
type Node struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Guard string   `json:"guard,omitempty"`

	// Task fields.
	Executor string         `json:"executor,omitempty"`
	Config   map[string]any `json:"config,omitempty"`

	// Parallel fields.
	Branches [][]Node `json:"branches,omitempty"`

	// Condition fields.
	Expr        string `json:"expr,omitempty"`
	TrueBranch  []Node `json:"trueBranch,omitempty"`
	FalseBranch []Node `json:"falseBranch,omitempty"`

	// Loop fields.
	Loop   LoopKind   `json:"loop,omitempty"`
	Body   []Node     `json:"body,omitempty"`
	Bounds LoopBounds `json:"bounds,omitempty"`
}

// Walk visits every node in nodes depth-first, including nodes nested in
// branches and loop bodies, and stops at the first error.
func Walk(nodes []Node, fn func(*Node) error) error {
	for i := range nodes {
		n := &nodes[i]
		if err := fn(n); err != nil {
			return err
		}
		switch n.Kind {
		case NodeParallel:
			for _, branch := range n.Branches {
				if err := Walk(branch, fn); err != nil {
					return err
				}
			}
		case NodeCondition:
			if err := Walk(n.TrueBranch, fn); err != nil {
				return err
			}
			if err := Walk(n.FalseBranch, fn); err != nil {
				return err
			}
		case NodeLoop:
			if err := Walk(n.Body, fn); err != nil {
				return err
			}
		case NodeTask:
		}
	}
	return nil
}

// RequiredExecutors returns the unique executor names referenced by task
// nodes anywhere in the definition, in first-visit order.
func (d *Definition) RequiredExecutors() []string {
	seen := make(map[string]struct{})
	var names []string
	_ = Walk(d.Nodes, func(n *Node) error {
		if n.Kind == NodeTask && n.Executor != "" {
			if _, ok := seen[n.Executor]; !ok {
				seen[n.Executor] = struct{}{}
				names = append(names, n.Executor)
			}
		}
		return nil
	})
	return names
}

// MaxRetriesOrDefault resolves the effective retry budget for instances of
// the definition.
func (d *Definition) MaxRetriesOrDefault(deploymentDefault int) int {
	if d.Config.Retry.MaxRetries > 0 {
		return d.Config.Retry.MaxRetries
	}
	return deploymentDefault
}
