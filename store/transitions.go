package store

import "github.com/flowmesh/flowmesh/workflow"

// transitions is the whitelist of instance status changes. running -> pending
// is the retry edge; every non-terminal status may be cancelled. Terminal
// statuses have no outgoing edges.
var transitions = map[workflow.InstanceStatus][]workflow.InstanceStatus{
	workflow.StatusPending: {
		workflow.StatusRunning,
		workflow.StatusCancelled,
	},
	workflow.StatusRunning: {
		workflow.StatusPaused,
		workflow.StatusCompleted,
		workflow.StatusFailed,
		workflow.StatusCancelled,
		workflow.StatusPending,
	},
	workflow.StatusPaused: {
		workflow.StatusRunning,
		workflow.StatusCancelled,
	},
}

// TransitionAllowed reports whether the instance state machine permits moving
// from one status to another. Callers can pre-validate; stores enforce it.
func TransitionAllowed(from, to workflow.InstanceStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
