// Package executor defines the pluggable task executor contract and the
// process-wide registry that resolves executors by name. The registry is
// populated at process start and is append-only at runtime; the set of
// capabilities is closed per deployment.
package executor

import (
	"context"

	"github.com/flowmesh/flowmesh/telemetry"
)

type (
	// Result is the outcome of a single executor invocation. Success false is
	// treated as a node-level failure and drives workflow-level retry.
	Result struct {
		Success bool
		// Data is stored under nodes.<nodeId>.output in the variable map.
		Data any
		// Error describes the failure when Success is false.
		Error string
	}

	// ExecutionContext carries everything an executor may use. Executors are
	// pure value objects: they must not reach for process globals.
	ExecutionContext struct {
		// TaskID is the definition node id being executed.
		TaskID string
		// WorkflowInstanceID identifies the owning instance.
		WorkflowInstanceID string
		// Config is the node's static configuration from the definition.
		Config map[string]any
		// Inputs is the merged variable map visible to the node.
		Inputs map[string]any
		// Context is the instance's context data blob.
		Context map[string]any
		// Logger is the engine logger scoped to this invocation.
		Logger telemetry.Logger
	}

	// Executor performs the side effect of a task node. Implementations must
	// honor ctx cancellation on a best-effort basis; the engine never
	// pre-empts an in-flight call.
	Executor interface {
		Execute(ctx context.Context, ec ExecutionContext) (Result, error)
	}

	// HealthChecker is optionally implemented by executors that can report
	// readiness.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Func adapts a plain function to the Executor interface.
	Func func(ctx context.Context, ec ExecutionContext) (Result, error)
)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, ec ExecutionContext) (Result, error) {
	return f(ctx, ec)
}

// OK builds a successful result carrying data.
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail builds a failed result with a message.
func Fail(msg string) Result { return Result{Success: false, Error: msg} }
