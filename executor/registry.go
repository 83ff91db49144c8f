package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/flowmesh/flowmesh/telemetry"
)

// Registry maps executor names to implementations. It is safe for concurrent
// use. Duplicate registration is last-wins with a warning.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    telemetry.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger. When nil, the registry logs nowhere.
func WithLogger(logger telemetry.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty executor registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Register binds name to ex. Registering an already-bound name replaces the
// previous executor and logs a warning.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	_, dup := r.executors[name]
	r.executors[name] = ex
	r.mu.Unlock()
	if dup {
		r.logger.Warn(context.Background(), "duplicate executor registration, last wins", "executor", name)
	}
}

// Get resolves an executor by name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// Names returns the sorted names of all registered executors. Engines report
// this as their supported executor set.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HealthCheck runs the health check of every executor that implements
// HealthChecker and returns the names that failed along with their errors.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	checks := make(map[string]HealthChecker)
	for name, ex := range r.executors {
		if hc, ok := ex.(HealthChecker); ok {
			checks[name] = hc
		}
	}
	r.mu.RUnlock()

	failures := make(map[string]error)
	for name, hc := range checks {
		if err := hc.HealthCheck(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
