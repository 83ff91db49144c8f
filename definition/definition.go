// Package definition manages versioned workflow definitions and resolves the
// active version per name. Definitions are immutable once created; edits
// become new versions. Activation toggles run under the "def:<name>" lease
// so at most one version per name is ever active.
package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/lock"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
	"github.com/flowmesh/flowmesh/workflow"
)

// activationTTL bounds how long an activation toggle may hold the name lease.
const activationTTL = 30 * time.Second

// Service provides read access for the engine and guarded writes for
// definition authors.
type Service struct {
	store  store.DefinitionStore
	locks  *lock.Service
	logger telemetry.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a definition service. locks may be nil only when the
// caller never activates versions.
func NewService(st store.DefinitionStore, locks *lock.Service, opts ...Option) *Service {
	s := &Service{
		store:  st,
		locks:  locks,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Get returns the active version for name, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, name string) (*workflow.Definition, error) {
	def, err := s.store.GetActiveDefinition(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("active definition %q: %w", name, err)
	}
	return def, nil
}

// GetVersion returns a specific version of name.
func (s *Service) GetVersion(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	def, err := s.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("definition %q v%d: %w", name, version, err)
	}
	return def, nil
}

// GetByID returns the definition row for a stored instance.
func (s *Service) GetByID(ctx context.Context, id string) (*workflow.Definition, error) {
	return s.store.GetDefinitionByID(ctx, id)
}

// Create stores a new immutable definition version. The (name, version) pair
// must be unique; duplicates return store.ErrDuplicate.
func (s *Service) Create(ctx context.Context, def *workflow.Definition) error {
	if def.Name == "" {
		return workflow.Validationf("definition name is required")
	}
	if len(def.Nodes) == 0 {
		return workflow.Validationf("definition %q has no nodes", def.Name)
	}
	if def.Version <= 0 {
		return workflow.Validationf("definition %q version must be positive", def.Name)
	}
	if err := checkUniqueNodeIDs(def); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return fmt.Errorf("create definition %q v%d: %w", def.Name, def.Version, err)
	}
	s.logger.Info(ctx, "definition created", "name", def.Name, "version", def.Version)
	return nil
}

// Activate makes (name, version) the single active version for name. The
// toggle runs under the name's lease so concurrent writers serialize.
func (s *Service) Activate(ctx context.Context, name string, version int, ownerID string) error {
	key := lock.DefinitionKey(name)
	ok, err := s.locks.Acquire(ctx, key, ownerID, activationTTL)
	if err != nil {
		return err
	}
	if !ok {
		return &workflow.ConflictError{Reason: fmt.Sprintf("definition %q activation in progress", name)}
	}
	defer func() { _ = s.locks.Release(ctx, key, ownerID) }()

	if err := s.store.SetActiveVersion(ctx, name, version); err != nil {
		return fmt.Errorf("activate definition %q v%d: %w", name, version, err)
	}
	s.logger.Info(ctx, "definition activated", "name", name, "version", version)
	return nil
}

// ListVersions returns all versions of name, newest first.
func (s *Service) ListVersions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	return s.store.ListDefinitionVersions(ctx, name)
}

func checkUniqueNodeIDs(def *workflow.Definition) error {
	seen := make(map[string]struct{})
	return workflow.Walk(def.Nodes, func(n *workflow.Node) error {
		if n.ID == "" {
			return workflow.Validationf("definition %q contains a node without id", def.Name)
		}
		if _, dup := seen[n.ID]; dup {
			return workflow.Validationf("definition %q duplicates node id %q", def.Name, n.ID)
		}
		seen[n.ID] = struct{}{}
		return nil
	})
}
