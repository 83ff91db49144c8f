// Package store defines the persistence layer for the engine cluster.
//
// The narrow per-entity interfaces abstract workflow instance, node, engine
// membership, lock, definition and failover storage. Available
// implementations:
//
//   - memory: In-memory store for development and testing
//   - postgres: Postgres store for production clusters
//
// All rows are the only shared mutable state in the cluster. Every update
// that changes an instance's owning engine is conditional on the previous
// owner being the expected one; implementations return
// workflow.ErrStaleOwner when the condition fails. Status changes go through
// UpdateStatus, which enforces the transition whitelist centrally.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh/workflow"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = workflow.ErrNotFound

	// ErrDuplicate is returned when a unique constraint would be violated,
	// such as a second (name, version) definition row.
	ErrDuplicate = errors.New("duplicate row")
)

type (
	// InstancePatch carries the optional field updates applied together with
	// a status transition. Nil pointer fields are left untouched. The store
	// maintains StartedAt, PausedAt and CompletedAt itself from the target
	// status so the "completedAt iff terminal" invariant cannot drift.
	InstancePatch struct {
		OutputData       map[string]any
		ContextData      map[string]any
		ErrorMessage     *string
		ErrorDetails     map[string]any
		RetryCount       *int
		ScheduledAt      *time.Time
		AssignedEngineID *string
		LockOwner        *string
		CurrentNodeID    *string
		CompletedNodes   []string
		FailedNodes      []string
	}

	// FailoverTransfer is the atomic tail of a failover: transfer the
	// instances, reset the half-run nodes, mark the failed engine inactive
	// and complete the event, all in one transaction.
	FailoverTransfer struct {
		EventID         string
		FromEngineID    string
		ToEngineID      string
		InstanceIDs     []string
		NodeInstanceIDs []string
		UnassignableIDs []string
	}

	// InstanceStore persists workflow instances.
	InstanceStore interface {
		// CreateInstance inserts a new instance row.
		CreateInstance(ctx context.Context, inst *workflow.Instance) error

		// GetInstance returns the instance by id, or ErrNotFound.
		GetInstance(ctx context.Context, id string) (*workflow.Instance, error)

		// UpdateStatus transitions the instance to the target status,
		// applying patch atomically. Returns workflow.ErrInvalidTransition
		// when the current status does not allow the move, and the updated
		// instance on success.
		UpdateStatus(ctx context.Context, id string, to workflow.InstanceStatus, patch InstancePatch) (*workflow.Instance, error)

		// SaveProgress persists the context and output blobs plus node
		// bookkeeping without changing status.
		SaveProgress(ctx context.Context, id string, patch InstancePatch) error

		// FindByAssignedEngine returns instances assigned to engineID in any
		// of the given statuses.
		FindByAssignedEngine(ctx context.Context, engineID string, statuses ...workflow.InstanceStatus) ([]*workflow.Instance, error)

		// FindByMutexKey returns instances holding the mutex key in the given
		// status. Used by the mutex pre-check.
		FindByMutexKey(ctx context.Context, key string, status workflow.InstanceStatus) ([]*workflow.Instance, error)

		// AssignEngine sets the owning engine conditionally: the row must
		// currently be assigned to fromEngineID (empty means unassigned).
		// Returns workflow.ErrStaleOwner on a mismatch.
		AssignEngine(ctx context.Context, id, fromEngineID, toEngineID, lockOwner string) error

		// TransferInstances moves every listed instance from fromEngineID to
		// toEngineID in a single transaction and returns the number of rows
		// actually moved. Rows no longer owned by fromEngineID are skipped.
		TransferInstances(ctx context.Context, ids []string, fromEngineID, toEngineID string) (int, error)

		// DeleteInstance removes the instance and its node instances.
		DeleteInstance(ctx context.Context, id string) error
	}

	// NodeInstanceStore persists per-node execution records.
	NodeInstanceStore interface {
		// CreateNodeInstance inserts a node instance row.
		CreateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error

		// UpdateNodeInstance updates status, timestamps and output by id.
		UpdateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error

		// GetNodeInstance returns the node instance for (instanceID, nodeID),
		// or ErrNotFound. Node instances are created lazily on first visit.
		GetNodeInstance(ctx context.Context, instanceID, nodeID string) (*workflow.NodeInstance, error)

		// ListNodeInstances returns all node instances of an instance.
		ListNodeInstances(ctx context.Context, instanceID string) ([]*workflow.NodeInstance, error)

		// FindRunningNodesByEngine returns node instances stuck in running
		// whose owning instance is assigned to engineID.
		FindRunningNodesByEngine(ctx context.Context, engineID string) ([]*workflow.NodeInstance, error)

		// ResetNodes moves the listed node instances from running back to
		// pending and clears startedAt, in a single transaction. Rows not in
		// running are left untouched.
		ResetNodes(ctx context.Context, ids []string) (int, error)
	}

	// EngineStore persists cluster membership rows.
	EngineStore interface {
		// UpsertEngine registers or refreshes an engine row with
		// status=active and lastHeartbeat=now.
		UpsertEngine(ctx context.Context, e *workflow.EngineInstance) error

		// Heartbeat bumps lastHeartbeat and load info. Returns false when no
		// row exists, in which case the caller must re-register.
		Heartbeat(ctx context.Context, instanceID string, load workflow.LoadInfo) (bool, error)

		// GetEngine returns the engine row, or ErrNotFound.
		GetEngine(ctx context.Context, instanceID string) (*workflow.EngineInstance, error)

		// ListActiveEngines returns active rows with a heartbeat inside the
		// liveness window.
		ListActiveEngines(ctx context.Context, window time.Duration) ([]*workflow.EngineInstance, error)

		// ListStaleEngines returns active rows whose heartbeat is older than
		// the threshold. These are failover candidates.
		ListStaleEngines(ctx context.Context, threshold time.Duration) ([]*workflow.EngineInstance, error)

		// SetEngineStatus moves the engine row to the given status.
		SetEngineStatus(ctx context.Context, instanceID string, status workflow.EngineStatus) error

		// DeleteEngine removes the membership row.
		DeleteEngine(ctx context.Context, instanceID string) error
	}

	// LockStore persists named leases. Acquire and renew are atomic against
	// concurrent callers; implementations use the database clock, not the
	// client's, so engine clock skew cannot create overlapping leases.
	LockStore interface {
		// AcquireLock inserts the lease or steals it if expired. Returns true
		// iff ownerID holds the lock afterwards. Contention returns false,
		// not an error.
		AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)

		// RenewLock extends the lease iff ownerID currently holds it.
		RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)

		// ReleaseLock removes the lease iff ownerID holds it. Idempotent.
		ReleaseLock(ctx context.Context, key, ownerID string) error

		// GetLock returns the current lease row for key, or ErrNotFound.
		GetLock(ctx context.Context, key string) (*workflow.Lock, error)
	}

	// DefinitionStore persists versioned workflow definitions.
	DefinitionStore interface {
		// CreateDefinition inserts a definition. Returns ErrDuplicate when
		// (name, version) already exists.
		CreateDefinition(ctx context.Context, def *workflow.Definition) error

		// GetDefinition returns a specific version, or ErrNotFound.
		GetDefinition(ctx context.Context, name string, version int) (*workflow.Definition, error)

		// GetActiveDefinition returns the single active version for name.
		GetActiveDefinition(ctx context.Context, name string) (*workflow.Definition, error)

		// GetDefinitionByID returns the definition row by id.
		GetDefinitionByID(ctx context.Context, id string) (*workflow.Definition, error)

		// ListDefinitionVersions returns all versions of name, newest first.
		ListDefinitionVersions(ctx context.Context, name string) ([]*workflow.Definition, error)

		// SetActiveVersion makes (name, version) the only active row for
		// name, in one transaction.
		SetActiveVersion(ctx context.Context, name string, version int) error
	}

	// FailoverStore persists failover events.
	FailoverStore interface {
		// CreateFailoverEvent inserts a new event row.
		CreateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error

		// UpdateFailoverEvent updates status, takeover engine, affected ids
		// and recovery time by event id.
		UpdateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error

		// GetFailoverEvent returns the event by id, or ErrNotFound.
		GetFailoverEvent(ctx context.Context, eventID string) (*workflow.FailoverEvent, error)

		// ListFailoverEvents returns events in the given status, oldest
		// first. An empty status lists everything.
		ListFailoverEvents(ctx context.Context, status workflow.FailoverStatus) ([]*workflow.FailoverEvent, error)

		// CompleteFailover commits the failover tail atomically: transfer
		// instances, reset nodes, mark the failed engine inactive and move
		// the event to completed with recoveryCompletedAt set.
		CompleteFailover(ctx context.Context, t FailoverTransfer) error
	}

	// Store aggregates every persistence concern. Implementations must be
	// safe for concurrent use.
	Store interface {
		InstanceStore
		NodeInstanceStore
		EngineStore
		LockStore
		DefinitionStore
		FailoverStore
	}
)
