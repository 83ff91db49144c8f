// Package workflow defines the data model shared by the engine cluster:
// versioned workflow definitions, workflow and node instances, engine
// membership rows, database-backed locks and failover events.
//
// Definitions are immutable once created; new versions replace edits. At most
// one version per name is active at any time. Instances are created pending,
// transition through running and reach exactly one terminal state. A
// cancelled instance is never resumed.
package workflow

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// StatusPending indicates the instance has been accepted but is not executing.
	StatusPending InstanceStatus = "pending"
	// StatusRunning indicates the instance is actively executing on some engine.
	StatusRunning InstanceStatus = "running"
	// StatusPaused indicates execution is paused awaiting an explicit resume.
	StatusPaused InstanceStatus = "paused"
	// StatusCompleted indicates the instance finished successfully.
	StatusCompleted InstanceStatus = "completed"
	// StatusFailed indicates the instance failed permanently.
	StatusFailed InstanceStatus = "failed"
	// StatusCancelled indicates the instance was cancelled externally.
	StatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal instances never
// transition again.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a single node instance.
type NodeStatus string

const (
	// NodePending indicates the node has not started yet.
	NodePending NodeStatus = "pending"
	// NodeRunning indicates the node is executing.
	NodeRunning NodeStatus = "running"
	// NodeCompleted indicates the node finished successfully.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed indicates the node raised an error.
	NodeFailed NodeStatus = "failed"
	// NodeSkipped indicates the node's guard evaluated to false.
	NodeSkipped NodeStatus = "skipped"
)

// EngineStatus is the membership state of an engine row.
type EngineStatus string

const (
	// EngineActive indicates the engine is heartbeating and eligible for work.
	EngineActive EngineStatus = "active"
	// EngineInactive indicates the engine shut down cleanly or was failed over.
	EngineInactive EngineStatus = "inactive"
	// EngineMaintenance indicates the engine keeps its work but receives no new
	// assignments.
	EngineMaintenance EngineStatus = "maintenance"
)

// FailoverStatus tracks progress of a recorded failover.
type FailoverStatus string

const (
	// FailoverInitiated indicates the event row was created for a stale engine.
	FailoverInitiated FailoverStatus = "initiated"
	// FailoverInProgress indicates transfer is underway.
	FailoverInProgress FailoverStatus = "in_progress"
	// FailoverCompleted indicates ownership moved and half-run nodes were reset.
	FailoverCompleted FailoverStatus = "completed"
	// FailoverFailed indicates the transfer did not commit; the sweep retries.
	FailoverFailed FailoverStatus = "failed"
)

// RetryPolicy controls workflow-level retries. Zero MaxRetries means the
// deployment default applies.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries,omitempty"`
}

// DefinitionConfig carries per-definition execution settings.
type DefinitionConfig struct {
	Retry    RetryPolicy `json:"retry,omitempty"`
	Priority int         `json:"priority,omitempty"`
}

// InputDecl declares a workflow input. Required inputs must be present when
// an instance starts.
type InputDecl struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// Definition is an immutable workflow template. (Name, Version) is unique and
// node IDs are unique within a definition.
type Definition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Version   int              `json:"version"`
	Nodes     []Node           `json:"nodes"`
	Inputs    []InputDecl      `json:"inputs,omitempty"`
	Outputs   []string         `json:"outputs,omitempty"`
	Config    DefinitionConfig `json:"config,omitempty"`
	IsActive  bool             `json:"isActive,omitempty"`
	CreatedAt time.Time        `json:"createdAt,omitempty"`
}

// Instance is a stateful execution of a definition.
//
// Ownership is the combination of AssignedEngineID plus an unexpired
// "wf:<id>" lock held by that engine. LockOwner, LockAcquiredAt and
// LastHeartbeat are diagnostics caches; the locks table is the source of
// truth and these fields are never read for correctness.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definitionId"`
	Name         string         `json:"name"`
	Status       InstanceStatus `json:"status"`

	InputData   map[string]any `json:"inputData,omitempty"`
	OutputData  map[string]any `json:"outputData,omitempty"`
	ContextData map[string]any `json:"contextData,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`

	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`

	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`

	BusinessKey string `json:"businessKey,omitempty"`
	MutexKey    string `json:"mutexKey,omitempty"`

	AssignedEngineID string     `json:"assignedEngineId,omitempty"`
	LockOwner        string     `json:"lockOwner,omitempty"`
	LockAcquiredAt   *time.Time `json:"lockAcquiredAt,omitempty"`
	LastHeartbeat    *time.Time `json:"lastHeartbeat,omitempty"`

	CurrentNodeID  string   `json:"currentNodeId,omitempty"`
	CompletedNodes []string `json:"completedNodes,omitempty"`
	FailedNodes    []string `json:"failedNodes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

// NodeInstance records one visit of a definition node by an instance. Node
// instances are created lazily on first visit.
type NodeInstance struct {
	ID                 string     `json:"id"`
	WorkflowInstanceID string     `json:"workflowInstanceId"`
	NodeID             string     `json:"nodeId"`
	Status             NodeStatus `json:"status"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	Output             any        `json:"output,omitempty"`
}

// LoadInfo is the self-reported load of an engine, used to pick failover
// takeover targets.
type LoadInfo struct {
	ActiveInstances int     `json:"activeInstances"`
	CPUPercent      float64 `json:"cpuPercent,omitempty"`
	MemoryPercent   float64 `json:"memoryPercent,omitempty"`
}

// EngineInstance is a cluster membership row. InstanceID is unique.
type EngineInstance struct {
	InstanceID         string       `json:"instanceId"`
	Hostname           string       `json:"hostname"`
	ProcessID          int          `json:"processId"`
	Status             EngineStatus `json:"status"`
	Load               LoadInfo     `json:"loadInfo"`
	SupportedExecutors []string     `json:"supportedExecutors,omitempty"`
	StartedAt          time.Time    `json:"startedAt"`
	LastHeartbeat      time.Time    `json:"lastHeartbeat"`
	UpdatedAt          time.Time    `json:"updatedAt,omitempty"`
}

// FailoverEvent records a transfer of ownership from a dead engine.
type FailoverEvent struct {
	EventID             string         `json:"eventId"`
	FailedEngineID      string         `json:"failedEngineId"`
	TakeoverEngineID    string         `json:"takeoverEngineId,omitempty"`
	Reason              string         `json:"reason"`
	AffectedWorkflowIDs []string       `json:"affectedWorkflowIds,omitempty"`
	UnassignableIDs     []string       `json:"unassignableWorkflowIds,omitempty"`
	Status              FailoverStatus `json:"status"`
	FailoverAt          time.Time      `json:"failoverAt"`
	RecoveryCompletedAt *time.Time     `json:"recoveryCompletedAt,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt,omitempty"`
}

// Lock is a named lease row. For a given key at most one row with
// ExpiresAt in the future exists at any wall-clock moment.
type Lock struct {
	Key        string    `json:"key"`
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
