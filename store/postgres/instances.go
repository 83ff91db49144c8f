package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

type instanceRow struct {
	ID               string         `db:"id"`
	DefinitionID     string         `db:"definition_id"`
	Name             string         `db:"name"`
	Status           string         `db:"status"`
	InputData        jsonObject     `db:"input_data"`
	OutputData       jsonObject     `db:"output_data"`
	ContextData      jsonObject     `db:"context_data"`
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	PausedAt         *time.Time     `db:"paused_at"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ErrorDetails     jsonObject     `db:"error_details"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	Priority         int            `db:"priority"`
	ScheduledAt      *time.Time     `db:"scheduled_at"`
	BusinessKey      sql.NullString `db:"business_key"`
	MutexKey         sql.NullString `db:"mutex_key"`
	AssignedEngineID sql.NullString `db:"assigned_engine_id"`
	LockOwner        sql.NullString `db:"lock_owner"`
	LockAcquiredAt   *time.Time     `db:"lock_acquired_at"`
	LastHeartbeat    *time.Time     `db:"last_heartbeat"`
	CurrentNodeID    sql.NullString `db:"current_node_id"`
	CompletedNodes   jsonStrings    `db:"completed_nodes"`
	FailedNodes      jsonStrings    `db:"failed_nodes"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	CreatedBy        sql.NullString `db:"created_by"`
}

func (r *instanceRow) toInstance() *workflow.Instance {
	return &workflow.Instance{
		ID:               r.ID,
		DefinitionID:     r.DefinitionID,
		Name:             r.Name,
		Status:           workflow.InstanceStatus(r.Status),
		InputData:        r.InputData,
		OutputData:       r.OutputData,
		ContextData:      r.ContextData,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		PausedAt:         r.PausedAt,
		ErrorMessage:     r.ErrorMessage.String,
		ErrorDetails:     r.ErrorDetails,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		Priority:         r.Priority,
		ScheduledAt:      r.ScheduledAt,
		BusinessKey:      r.BusinessKey.String,
		MutexKey:         r.MutexKey.String,
		AssignedEngineID: r.AssignedEngineID.String,
		LockOwner:        r.LockOwner.String,
		LockAcquiredAt:   r.LockAcquiredAt,
		LastHeartbeat:    r.LastHeartbeat,
		CurrentNodeID:    r.CurrentNodeID.String,
		CompletedNodes:   r.CompletedNodes,
		FailedNodes:      r.FailedNodes,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CreatedBy:        r.CreatedBy.String,
	}
}

const instanceColumns = `id, definition_id, name, status, input_data, output_data, context_data,
	started_at, completed_at, paused_at, error_message, error_details,
	retry_count, max_retries, priority, scheduled_at, business_key, mutex_key,
	assigned_engine_id, lock_owner, lock_acquired_at, last_heartbeat,
	current_node_id, completed_nodes, failed_nodes, created_at, updated_at, created_by`

// CreateInstance implements store.InstanceStore.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, name, status, input_data, output_data, context_data,
			error_message, error_details, retry_count, max_retries, priority,
			scheduled_at, business_key, mutex_key, assigned_engine_id, lock_owner,
			current_node_id, completed_nodes, failed_nodes, created_at, updated_at, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,now(),now(),$21)`,
		inst.ID, inst.DefinitionID, inst.Name, string(inst.Status),
		jsonObject(inst.InputData), jsonObject(inst.OutputData), jsonObject(inst.ContextData),
		nullString(inst.ErrorMessage), jsonObject(inst.ErrorDetails),
		inst.RetryCount, inst.MaxRetries, inst.Priority, inst.ScheduledAt,
		nullString(inst.BusinessKey), nullString(inst.MutexKey),
		nullString(inst.AssignedEngineID), nullString(inst.LockOwner),
		nullString(inst.CurrentNodeID),
		jsonStrings(inst.CompletedNodes), jsonStrings(inst.FailedNodes),
		nullString(inst.CreatedBy),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstance implements store.InstanceStore.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select instance %s: %w", id, err)
	}
	return row.toInstance(), nil
}

// UpdateStatus implements store.InstanceStore. The transition whitelist is
// checked under a row lock so concurrent movers serialize; the loser sees
// workflow.ErrInvalidTransition against the winner's status.
func (s *Store) UpdateStatus(ctx context.Context, id string, to workflow.InstanceStatus, patch store.InstancePatch) (*workflow.Instance, error) {
	var out *workflow.Instance
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row instanceRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select instance %s: %w", id, err)
		}
		from := workflow.InstanceStatus(row.Status)
		if !store.TransitionAllowed(from, to) {
			return fmt.Errorf("instance %s: %s -> %s: %w", id, from, to, workflow.ErrInvalidTransition)
		}

		set := []string{"status = :status", "updated_at = now()"}
		args := map[string]any{"id": id, "status": string(to)}
		switch {
		case to == workflow.StatusRunning:
			set = append(set, "started_at = COALESCE(started_at, now())", "paused_at = NULL")
		case to == workflow.StatusPaused:
			set = append(set, "paused_at = now()")
		case to.Terminal():
			set = append(set, "completed_at = now()")
		}
		appendPatch(&set, args, patch)

		query := `UPDATE workflow_instances SET ` + strings.Join(set, ", ") + ` WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
			return fmt.Errorf("update instance %s: %w", id, err)
		}
		var updated instanceRow
		if err := tx.GetContext(ctx, &updated,
			`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id); err != nil {
			return fmt.Errorf("reload instance %s: %w", id, err)
		}
		out = updated.toInstance()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveProgress implements store.InstanceStore.
func (s *Store) SaveProgress(ctx context.Context, id string, patch store.InstancePatch) error {
	set := []string{"updated_at = now()"}
	args := map[string]any{"id": id}
	appendPatch(&set, args, patch)
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE workflow_instances SET `+strings.Join(set, ", ")+` WHERE id = :id`, args)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// appendPatch folds the optional patch fields into a named SET clause.
func appendPatch(set *[]string, args map[string]any, patch store.InstancePatch) {
	if patch.OutputData != nil {
		*set = append(*set, "output_data = :output_data")
		args["output_data"] = jsonObject(patch.OutputData)
	}
	if patch.ContextData != nil {
		*set = append(*set, "context_data = :context_data")
		args["context_data"] = jsonObject(patch.ContextData)
	}
	if patch.ErrorMessage != nil {
		*set = append(*set, "error_message = :error_message")
		args["error_message"] = nullString(*patch.ErrorMessage)
	}
	if patch.ErrorDetails != nil {
		*set = append(*set, "error_details = :error_details")
		args["error_details"] = jsonObject(patch.ErrorDetails)
	}
	if patch.RetryCount != nil {
		*set = append(*set, "retry_count = :retry_count")
		args["retry_count"] = *patch.RetryCount
	}
	if patch.ScheduledAt != nil {
		*set = append(*set, "scheduled_at = :scheduled_at")
		args["scheduled_at"] = *patch.ScheduledAt
	}
	if patch.AssignedEngineID != nil {
		*set = append(*set, "assigned_engine_id = :assigned_engine_id")
		args["assigned_engine_id"] = nullString(*patch.AssignedEngineID)
	}
	if patch.LockOwner != nil {
		*set = append(*set, "lock_owner = :lock_owner")
		args["lock_owner"] = nullString(*patch.LockOwner)
	}
	if patch.CurrentNodeID != nil {
		*set = append(*set, "current_node_id = :current_node_id")
		args["current_node_id"] = nullString(*patch.CurrentNodeID)
	}
	if patch.CompletedNodes != nil {
		*set = append(*set, "completed_nodes = :completed_nodes")
		args["completed_nodes"] = jsonStrings(patch.CompletedNodes)
	}
	if patch.FailedNodes != nil {
		*set = append(*set, "failed_nodes = :failed_nodes")
		args["failed_nodes"] = jsonStrings(patch.FailedNodes)
	}
}

// FindByAssignedEngine implements store.InstanceStore.
func (s *Store) FindByAssignedEngine(ctx context.Context, engineID string, statuses ...workflow.InstanceStatus) ([]*workflow.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	query, args, err := sqlx.In(
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE assigned_engine_id = ? AND status IN (?) ORDER BY created_at`,
		engineID, vals)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select instances of engine %s: %w", engineID, err)
	}
	return toInstances(rows), nil
}

// FindByMutexKey implements store.InstanceStore.
func (s *Store) FindByMutexKey(ctx context.Context, key string, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	var rows []instanceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE mutex_key = $1 AND status = $2 ORDER BY created_at`,
		key, string(status))
	if err != nil {
		return nil, fmt.Errorf("select instances by mutex key %q: %w", key, err)
	}
	return toInstances(rows), nil
}

// AssignEngine implements store.InstanceStore.
func (s *Store) AssignEngine(ctx context.Context, id, fromEngineID, toEngineID, lockOwner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET assigned_engine_id = $3, lock_owner = $4,
		    lock_acquired_at = now(), last_heartbeat = now(), updated_at = now()
		WHERE id = $1 AND COALESCE(assigned_engine_id, '') = $2`,
		id, fromEngineID, nullString(toEngineID), nullString(lockOwner))
	if err != nil {
		return fmt.Errorf("assign instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetInstance(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("instance %s not owned by %q: %w", id, fromEngineID, workflow.ErrStaleOwner)
	}
	return nil
}

// TransferInstances implements store.InstanceStore.
func (s *Store) TransferInstances(ctx context.Context, ids []string, fromEngineID, toEngineID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var moved int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, terr := transferInstancesTx(ctx, tx, ids, fromEngineID, toEngineID)
		moved = n
		return terr
	})
	return moved, err
}

func transferInstancesTx(ctx context.Context, tx *sqlx.Tx, ids []string, fromEngineID, toEngineID string) (int, error) {
	query, args, err := sqlx.In(`
		UPDATE workflow_instances
		SET assigned_engine_id = ?, lock_owner = ?,
		    lock_acquired_at = now(), last_heartbeat = now(), updated_at = now()
		WHERE id IN (?) AND assigned_engine_id = ?`,
		toEngineID, toEngineID, ids, fromEngineID)
	if err != nil {
		return 0, fmt.Errorf("build transfer query: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("transfer instances from %s to %s: %w", fromEngineID, toEngineID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteInstance implements store.InstanceStore.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_node_instances WHERE workflow_instance_id = $1`, id); err != nil {
			return fmt.Errorf("delete node instances of %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete instance %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func toInstances(rows []instanceRow) []*workflow.Instance {
	out := make([]*workflow.Instance, len(rows))
	for i := range rows {
		out[i] = rows[i].toInstance()
	}
	return out
}
