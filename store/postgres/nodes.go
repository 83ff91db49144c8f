package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

type nodeInstanceRow struct {
	ID                 string     `db:"id"`
	WorkflowInstanceID string     `db:"workflow_instance_id"`
	NodeID             string     `db:"node_id"`
	Status             string     `db:"status"`
	StartedAt          *time.Time `db:"started_at"`
	FinishedAt         *time.Time `db:"finished_at"`
	Output             jsonValue  `db:"output"`
}

func (r *nodeInstanceRow) toNodeInstance() *workflow.NodeInstance {
	return &workflow.NodeInstance{
		ID:                 r.ID,
		WorkflowInstanceID: r.WorkflowInstanceID,
		NodeID:             r.NodeID,
		Status:             workflow.NodeStatus(r.Status),
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		Output:             r.Output.V,
	}
}

const nodeInstanceColumns = `id, workflow_instance_id, node_id, status, started_at, finished_at, output`

// CreateNodeInstance implements store.NodeInstanceStore.
func (s *Store) CreateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_node_instances
			(id, workflow_instance_id, node_id, status, started_at, finished_at, output)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ni.ID, ni.WorkflowInstanceID, ni.NodeID, string(ni.Status),
		ni.StartedAt, ni.FinishedAt, jsonValue{V: ni.Output})
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert node instance %s/%s: %w", ni.WorkflowInstanceID, ni.NodeID, err)
	}
	return nil
}

// UpdateNodeInstance implements store.NodeInstanceStore.
func (s *Store) UpdateNodeInstance(ctx context.Context, ni *workflow.NodeInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_node_instances
		SET status = $2, started_at = $3, finished_at = $4, output = $5
		WHERE id = $1`,
		ni.ID, string(ni.Status), ni.StartedAt, ni.FinishedAt, jsonValue{V: ni.Output})
	if err != nil {
		return fmt.Errorf("update node instance %s: %w", ni.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetNodeInstance implements store.NodeInstanceStore.
func (s *Store) GetNodeInstance(ctx context.Context, instanceID, nodeID string) (*workflow.NodeInstance, error) {
	var row nodeInstanceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+nodeInstanceColumns+` FROM workflow_node_instances
		 WHERE workflow_instance_id = $1 AND node_id = $2`,
		instanceID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select node instance %s/%s: %w", instanceID, nodeID, err)
	}
	return row.toNodeInstance(), nil
}

// ListNodeInstances implements store.NodeInstanceStore.
func (s *Store) ListNodeInstances(ctx context.Context, instanceID string) ([]*workflow.NodeInstance, error) {
	var rows []nodeInstanceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+nodeInstanceColumns+` FROM workflow_node_instances
		 WHERE workflow_instance_id = $1 ORDER BY started_at NULLS LAST, node_id`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("select node instances of %s: %w", instanceID, err)
	}
	return toNodeInstances(rows), nil
}

// FindRunningNodesByEngine implements store.NodeInstanceStore.
func (s *Store) FindRunningNodesByEngine(ctx context.Context, engineID string) ([]*workflow.NodeInstance, error) {
	var rows []nodeInstanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT n.id, n.workflow_instance_id, n.node_id, n.status, n.started_at, n.finished_at, n.output
		FROM workflow_node_instances n
		JOIN workflow_instances i ON i.id = n.workflow_instance_id
		WHERE n.status = 'running' AND i.assigned_engine_id = $1`,
		engineID)
	if err != nil {
		return nil, fmt.Errorf("select running nodes of engine %s: %w", engineID, err)
	}
	return toNodeInstances(rows), nil
}

// ResetNodes implements store.NodeInstanceStore.
func (s *Store) ResetNodes(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var reset int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, rerr := resetNodesTx(ctx, tx, ids)
		reset = n
		return rerr
	})
	return reset, err
}

func resetNodesTx(ctx context.Context, tx *sqlx.Tx, ids []string) (int, error) {
	query, args, err := sqlx.In(`
		UPDATE workflow_node_instances
		SET status = 'pending', started_at = NULL, finished_at = NULL, output = NULL
		WHERE id IN (?) AND status = 'running'`, ids)
	if err != nil {
		return 0, fmt.Errorf("build reset query: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("reset node instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func toNodeInstances(rows []nodeInstanceRow) []*workflow.NodeInstance {
	out := make([]*workflow.NodeInstance, len(rows))
	for i := range rows {
		out[i] = rows[i].toNodeInstance()
	}
	return out
}
