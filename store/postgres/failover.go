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

type failoverRow struct {
	EventID             string         `db:"event_id"`
	FailedEngineID      string         `db:"failed_engine_id"`
	TakeoverEngineID    sql.NullString `db:"takeover_engine_id"`
	Reason              string         `db:"reason"`
	AffectedWorkflowIDs jsonStrings    `db:"affected_workflow_ids"`
	UnassignableIDs     jsonStrings    `db:"unassignable_workflow_ids"`
	Status              string         `db:"status"`
	FailoverAt          time.Time      `db:"failover_at"`
	RecoveryCompletedAt *time.Time     `db:"recovery_completed_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *failoverRow) toEvent() *workflow.FailoverEvent {
	return &workflow.FailoverEvent{
		EventID:             r.EventID,
		FailedEngineID:      r.FailedEngineID,
		TakeoverEngineID:    r.TakeoverEngineID.String,
		Reason:              r.Reason,
		AffectedWorkflowIDs: r.AffectedWorkflowIDs,
		UnassignableIDs:     r.UnassignableIDs,
		Status:              workflow.FailoverStatus(r.Status),
		FailoverAt:          r.FailoverAt,
		RecoveryCompletedAt: r.RecoveryCompletedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

const failoverColumns = `event_id, failed_engine_id, takeover_engine_id, reason,
	affected_workflow_ids, unassignable_workflow_ids, status, failover_at,
	recovery_completed_at, updated_at`

// CreateFailoverEvent implements store.FailoverStore.
func (s *Store) CreateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_failover_events
			(event_id, failed_engine_id, takeover_engine_id, reason,
			 affected_workflow_ids, unassignable_workflow_ids, status, failover_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())`,
		ev.EventID, ev.FailedEngineID, nullString(ev.TakeoverEngineID), ev.Reason,
		jsonStrings(ev.AffectedWorkflowIDs), jsonStrings(ev.UnassignableIDs), string(ev.Status))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert failover event %s: %w", ev.EventID, err)
	}
	return nil
}

// UpdateFailoverEvent implements store.FailoverStore.
func (s *Store) UpdateFailoverEvent(ctx context.Context, ev *workflow.FailoverEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_failover_events
		SET takeover_engine_id = $2, reason = $3, affected_workflow_ids = $4,
		    unassignable_workflow_ids = $5, status = $6, recovery_completed_at = $7,
		    updated_at = now()
		WHERE event_id = $1`,
		ev.EventID, nullString(ev.TakeoverEngineID), ev.Reason,
		jsonStrings(ev.AffectedWorkflowIDs), jsonStrings(ev.UnassignableIDs),
		string(ev.Status), ev.RecoveryCompletedAt)
	if err != nil {
		return fmt.Errorf("update failover event %s: %w", ev.EventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetFailoverEvent implements store.FailoverStore.
func (s *Store) GetFailoverEvent(ctx context.Context, eventID string) (*workflow.FailoverEvent, error) {
	var row failoverRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+failoverColumns+` FROM workflow_failover_events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select failover event %s: %w", eventID, err)
	}
	return row.toEvent(), nil
}

// ListFailoverEvents implements store.FailoverStore.
func (s *Store) ListFailoverEvents(ctx context.Context, status workflow.FailoverStatus) ([]*workflow.FailoverEvent, error) {
	query := `SELECT ` + failoverColumns + ` FROM workflow_failover_events`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY failover_at`
	var rows []failoverRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select failover events: %w", err)
	}
	out := make([]*workflow.FailoverEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toEvent()
	}
	return out, nil
}

// CompleteFailover implements store.FailoverStore. Instance transfer, node
// reset, engine deactivation and event completion commit or roll back as one
// transaction, so a crashed sweep never leaves a half-moved engine.
func (s *Store) CompleteFailover(ctx context.Context, t store.FailoverTransfer) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if len(t.InstanceIDs) > 0 {
			if _, err := transferInstancesTx(ctx, tx, t.InstanceIDs, t.FromEngineID, t.ToEngineID); err != nil {
				return err
			}
		}
		if len(t.NodeInstanceIDs) > 0 {
			if _, err := resetNodesTx(ctx, tx, t.NodeInstanceIDs); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_engine_instances SET status = 'inactive', updated_at = now()
			WHERE instance_id = $1`, t.FromEngineID); err != nil {
			return fmt.Errorf("deactivate engine %s: %w", t.FromEngineID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_failover_events
			SET status = 'completed', takeover_engine_id = $2,
			    affected_workflow_ids = $3, unassignable_workflow_ids = $4,
			    recovery_completed_at = now(), updated_at = now()
			WHERE event_id = $1`,
			t.EventID, nullString(t.ToEngineID),
			jsonStrings(t.InstanceIDs), jsonStrings(t.UnassignableIDs))
		if err != nil {
			return fmt.Errorf("complete failover event %s: %w", t.EventID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
