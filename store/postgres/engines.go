package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

type engineRow struct {
	InstanceID         string      `db:"instance_id"`
	Hostname           string      `db:"hostname"`
	ProcessID          int         `db:"process_id"`
	Status             string      `db:"status"`
	LoadInfo           jsonObject  `db:"load_info"`
	SupportedExecutors jsonStrings `db:"supported_executors"`
	StartedAt          time.Time   `db:"started_at"`
	LastHeartbeat      time.Time   `db:"last_heartbeat"`
	UpdatedAt          time.Time   `db:"updated_at"`
}

func (r *engineRow) toEngine() *workflow.EngineInstance {
	e := &workflow.EngineInstance{
		InstanceID:         r.InstanceID,
		Hostname:           r.Hostname,
		ProcessID:          r.ProcessID,
		Status:             workflow.EngineStatus(r.Status),
		SupportedExecutors: r.SupportedExecutors,
		StartedAt:          r.StartedAt,
		LastHeartbeat:      r.LastHeartbeat,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LoadInfo != nil {
		if b, err := json.Marshal(map[string]any(r.LoadInfo)); err == nil {
			_ = json.Unmarshal(b, &e.Load)
		}
	}
	return e
}

func loadInfoJSON(load workflow.LoadInfo) jsonObject {
	b, err := json.Marshal(load)
	if err != nil {
		return jsonObject{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

const engineColumns = `instance_id, hostname, process_id, status, load_info,
	supported_executors, started_at, last_heartbeat, updated_at`

// UpsertEngine implements store.EngineStore.
func (s *Store) UpsertEngine(ctx context.Context, e *workflow.EngineInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_engine_instances
			(instance_id, hostname, process_id, status, load_info, supported_executors,
			 started_at, last_heartbeat, updated_at)
		VALUES ($1,$2,$3,'active',$4,$5,now(),now(),now())
		ON CONFLICT (instance_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			process_id = EXCLUDED.process_id,
			status = 'active',
			load_info = EXCLUDED.load_info,
			supported_executors = EXCLUDED.supported_executors,
			last_heartbeat = now(),
			updated_at = now()`,
		e.InstanceID, e.Hostname, e.ProcessID,
		loadInfoJSON(e.Load), jsonStrings(e.SupportedExecutors))
	if err != nil {
		return fmt.Errorf("upsert engine %s: %w", e.InstanceID, err)
	}
	return nil
}

// Heartbeat implements store.EngineStore.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, load workflow.LoadInfo) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_engine_instances
		SET last_heartbeat = now(), load_info = $2, updated_at = now()
		WHERE instance_id = $1`,
		instanceID, loadInfoJSON(load))
	if err != nil {
		return false, fmt.Errorf("heartbeat engine %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEngine implements store.EngineStore.
func (s *Store) GetEngine(ctx context.Context, instanceID string) (*workflow.EngineInstance, error) {
	var row engineRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+engineColumns+` FROM workflow_engine_instances WHERE instance_id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select engine %s: %w", instanceID, err)
	}
	return row.toEngine(), nil
}

// ListActiveEngines implements store.EngineStore.
func (s *Store) ListActiveEngines(ctx context.Context, window time.Duration) ([]*workflow.EngineInstance, error) {
	var rows []engineRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+engineColumns+` FROM workflow_engine_instances
		WHERE status = 'active' AND last_heartbeat > now() - make_interval(secs => $1)
		ORDER BY instance_id`,
		window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("select active engines: %w", err)
	}
	return toEngines(rows), nil
}

// ListStaleEngines implements store.EngineStore.
func (s *Store) ListStaleEngines(ctx context.Context, threshold time.Duration) ([]*workflow.EngineInstance, error) {
	var rows []engineRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+engineColumns+` FROM workflow_engine_instances
		WHERE status = 'active' AND last_heartbeat <= now() - make_interval(secs => $1)
		ORDER BY last_heartbeat`,
		threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("select stale engines: %w", err)
	}
	return toEngines(rows), nil
}

// SetEngineStatus implements store.EngineStore.
func (s *Store) SetEngineStatus(ctx context.Context, instanceID string, status workflow.EngineStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_engine_instances SET status = $2, updated_at = now()
		WHERE instance_id = $1`,
		instanceID, string(status))
	if err != nil {
		return fmt.Errorf("set engine %s status: %w", instanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteEngine implements store.EngineStore.
func (s *Store) DeleteEngine(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_engine_instances WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("delete engine %s: %w", instanceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func toEngines(rows []engineRow) []*workflow.EngineInstance {
	out := make([]*workflow.EngineInstance, len(rows))
	for i := range rows {
		out[i] = rows[i].toEngine()
	}
	return out
}
