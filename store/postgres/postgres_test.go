package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func TestAcquireLockWinsFreeKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO locks`).
		WithArgs("wf:abc", "engine-1", float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("engine-1"))

	ok, err := s.AcquireLock(context.Background(), "wf:abc", "engine-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLockLosesHeldKey(t *testing.T) {
	s, mock := newMockStore(t)

	// A live lease leaves the conflict update's WHERE false: no row returns.
	mock.ExpectQuery(`INSERT INTO locks`).
		WithArgs("wf:abc", "engine-2", float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

	ok, err := s.AcquireLock(context.Background(), "wf:abc", "engine-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE locks SET expires_at`).
		WithArgs("wf:abc", "engine-1", float64(60)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.RenewLock(context.Background(), "wf:abc", "engine-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// An expired or stolen lease updates nothing.
	mock.ExpectExec(`UPDATE locks SET expires_at`).
		WithArgs("wf:abc", "engine-1", float64(60)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.RenewLock(context.Background(), "wf:abc", "engine-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM locks WHERE key`).
		WithArgs("wf:abc", "engine-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseLock(context.Background(), "wf:abc", "engine-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLockNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT key, owner_id, acquired_at, expires_at FROM locks`).
		WithArgs("wf:missing").
		WillReturnRows(sqlmock.NewRows([]string{"key", "owner_id", "acquired_at", "expires_at"}))

	_, err := s.GetLock(context.Background(), "wf:missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignEngineStaleOwner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE workflow_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The zero-row fallback distinguishes a missing row from a lost race.
	mock.ExpectQuery(`SELECT .+ FROM workflow_instances WHERE id`).
		WithArgs("wf-1").
		WillReturnRows(instanceRows("wf-1", "engine-other"))

	err := s.AssignEngine(context.Background(), "wf-1", "engine-dead", "engine-2", "engine-2")
	assert.ErrorIs(t, err, workflow.ErrStaleOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignEngineMissingInstance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE workflow_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .+ FROM workflow_instances WHERE id`).
		WithArgs("wf-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := s.AssignEngine(context.Background(), "wf-missing", "", "engine-2", "engine-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE workflow_engine_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.Heartbeat(context.Background(), "engine-1", workflow.LoadInfo{ActiveInstances: 3})
	require.NoError(t, err)
	assert.True(t, ok)

	// A deleted membership row means the engine must re-register.
	mock.ExpectExec(`UPDATE workflow_engine_instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.Heartbeat(context.Background(), "engine-1", workflow.LoadInfo{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM workflow_instances WHERE id .+ FOR UPDATE`).
		WithArgs("wf-1").
		WillReturnRows(instanceRowsWithStatus("wf-1", "engine-1", "completed"))
	mock.ExpectRollback()

	_, err := s.UpdateStatus(context.Background(), "wf-1", workflow.StatusRunning, store.InstancePatch{})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func instanceRows(id, engineID string) *sqlmock.Rows {
	return instanceRowsWithStatus(id, engineID, "running")
}

func instanceRowsWithStatus(id, engineID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "definition_id", "name", "status", "current_node_id",
		"input_data", "output_data", "context_data",
		"error_message", "error_details",
		"retry_count", "max_retries", "priority", "scheduled_at",
		"business_key", "mutex_key",
		"assigned_engine_id", "lock_owner", "lock_acquired_at", "last_heartbeat",
		"completed_nodes", "failed_nodes",
		"created_by", "created_at", "updated_at",
		"started_at", "paused_at", "completed_at",
	}).AddRow(
		id, "def-1", "demo", status, nil,
		[]byte(`{}`), nil, nil,
		nil, nil,
		0, 3, 0, nil,
		nil, nil,
		engineID, engineID, nil, nil,
		nil, nil,
		nil, now, now,
		nil, nil, nil,
	)
}
