package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

type lockRow struct {
	Key        string    `db:"key"`
	OwnerID    string    `db:"owner_id"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// AcquireLock implements store.LockStore. One statement decides the race:
// the insert wins an absent key, the conflict update steals an expired lease
// or extends the caller's own, and any other live lease leaves the WHERE
// false so nothing returns.
func (s *Store) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	var holder string
	err := s.db.GetContext(ctx, &holder, `
		INSERT INTO locks AS l (key, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			acquired_at = now(),
			expires_at = now() + make_interval(secs => $3)
		WHERE l.expires_at <= now() OR l.owner_id = EXCLUDED.owner_id
		RETURNING owner_id`,
		key, ownerID, ttl.Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return holder == ownerID, nil
}

// RenewLock implements store.LockStore.
func (s *Store) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = now() + make_interval(secs => $3)
		WHERE key = $1 AND owner_id = $2 AND expires_at > now()`,
		key, ownerID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock implements store.LockStore.
func (s *Store) ReleaseLock(ctx context.Context, key, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = $1 AND owner_id = $2`, key, ownerID)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

// GetLock implements store.LockStore.
func (s *Store) GetLock(ctx context.Context, key string) (*workflow.Lock, error) {
	var row lockRow
	err := s.db.GetContext(ctx, &row,
		`SELECT key, owner_id, acquired_at, expires_at FROM locks WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select lock %q: %w", key, err)
	}
	return &workflow.Lock{
		Key:        row.Key,
		OwnerID:    row.OwnerID,
		AcquiredAt: row.AcquiredAt,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}
