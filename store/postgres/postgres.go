// Package postgres implements the cluster store on PostgreSQL via sqlx and
// the pgx driver. All lease arithmetic uses the database clock (now()), so
// engine clock skew cannot create overlapping leases. Conditional updates
// carry the previous owner in the WHERE clause; a zero row count surfaces as
// workflow.ErrStaleOwner.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/telemetry"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// Store implements store.Store on PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger telemetry.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// New creates a Store over an open connection pool.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// jsonObject maps a map[string]any onto a jsonb column. A nil map stores
// SQL NULL.
type jsonObject map[string]any

// Value implements driver.Valuer.
func (j jsonObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *jsonObject) Scan(src any) error {
	return scanJSON(src, j)
}

// jsonStrings maps a []string onto a jsonb column.
type jsonStrings []string

// Value implements driver.Valuer.
func (j jsonStrings) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *jsonStrings) Scan(src any) error {
	return scanJSON(src, j)
}

// jsonValue maps an arbitrary JSON value onto a jsonb column.
type jsonValue struct {
	V any
}

// Value implements driver.Valuer.
func (j jsonValue) Value() (driver.Value, error) {
	if j.V == nil {
		return nil, nil
	}
	return json.Marshal(j.V)
}

// Scan implements sql.Scanner.
func (j *jsonValue) Scan(src any) error {
	return scanJSON(src, &j.V)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON value", src)
	}
}

// nullString converts an optional text column.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
