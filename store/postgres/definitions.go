package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/workflow"
)

type definitionRow struct {
	ID        string      `db:"id"`
	Name      string      `db:"name"`
	Version   int         `db:"version"`
	Nodes     []byte      `db:"nodes"`
	Inputs    []byte      `db:"inputs"`
	Outputs   jsonStrings `db:"outputs"`
	Config    []byte      `db:"config"`
	IsActive  bool        `db:"is_active"`
	CreatedAt time.Time   `db:"created_at"`
}

func (r *definitionRow) toDefinition() (*workflow.Definition, error) {
	def := &workflow.Definition{
		ID:        r.ID,
		Name:      r.Name,
		Version:   r.Version,
		Outputs:   r.Outputs,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
	}
	if len(r.Nodes) > 0 {
		if err := json.Unmarshal(r.Nodes, &def.Nodes); err != nil {
			return nil, fmt.Errorf("decode nodes of definition %s: %w", r.ID, err)
		}
	}
	if len(r.Inputs) > 0 {
		if err := json.Unmarshal(r.Inputs, &def.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs of definition %s: %w", r.ID, err)
		}
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &def.Config); err != nil {
			return nil, fmt.Errorf("decode config of definition %s: %w", r.ID, err)
		}
	}
	return def, nil
}

const definitionColumns = `id, name, version, nodes, inputs, outputs, config, is_active, created_at`

// CreateDefinition implements store.DefinitionStore.
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes of definition %q: %w", def.Name, err)
	}
	inputs, err := json.Marshal(def.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs of definition %q: %w", def.Name, err)
	}
	config, err := json.Marshal(def.Config)
	if err != nil {
		return fmt.Errorf("encode config of definition %q: %w", def.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(id, name, version, nodes, inputs, outputs, config, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())`,
		def.ID, def.Name, def.Version, nodes, inputs,
		jsonStrings(def.Outputs), config, def.IsActive)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert definition %q v%d: %w", def.Name, def.Version, err)
	}
	return nil
}

// GetDefinition implements store.DefinitionStore.
func (s *Store) GetDefinition(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	return s.getDefinition(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = $1 AND version = $2`,
		name, version)
}

// GetActiveDefinition implements store.DefinitionStore.
func (s *Store) GetActiveDefinition(ctx context.Context, name string) (*workflow.Definition, error) {
	return s.getDefinition(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = $1 AND is_active`,
		name)
}

// GetDefinitionByID implements store.DefinitionStore.
func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*workflow.Definition, error) {
	return s.getDefinition(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`,
		id)
}

func (s *Store) getDefinition(ctx context.Context, query string, args ...any) (*workflow.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select definition: %w", err)
	}
	return row.toDefinition()
}

// ListDefinitionVersions implements store.DefinitionStore.
func (s *Store) ListDefinitionVersions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	var rows []definitionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = $1 ORDER BY version DESC`,
		name)
	if err != nil {
		return nil, fmt.Errorf("select definition versions of %q: %w", name, err)
	}
	out := make([]*workflow.Definition, len(rows))
	for i := range rows {
		def, derr := rows[i].toDefinition()
		if derr != nil {
			return nil, derr
		}
		out[i] = def
	}
	return out, nil
}

// SetActiveVersion implements store.DefinitionStore.
func (s *Store) SetActiveVersion(ctx context.Context, name string, version int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_definitions SET is_active = false WHERE name = $1 AND is_active`, name); err != nil {
			return fmt.Errorf("deactivate versions of %q: %w", name, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_definitions SET is_active = true WHERE name = $1 AND version = $2`,
			name, version)
		if err != nil {
			return fmt.Errorf("activate %q v%d: %w", name, version, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
