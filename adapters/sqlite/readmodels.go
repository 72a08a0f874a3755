package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

// ReadModelStore keeps read models in the read_models table. Writes are
// conditioned on the version column.
type ReadModelStore struct {
	db *DB
}

func (d *DB) ReadModels() *ReadModelStore { return &ReadModelStore{db: d} }

func (s *ReadModelStore) Fetch(ctx context.Context, typeName, id string) (*proj.ReadModel, error) {
	var (
		rm        = &proj.ReadModel{TypeName: typeName, ID: id}
		value     []byte
		updatedAt int64
	)
	err := s.db.sqlDB.QueryRowContext(ctx,
		"SELECT version, value, updated_at FROM read_models WHERE type = ? AND id = ?",
		typeName, id,
	).Scan(&rm.Version, &value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, proj.ErrReadModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch read model %s/%s: %w", typeName, id, err)
	}
	rm.Value = json.RawMessage(value)
	rm.UpdatedAt = fromNanos(updatedAt)
	return rm, nil
}

func (s *ReadModelStore) Store(ctx context.Context, rm proj.ReadModel, expected es.Version) error {
	next := expected.Next()

	if expected == 0 {
		_, err := s.db.sqlDB.ExecContext(ctx,
			"INSERT INTO read_models (type, id, version, value, updated_at) VALUES (?, ?, ?, ?, ?)",
			rm.TypeName, rm.ID, next, []byte(rm.Value), toNanos(rm.UpdatedAt),
		)
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s/%s already exists", es.ErrConcurrencyConflict, rm.TypeName, rm.ID)
		}
		if err != nil {
			return fmt.Errorf("insert read model %s/%s: %w", rm.TypeName, rm.ID, err)
		}
		return nil
	}

	res, err := s.db.sqlDB.ExecContext(ctx,
		"UPDATE read_models SET version = ?, value = ?, updated_at = ? WHERE type = ? AND id = ? AND version = ?",
		next, []byte(rm.Value), toNanos(rm.UpdatedAt), rm.TypeName, rm.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update read model %s/%s: %w", rm.TypeName, rm.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s/%s expected version %d", es.ErrConcurrencyConflict, rm.TypeName, rm.ID, expected)
	}
	return nil
}

func (s *ReadModelStore) Delete(ctx context.Context, typeName, id string, expected es.Version) error {
	res, err := s.db.sqlDB.ExecContext(ctx,
		"DELETE FROM read_models WHERE type = ? AND id = ? AND version = ?",
		typeName, id, expected,
	)
	if err != nil {
		return fmt.Errorf("delete read model %s/%s: %w", typeName, id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	// nothing deleted: absent is fine, another version is a conflict
	current, err := s.Fetch(ctx, typeName, id)
	if errors.Is(err, proj.ErrReadModelNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := current.Version.Expect(expected); err != nil {
		return fmt.Errorf("delete %s/%s: %w", typeName, id, err)
	}
	return fmt.Errorf("%w: %s/%s changed concurrently", es.ErrConcurrencyConflict, typeName, id)
}

var _ proj.ReadModelStore = (*ReadModelStore)(nil)
