package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/codewandler/cqrs-go/core/es"
)

// Snapshotter keeps every snapshot in the snapshots table. The highest
// cutoff wins on load.
type Snapshotter struct {
	db *DB
}

func (d *DB) Snapshotter() *Snapshotter { return &Snapshotter{db: d} }

func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	_, err := s.db.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (id, entity_type, entity_id, cutoff_seq, cutoff_at, version, created_at, value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.EntityTypeName,
		snapshot.EntityID.String(),
		snapshot.CutoffSeq,
		toNanos(snapshot.CutoffAt),
		snapshot.Version,
		toNanos(snapshot.CreatedAt),
		[]byte(snapshot.Value),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

func (s *Snapshotter) LoadSnapshot(
	ctx context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...es.SnapshotLoadOption,
) (*es.Snapshot, error) {
	options := es.NewSnapshotLoadOptions(opts...)

	query := `
SELECT id, cutoff_seq, cutoff_at, version, created_at, value
FROM snapshots
WHERE entity_type = ? AND entity_id = ?`
	args := []any{entityType, entityID.String()}
	if asOf := options.AsOf(); !asOf.IsZero() {
		query += " AND cutoff_at <= ?"
		args = append(args, toNanos(asOf))
	}
	query += " ORDER BY cutoff_seq DESC LIMIT 1"

	var (
		snap      = &es.Snapshot{EntityTypeName: entityType, EntityID: entityID}
		cutoffAt  int64
		createdAt int64
		value     []byte
	)
	err := s.db.sqlDB.QueryRowContext(ctx, query, args...).Scan(
		&snap.ID, &snap.CutoffSeq, &cutoffAt, &snap.Version, &createdAt, &value,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snap.CutoffAt = fromNanos(cutoffAt)
	snap.CreatedAt = fromNanos(createdAt)
	snap.Value = json.RawMessage(value)
	return snap, nil
}

func (s *Snapshotter) PurgeSnapshots(ctx context.Context, entityType string, entityID uuid.UUID) error {
	if _, err := s.db.sqlDB.ExecContext(ctx,
		"DELETE FROM snapshots WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID.String(),
	); err != nil {
		return fmt.Errorf("purge snapshots: %w", err)
	}
	return nil
}

var (
	_ es.Snapshotter    = (*Snapshotter)(nil)
	_ es.SnapshotPurger = (*Snapshotter)(nil)
)
