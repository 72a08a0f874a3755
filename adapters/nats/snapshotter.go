package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/es"
)

const (
	defaultSnapshotBucket  = "cqrs_snapshots"
	defaultSnapshotHistory = 16
	snapshotSaveAttempts   = 3
)

// Snapshotter keeps snapshots in a JetStream key/value bucket under
// <entity type>.<entity id>. Older snapshots are kept as revisions of the key,
// up to KvConfig.History, and serve historical loads.
type Snapshotter struct {
	*bucket
}

func NewSnapshotter(cfg KvConfig) (*Snapshotter, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = defaultSnapshotBucket
	}
	if cfg.History == 0 {
		cfg.History = defaultSnapshotHistory
	}
	b, err := openBucket(cfg)
	if err != nil {
		return nil, err
	}
	return &Snapshotter{bucket: b}, nil
}

// SaveSnapshot writes snapshot unless a snapshot with the same or a higher
// cutoff is already stored, so revisions stay ordered by cutoff.
func (s *Snapshotter) SaveSnapshot(ctx context.Context, snapshot *es.Snapshot) error {
	key := snapshotKey(snapshot.EntityTypeName, snapshot.EntityID)
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	for range snapshotSaveAttempts {
		current, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = s.kv.Create(ctx, key, data)
		case err != nil:
			return fmt.Errorf("get snapshot %s: %w", key, err)
		default:
			var stored es.Snapshot
			if err := json.Unmarshal(current.Value(), &stored); err == nil && stored.CutoffSeq >= snapshot.CutoffSeq {
				return nil
			}
			_, err = s.kv.Update(ctx, key, data, current.Revision())
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("save snapshot %s: %w", key, err)
		}
	}
	return fmt.Errorf("save snapshot %s: %w", key, es.ErrConcurrencyConflict)
}

func (s *Snapshotter) LoadSnapshot(
	ctx context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...es.SnapshotLoadOption,
) (*es.Snapshot, error) {
	options := es.NewSnapshotLoadOptions(opts...)
	key := snapshotKey(entityType, entityID)

	if options.AsOf().IsZero() {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get snapshot %s: %w", key, err)
		}
		return decodeSnapshot(entry)
	}

	history, err := s.kv.History(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot history %s: %w", key, err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Operation() != jetstream.KeyValuePut {
			// a purge or delete hides every older revision
			break
		}
		snap, err := decodeSnapshot(history[i])
		if err != nil {
			return nil, err
		}
		if options.Match(snap) {
			return snap, nil
		}
	}
	return nil, es.ErrSnapshotNotFound
}

func (s *Snapshotter) PurgeSnapshots(ctx context.Context, entityType string, entityID uuid.UUID) error {
	key := snapshotKey(entityType, entityID)
	if err := s.kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("purge snapshots %s: %w", key, err)
	}
	return nil
}

func decodeSnapshot(entry jetstream.KeyValueEntry) (*es.Snapshot, error) {
	snap := &es.Snapshot{}
	if err := json.Unmarshal(entry.Value(), snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", entry.Key(), err)
	}
	return snap, nil
}

func snapshotKey(entityType string, entityID uuid.UUID) string {
	return entityType + "." + entityID.String()
}

// isRevisionConflict reports whether a conditional write lost against a
// concurrent writer.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var (
	_ es.Snapshotter    = (*Snapshotter)(nil)
	_ es.SnapshotPurger = (*Snapshotter)(nil)
)
