package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codewandler/cqrs-go/ports/kv"
)

// KvStore implements kv.Store on the kv table. Expired entries read as
// missing.
type KvStore struct {
	db  *DB
	now func() time.Time
}

func (d *DB) KV() *KvStore { return &KvStore{db: d, now: time.Now} }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	var expiresAt sql.NullInt64
	if opts.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: toNanos(k.now().Add(opts.TTL)), Valid: true}
	}
	if _, err := k.db.sqlDB.ExecContext(ctx, `
INSERT INTO kv (key, data, expires_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		key, entry.Data, expiresAt,
	); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	var (
		data      []byte
		expiresAt sql.NullInt64
	)
	err := k.db.sqlDB.QueryRowContext(ctx, "SELECT data, expires_at FROM kv WHERE key = ?", key).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	if expiresAt.Valid && !k.now().Before(fromNanos(expiresAt.Int64)) {
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: data}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if _, err := k.db.sqlDB.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*KvStore)(nil)
