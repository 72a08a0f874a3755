// Package sqlite stores events, snapshots, read models and key/value entries
// in one SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/codewandler/cqrs-go/adapters/sqlite/migrations"
)

// Config is read from CQRS_SQLITE_* environment variables by app-level
// configuration.
type Config struct {
	Path         string        `env:"PATH" envDefault:"cqrs.db"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
}

// DB is an open SQLite database with the schema applied.
type DB struct {
	sqlDB *sql.DB
	log   *slog.Logger
	cfg   Config
}

// Open opens (or creates) the database at cfg.Path and applies migrations.
func Open(cfg Config, log *slog.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; readers queue behind it
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug("opened sqlite db", slog.String("path", path))
	return &DB{sqlDB: sqlDB, log: log.With(slog.String("store", "sqlite")), cfg: cfg}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlitedrv.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
