package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// applyMigrations runs every *.sql file of migrationFS not applied yet, in
// name order, each in its own transaction.
func applyMigrations(ctx context.Context, db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	slices.Sort(files)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		if err := applyMigration(ctx, db, file, upMigration(string(content))); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, name, upSQL string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if strings.TrimSpace(upSQL) != "" {
		if _, err := tx.ExecContext(ctx, upSQL); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// upMigration returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func upMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, up); i >= 0 {
		content = content[i+len(up):]
	}
	if i := strings.Index(content, down); i >= 0 {
		content = content[:i]
	}
	return content
}
