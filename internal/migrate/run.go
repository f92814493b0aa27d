// Package migrate applies the embedded clientpilot schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// advisoryLockKey serializes migration runs across clientpilot instances
// booting against the same database.
const advisoryLockKey = 0x636c70 // "clp"

// A migration is one embedded file named NNNN_description.sql. The numeric
// prefix is the version recorded in schema_migrations; the description only
// names the file for logs.
type migration struct {
	version string
	name    string
	path    string
}

// Run applies every embedded migration not yet recorded in
// schema_migrations, in version order. Each migration runs in its own
// transaction under an advisory lock, so calling Run from several instances
// at once is safe and repeat calls are no-ops.
func Run(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	logger := slog.Default().With("component", "migrate")
	for _, m := range migrations {
		applied, err := apply(ctx, db, m)
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.version, err)
		}
		if applied {
			logger.InfoContext(ctx, "migration applied", "version", m.version, "name", m.name)
		}
	}
	return nil
}

// loadMigrations lists the embedded files and orders them by version. A file
// that does not match NNNN_description.sql is a packaging mistake and fails
// the run before anything touches the database.
func loadMigrations() ([]migration, error) {
	paths, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	migrations := make([]migration, 0, len(paths))
	for _, path := range paths {
		base := strings.TrimSuffix(strings.TrimPrefix(path, "migrations/"), ".sql")
		version, name, ok := strings.Cut(base, "_")
		if !ok || !allDigits(version) || name == "" {
			return nil, fmt.Errorf("malformed migration filename %q", path)
		}
		migrations = append(migrations, migration{version: version, name: name, path: path})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// apply runs one migration and records its version in the same transaction.
// Returns false without error when the version is already recorded.
func apply(ctx context.Context, db *sql.DB, m migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			slog.Default().ErrorContext(ctx, "migration rollback failed",
				"component", "migrate",
				"version", m.version,
				"error", rerr,
			)
		}
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}

	var done bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
	).Scan(&done); err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if done {
		return false, nil
	}

	body, err := migrationFiles.ReadFile(m.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", m.path, err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
