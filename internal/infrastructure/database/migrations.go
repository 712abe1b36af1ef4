package database

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// MigrationsFS holds the schema files. The migrations package sets it from
// an embedded filesystem; tests substitute an fstest.MapFS.
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS holding the files.
var MigrationsDir = "migrations"

// upSuffix marks a file as a schema step. The history schema only moves
// forward, so nothing else in the directory is read.
const upSuffix = ".up.sql"

// migration is one schema step named YYYYMMDD_HHMMSS_name.up.sql.
type migration struct {
	version string
	name    string
	file    string
}

// Migrate applies every schema step that is not yet recorded in
// schema_migrations, oldest first. Each step commits on its own, so after
// a failure the earlier steps stay applied and a later run resumes at the
// failed one.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: The first step that failed, which is rolled back
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	steps, err := schemaSteps(MigrationsFS, MigrationsDir)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range steps {
		if applied[m.version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("reading applied migrations: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (db *DB) apply(ctx context.Context, m migration) error {
	body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, m.file))
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.file, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// schemaSteps lists the schema files in dir sorted by version. A nil
// filesystem or a missing directory means there is nothing to apply.
func schemaSteps(fsys fs.FS, dir string) ([]migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, nil //nolint:nilerr // No schema directory, no steps
	}

	var steps []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m, ok := parseStep(entry.Name())
		if !ok {
			continue
		}
		steps = append(steps, m)
	}
	slices.SortFunc(steps, func(a, b migration) int {
		return cmp.Compare(a.version, b.version)
	})
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s",
				steps[i].version, steps[i-1].file, steps[i].file)
		}
	}
	return steps, nil
}

// parseStep splits "20261001_120000_state_history.up.sql" into version
// "20261001_120000" and name "state_history".
func parseStep(file string) (migration, bool) {
	base, ok := strings.CutSuffix(file, upSuffix)
	if !ok {
		return migration{}, false
	}
	date, rest, ok := strings.Cut(base, "_")
	if !ok || date == "" {
		return migration{}, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if clock == "" {
		return migration{}, false
	}
	if name == "" {
		name = base
	}
	return migration{version: date + "_" + clock, name: name, file: file}, true
}
