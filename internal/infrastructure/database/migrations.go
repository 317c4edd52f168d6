package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// MigrationsFS holds the embedded migration files.
// Set by the migrations package at startup via SetMigrations.
var (
	migrationsFS  embed.FS
	migrationsDir string
)

// SetMigrations wires the embedded migration filesystem into the runner.
// Called once from the migrations package before Migrate runs.
func SetMigrations(fsys embed.FS, dir string) {
	migrationsFS = fsys
	migrationsDir = dir
}

// migration represents a single schema migration pair.
type migration struct {
	version string
	name    string
	upSQL   string
	downSQL string
}

// Migrate applies all pending schema migrations in version order.
//
// Each migration runs inside its own transaction; a failure rolls back
// that migration and stops the run, leaving earlier migrations applied.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: If loading or applying any migration fails
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.version, err)
		}
	}

	return nil
}

// MigrationStatus reports applied and pending migration versions.
func (db *DB) MigrationStatus(ctx context.Context) (applied, pending []string, err error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return nil, nil, err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	appliedSet, err := db.appliedVersions(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range migrations {
		if appliedSet[m.version] {
			applied = append(applied, m.version)
		} else {
			pending = append(pending, m.version)
		}
	}
	return applied, pending, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scanning migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op if committed

	if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

// loadMigrations reads the embedded *.up.sql/*.down.sql pairs and returns
// them sorted by version.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
			up = false
		default:
			continue
		}

		version, migName, err := parseMigrationFilename(name)
		if err != nil {
			return nil, err
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version, name: migName}
			byVersion[version] = m
		}

		content, err := fs.ReadFile(migrationsFS, migrationsDir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if up {
			m.upSQL = string(content)
		} else {
			m.downSQL = string(content)
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.upSQL == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.version)
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// parseMigrationFilename extracts the version and name from a migration
// filename of the form VERSION_name.up.sql or VERSION_name.down.sql,
// where VERSION is YYYYMMDD_HHMMSS.
func parseMigrationFilename(filename string) (version, name string, err error) {
	base := strings.TrimSuffix(strings.TrimSuffix(filename, ".up.sql"), ".down.sql")

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 {
		return "", "", fmt.Errorf("invalid migration filename: %s", filename)
	}
	return parts[0] + "_" + parts[1], parts[2], nil
}
