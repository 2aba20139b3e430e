package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaStep is one numbered change to the mapping schema. Files are named
// NNN_description.sql; NNN is the version the database reaches after the step.
type schemaStep struct {
	version int
	file    string
	sql     string
}

// RunMigrations brings the mapping schema up to the newest embedded version.
// Each step runs in its own transaction together with the version bump, so a
// failed step leaves the database at the previous version.
func RunMigrations(db *DB) error {
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			file       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	steps, err := schemaSteps()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := applyStep(ctx, db.DB, s); err != nil {
			return fmt.Errorf("migrating to version %d (%s): %w", s.version, s.file, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied schema version, 0 for a fresh file.
func SchemaVersion(ctx context.Context, db *DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("%w: reading schema version: %w", ErrUnavailable, err)
	}
	return int(v.Int64), nil
}

func schemaSteps() ([]schemaStep, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string)
	var steps []schemaStep
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version prefix %q", name, prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		body, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		steps = append(steps, schemaStep{version: version, file: name, sql: string(body)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func applyStep(ctx context.Context, db *sql.DB, s schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, file) VALUES (?, ?)", s.version, s.file); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}
