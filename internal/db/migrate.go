package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

const downMarker = "-- +migrate Down"

// MigrationConn is the subset of *sqlx.DB that Migrate needs.
type MigrationConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

// Migrate applies every *.sql file in fsys not yet recorded in
// schema_migrations, in filename order. Only the section above the
// "-- +migrate Down" marker runs. It returns the files it applied.
func Migrate(ctx context.Context, conn MigrationConn, fsys fs.FS, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	var applied []string
	for _, file := range files {
		name := path.Base(file)
		var exists bool
		if err := conn.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name); err != nil {
			return applied, fmt.Errorf("read migration state: %w", err)
		}
		if exists {
			continue
		}
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", name, err)
		}
		up, _, _ := strings.Cut(string(content), downMarker)
		if strings.TrimSpace(up) != "" {
			if _, err := conn.ExecContext(ctx, up); err != nil {
				return applied, fmt.Errorf("apply %s: %w", name, err)
			}
		}
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			return applied, fmt.Errorf("record %s: %w", name, err)
		}
		logger.Info("applied migration", "file", name)
		applied = append(applied, name)
	}
	return applied, nil
}
