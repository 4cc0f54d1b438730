// Package migrations embeds the review, batch and label schemas for every SQL backend.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Up applies all pending migrations for dialect ("postgres" or "sqlite3").
func Up(ctx context.Context, db *sql.DB, dialect goose.Dialect) (int, error) {
	dir, err := dirFor(dialect)
	if err != nil {
		return 0, err
	}
	fsys, err := fs.Sub(files, dir)
	if err != nil {
		return 0, fmt.Errorf("migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}
	return len(results), nil
}

func dirFor(dialect goose.Dialect) (string, error) {
	switch dialect {
	case goose.DialectPostgres:
		return "postgres", nil
	case goose.DialectSQLite3:
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported migration dialect %q", dialect)
}
