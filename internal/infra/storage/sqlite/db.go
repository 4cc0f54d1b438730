// Package sqlite implements the review, batch and label clients on an embedded SQLite file.
package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/migrations"
)

// DB wraps the SQLite connection shared by the review, batch and label clients.
type DB struct {
	*sqlx.DB

	mu     sync.Mutex
	refs   int
	closed bool
}

// NewDB opens the database at cfg.URL (a file path or ":memory:").
func NewDB(ctx context.Context, cfg storage.BackendConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sqlx.Open("sqlite", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; an in-memory database also lives on one connection.
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &DB{DB: db, refs: 1}, nil
}

// Migrate applies the embedded schema.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	return migrations.Up(ctx, db.DB.DB, goose.DialectSQLite3)
}

// Retain registers one more client on the connection. It returns false once the
// connection has been closed.
func (db *DB) Retain() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false
	}
	db.refs++
	return true
}

// Close releases one client. The connection closes when the last client releases it.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.refs--
	if db.refs > 0 {
		return nil
	}
	db.closed = true
	return db.DB.Close()
}
