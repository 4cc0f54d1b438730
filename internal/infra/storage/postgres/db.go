package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/migrations"
	"github.com/vietddude/reviewradar/internal/labeling/metrics"
)

// DB wraps the PostgreSQL connection shared by the review, batch and label clients.
type DB struct {
	*sqlx.DB

	mu     sync.Mutex
	refs   int
	closed bool
}

// NewDB creates a new database connection.
func NewDB(ctx context.Context, cfg storage.BackendConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, refs: 1}, nil
}

// Migrate applies the embedded schema.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	return migrations.Up(ctx, db.DB.DB, goose.DialectPostgres)
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				// MaxOpenConnections is 0 when unlimited.
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.WithLabelValues("postgres").Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
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
