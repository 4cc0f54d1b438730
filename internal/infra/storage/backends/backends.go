// Package backends registers every storage client variant on a registry at startup.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/memory"
	"github.com/vietddude/reviewradar/internal/infra/storage/postgres"
	"github.com/vietddude/reviewradar/internal/infra/storage/sqlite"
)

// Options controls how SQL backends are opened.
type Options struct {
	// AutoMigrate applies the embedded schema when a connection is first opened.
	AutoMigrate bool

	// Memory is the store shared by the memory clients. A fresh one is created when nil.
	Memory *memory.MemoryStorage

	Logger *slog.Logger
}

// Register adds the review, batch and label factories for the memory, postgres
// and sqlite client types, in that order.
func Register(reg *storage.Registry, opts Options) error {
	b := &builder{
		opts:     opts,
		postgres: make(map[string]*postgres.DB),
		sqlite:   make(map[string]*sqlite.DB),
	}
	if b.opts.Memory == nil {
		b.opts.Memory = memory.NewMemoryStorage()
	}
	if b.opts.Logger == nil {
		b.opts.Logger = slog.Default()
	}

	entries := []struct {
		dt      storage.DataType
		ct      storage.ClientType
		factory storage.Factory
	}{
		{storage.DataTypeReview, storage.ClientTypeMemory, b.memoryFactory(func(s *memory.MemoryStorage) storage.Client { return memory.NewReviewRepo(s) })},
		{storage.DataTypeBatch, storage.ClientTypeMemory, b.memoryFactory(func(s *memory.MemoryStorage) storage.Client { return memory.NewBatchRepo(s) })},
		{storage.DataTypeLabel, storage.ClientTypeMemory, b.memoryFactory(func(s *memory.MemoryStorage) storage.Client { return memory.NewLabelRepo(s) })},
		{storage.DataTypeReview, storage.ClientTypePostgres, b.postgresFactory(func(db *postgres.DB) storage.Client { return postgres.NewReviewRepo(db) })},
		{storage.DataTypeBatch, storage.ClientTypePostgres, b.postgresFactory(func(db *postgres.DB) storage.Client { return postgres.NewBatchRepo(db) })},
		{storage.DataTypeLabel, storage.ClientTypePostgres, b.postgresFactory(func(db *postgres.DB) storage.Client { return postgres.NewLabelRepo(db) })},
		{storage.DataTypeReview, storage.ClientTypeSQLite, b.sqliteFactory(func(db *sqlite.DB) storage.Client { return sqlite.NewReviewRepo(db) })},
		{storage.DataTypeBatch, storage.ClientTypeSQLite, b.sqliteFactory(func(db *sqlite.DB) storage.Client { return sqlite.NewBatchRepo(db) })},
		{storage.DataTypeLabel, storage.ClientTypeSQLite, b.sqliteFactory(func(db *sqlite.DB) storage.Client { return sqlite.NewLabelRepo(db) })},
	}
	for _, e := range entries {
		if err := reg.Register(e.dt, e.ct, e.factory); err != nil {
			return err
		}
	}
	return nil
}

type builder struct {
	opts Options

	mu       sync.Mutex
	postgres map[string]*postgres.DB
	sqlite   map[string]*sqlite.DB
}

func (b *builder) memoryFactory(build func(*memory.MemoryStorage) storage.Client) storage.Factory {
	return func(ctx context.Context, cfg storage.BackendConfig) (storage.Client, error) {
		return build(b.opts.Memory), nil
	}
}

func (b *builder) postgresFactory(build func(*postgres.DB) storage.Client) storage.Factory {
	return func(ctx context.Context, cfg storage.BackendConfig) (storage.Client, error) {
		if cfg.URL == "" {
			return nil, domain.Configurationf("postgres backend requires a url")
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if db, ok := b.postgres[cfg.URL]; ok && db.Retain() {
			return build(db), nil
		}
		db, err := postgres.NewDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if b.opts.AutoMigrate {
			n, err := db.Migrate(ctx)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			b.opts.Logger.Info("Postgres migrations applied", "count", n)
		}
		b.postgres[cfg.URL] = db
		return build(db), nil
	}
}

func (b *builder) sqliteFactory(build func(*sqlite.DB) storage.Client) storage.Factory {
	return func(ctx context.Context, cfg storage.BackendConfig) (storage.Client, error) {
		if cfg.URL == "" {
			return nil, domain.Configurationf("sqlite backend requires a path")
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if db, ok := b.sqlite[cfg.URL]; ok && db.Retain() {
			return build(db), nil
		}
		db, err := sqlite.NewDB(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.URL, err)
		}
		if b.opts.AutoMigrate {
			n, err := db.Migrate(ctx)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			b.opts.Logger.Info("SQLite migrations applied", "path", cfg.URL, "count", n)
		}
		b.sqlite[cfg.URL] = db
		return build(db), nil
	}
}
