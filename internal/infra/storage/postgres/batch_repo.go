package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// BatchRepo implements storage.BatchClient using PostgreSQL.
type BatchRepo struct {
	db *DB
}

// NewBatchRepo creates a new PostgreSQL batch repository.
func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// GetBatch retrieves a batch with its aspect list.
func (r *BatchRepo) GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error) {
	query := `
		SELECT id, customer_id, status, consent_report, consent_train, aspects, created_at
		FROM batches
		WHERE id = $1
	`
	var dest struct {
		ID            int64          `db:"id"`
		CustomerID    string         `db:"customer_id"`
		Status        string         `db:"status"`
		ConsentReport bool           `db:"consent_report"`
		ConsentTrain  bool           `db:"consent_train"`
		Aspects       pq.StringArray `db:"aspects"`
		CreatedAt     time.Time      `db:"created_at"`
	}
	err := r.db.GetContext(ctx, &dest, query, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", batchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storage.PersistenceError("get batch", err)
	}
	return &domain.Batch{
		ID:            dest.ID,
		CustomerID:    dest.CustomerID,
		Status:        dest.Status,
		ConsentReport: dest.ConsentReport,
		ConsentTrain:  dest.ConsentTrain,
		Aspects:       []string(dest.Aspects),
		CreatedAt:     dest.CreatedAt,
	}, nil
}

// CreateBatch inserts a batch and sets its ID. Used for seeding.
func (r *BatchRepo) CreateBatch(ctx context.Context, b *domain.Batch) error {
	query := `
		INSERT INTO batches (customer_id, status, consent_report, consent_train, aspects)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	status := b.Status
	if status == "" {
		status = "pending"
	}
	if err := r.db.QueryRowxContext(ctx, query,
		b.CustomerID, status, b.ConsentReport, b.ConsentTrain, pq.Array(b.Aspects),
	).Scan(&b.ID); err != nil {
		return storage.PersistenceError("create batch", err)
	}
	return nil
}

// Close releases this client's hold on the shared pool.
func (r *BatchRepo) Close() error { return r.db.Close() }
