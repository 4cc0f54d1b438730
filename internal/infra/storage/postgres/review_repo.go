package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// ReviewRepo implements storage.ReviewClient using PostgreSQL.
type ReviewRepo struct {
	db *DB
}

// NewReviewRepo creates a new PostgreSQL review repository.
func NewReviewRepo(db *DB) *ReviewRepo {
	return &ReviewRepo{db: db}
}

type reviewRow struct {
	ID           int64     `db:"id"`
	BatchID      int64     `db:"batch_id"`
	Text         string    `db:"text"`
	Platform     string    `db:"platform"`
	ReviewDate   time.Time `db:"review_date"`
	Status       string    `db:"status"`
	LabelVersion int       `db:"label_version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r reviewRow) toDomain() *domain.Review {
	return &domain.Review{
		ID:           r.ID,
		BatchID:      r.BatchID,
		Text:         r.Text,
		Platform:     r.Platform,
		ReviewDate:   r.ReviewDate,
		Status:       domain.LabelStatus(r.Status),
		LabelVersion: r.LabelVersion,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toReviews(rows []reviewRow) []*domain.Review {
	out := make([]*domain.Review, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}

// FetchUnlabeled returns pending reviews of a batch ordered by ID.
func (r *ReviewRepo) FetchUnlabeled(ctx context.Context, batchID int64, limit, offset int) ([]*domain.Review, error) {
	query := `
		SELECT id, batch_id, text, platform, review_date, status, label_version, updated_at
		FROM reviews
		WHERE batch_id = $1 AND status IN ('unlabeled', 'deferred')
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`
	var rows []reviewRow
	if err := r.db.SelectContext(ctx, &rows, query, batchID, limit, offset); err != nil {
		return nil, storage.PersistenceError("fetch unlabeled reviews", err)
	}
	return toReviews(rows), nil
}

// FetchByIDs returns the reviews with the given IDs.
func (r *ReviewRepo) FetchByIDs(ctx context.Context, ids []int64) ([]*domain.Review, error) {
	query := `
		SELECT id, batch_id, text, platform, review_date, status, label_version, updated_at
		FROM reviews
		WHERE id = ANY($1)
		ORDER BY id ASC
	`
	var rows []reviewRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, storage.PersistenceError("fetch reviews by ids", err)
	}
	return toReviews(rows), nil
}

// UpdateOne applies fields to a single review.
func (r *ReviewRepo) UpdateOne(ctx context.Context, reviewID int64, fields storage.ReviewFields) error {
	var status *string
	if fields.Status != nil {
		s := string(*fields.Status)
		status = &s
	}
	query := `
		UPDATE reviews
		SET status = COALESCE($2, status),
		    label_version = COALESCE($3, label_version),
		    updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, reviewID, status, fields.LabelVersion)
	if err != nil {
		return storage.PersistenceError("update review", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.PersistenceError("update review", err)
	}
	if n == 0 {
		return fmt.Errorf("review %d: %w", reviewID, domain.ErrNotFound)
	}
	return nil
}

// BulkUpdate applies each update on its own. There is no surrounding transaction.
func (r *ReviewRepo) BulkUpdate(ctx context.Context, updates []storage.ReviewUpdate) (int, []error) {
	errs := make([]error, len(updates))
	applied := 0
	for i, u := range updates {
		if err := r.UpdateOne(ctx, u.ReviewID, u.Fields); err != nil {
			errs[i] = err
			continue
		}
		applied++
	}
	return applied, errs
}

// CountByStatus counts a batch's reviews per status.
func (r *ReviewRepo) CountByStatus(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM reviews WHERE batch_id = $1 GROUP BY status`
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, storage.PersistenceError("count reviews", err)
	}
	counts := make(map[domain.LabelStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.LabelStatus(row.Status)] = row.N
	}
	return counts, nil
}

// Close releases this client's hold on the shared pool.
func (r *ReviewRepo) Close() error { return r.db.Close() }

// Health pings the underlying pool.
func (r *ReviewRepo) Health(ctx context.Context) error { return r.db.Health(ctx) }

// StartMetricsCollector reports pool usage until ctx is done.
func (r *ReviewRepo) StartMetricsCollector(ctx context.Context) { r.db.StartMetricsCollector(ctx) }
