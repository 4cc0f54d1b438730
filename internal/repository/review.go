package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// ReviewRepository reads and updates reviews through a ReviewClient.
type ReviewRepository struct {
	client storage.ReviewClient
	logger *slog.Logger
}

func NewReviewRepository(client storage.ReviewClient, logger *slog.Logger) *ReviewRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewRepository{client: client, logger: logger.With("component", "review_repository")}
}

// GetUnlabeled returns up to limit pending reviews of a batch.
func (r *ReviewRepository) GetUnlabeled(ctx context.Context, batchID int64, limit, offset int) ([]*domain.Review, error) {
	if err := validatePositive("batch_id", batchID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, domain.InvalidArgumentf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return nil, domain.InvalidArgumentf("offset must not be negative, got %d", offset)
	}

	r.logger.Debug("Fetching unlabeled reviews", "batch_id", batchID, "limit", limit, "offset", offset)
	reviews, err := r.client.FetchUnlabeled(ctx, batchID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to fetch unlabeled reviews", "batch_id", batchID, "error", err)
		return nil, err
	}
	return reviews, nil
}

// GetByIDs returns the reviews with the given IDs.
func (r *ReviewRepository) GetByIDs(ctx context.Context, ids []int64) ([]*domain.Review, error) {
	if len(ids) == 0 {
		return nil, domain.InvalidArgumentf("ids must not be empty")
	}
	for _, id := range ids {
		if err := validatePositive("review_id", id); err != nil {
			return nil, err
		}
	}
	r.logger.Debug("Fetching reviews by id", "count", len(ids))
	return r.client.FetchByIDs(ctx, ids)
}

// Update applies fields to one review.
func (r *ReviewRepository) Update(ctx context.Context, reviewID int64, fields storage.ReviewFields) error {
	if err := validatePositive("review_id", reviewID); err != nil {
		return err
	}
	if fields.Empty() {
		return domain.InvalidArgumentf("update for review %d has no fields", reviewID)
	}
	if fields.Status != nil && !fields.Status.Valid() {
		return domain.InvalidArgumentf("unknown status %q", *fields.Status)
	}
	if err := r.client.UpdateOne(ctx, reviewID, fields); err != nil {
		r.logger.Warn("Failed to update review", "review_id", reviewID, "error", err)
		return err
	}
	return nil
}

// SetStatus is Update with only a status change.
func (r *ReviewRepository) SetStatus(ctx context.Context, reviewID int64, status domain.LabelStatus) error {
	return r.Update(ctx, reviewID, storage.ReviewFields{Status: &status})
}

// BulkUpdate applies every update independently and returns how many were applied.
// errs[i] reports the failure of updates[i].
func (r *ReviewRepository) BulkUpdate(ctx context.Context, updates []storage.ReviewUpdate) (int, []error, error) {
	if len(updates) == 0 {
		return 0, nil, domain.InvalidArgumentf("updates must not be empty")
	}
	for i, u := range updates {
		if err := validatePositive("review_id", u.ReviewID); err != nil {
			return 0, nil, fmt.Errorf("update %d: %w", i, err)
		}
		if u.Fields.Empty() {
			return 0, nil, domain.InvalidArgumentf("update %d has no fields", i)
		}
	}
	applied, errs := r.client.BulkUpdate(ctx, updates)
	r.logger.Info("Bulk review update", "requested", len(updates), "applied", applied)
	return applied, errs, nil
}

// Progress returns per-status counts for a batch.
func (r *ReviewRepository) Progress(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error) {
	if err := validatePositive("batch_id", batchID); err != nil {
		return nil, err
	}
	return r.client.CountByStatus(ctx, batchID)
}

// CompletionRate is labeled / total for a batch, or 0 for an empty batch.
func (r *ReviewRepository) CompletionRate(ctx context.Context, batchID int64) (float64, error) {
	counts, err := r.Progress(ctx, batchID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0, nil
	}
	return float64(counts[domain.LabelStatusLabeled]) / float64(total), nil
}
