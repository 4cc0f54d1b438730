package repository

import (
	"context"
	"log/slog"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// LabelRepository stores label versions through a LabelClient.
type LabelRepository struct {
	client storage.LabelClient
	logger *slog.Logger
}

func NewLabelRepository(client storage.LabelClient, logger *slog.Logger) *LabelRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &LabelRepository{client: client, logger: logger.With("component", "label_repository")}
}

// Save inserts label as a new version and sets label.Version.
func (r *LabelRepository) Save(ctx context.Context, label *domain.LabelResult) error {
	if label == nil {
		return domain.InvalidArgumentf("label must not be nil")
	}
	if err := validatePositive("review_id", label.ReviewID); err != nil {
		return err
	}
	if len(label.Aspects) == 0 {
		return domain.InvalidArgumentf("label for review %d has no aspects", label.ReviewID)
	}
	if err := r.client.Insert(ctx, label); err != nil {
		r.logger.Warn("Failed to save label", "review_id", label.ReviewID, "error", err)
		return err
	}
	r.logger.Debug("Label saved", "review_id", label.ReviewID, "version", label.Version)
	return nil
}

func (r *LabelRepository) Latest(ctx context.Context, reviewID int64) (*domain.LabelResult, error) {
	if err := validatePositive("review_id", reviewID); err != nil {
		return nil, err
	}
	return r.client.Latest(ctx, reviewID)
}

func (r *LabelRepository) History(ctx context.Context, reviewID int64) ([]*domain.LabelResult, error) {
	if err := validatePositive("review_id", reviewID); err != nil {
		return nil, err
	}
	return r.client.ListByReview(ctx, reviewID)
}
