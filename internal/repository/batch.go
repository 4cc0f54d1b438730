package repository

import (
	"context"
	"log/slog"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// BatchRepository reads batches through a BatchClient.
type BatchRepository struct {
	client storage.BatchClient
	logger *slog.Logger
}

func NewBatchRepository(client storage.BatchClient, logger *slog.Logger) *BatchRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRepository{client: client, logger: logger.With("component", "batch_repository")}
}

func (r *BatchRepository) Get(ctx context.Context, batchID int64) (*domain.Batch, error) {
	if err := validatePositive("batch_id", batchID); err != nil {
		return nil, err
	}
	return r.client.GetBatch(ctx, batchID)
}

// Aspects returns the aspect list requested for a batch. A batch without aspects
// cannot be labeled.
func (r *BatchRepository) Aspects(ctx context.Context, batchID int64) ([]string, error) {
	b, err := r.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(b.Aspects) == 0 {
		return nil, domain.InvalidArgumentf("batch %d has no aspects", batchID)
	}
	r.logger.Debug("Loaded batch aspects", "batch_id", batchID, "aspects", b.Aspects)
	return b.Aspects, nil
}
