package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// LabelRepo implements storage.LabelClient using PostgreSQL.
type LabelRepo struct {
	db *DB
}

// NewLabelRepo creates a new PostgreSQL label repository.
func NewLabelRepo(db *DB) *LabelRepo {
	return &LabelRepo{db: db}
}

// labelBody is the JSON stored in labels.label.
type labelBody struct {
	Aspects          map[string]domain.AspectLabel `json:"aspects"`
	OverallSentiment domain.Sentiment              `json:"overall_sentiment"`
	Metadata         domain.LabelMetadata          `json:"metadata"`
}

type labelRow struct {
	ID       string `db:"id"`
	ReviewID int64  `db:"review_id"`
	Version  int    `db:"version"`
	Label    []byte `db:"label"`
}

func (r labelRow) toDomain() (*domain.LabelResult, error) {
	var body labelBody
	if err := json.Unmarshal(r.Label, &body); err != nil {
		return nil, fmt.Errorf("decode label %s: %w", r.ID, err)
	}
	return &domain.LabelResult{
		ID:               r.ID,
		ReviewID:         r.ReviewID,
		Version:          r.Version,
		Aspects:          body.Aspects,
		OverallSentiment: body.OverallSentiment,
		Metadata:         body.Metadata,
	}, nil
}

// Insert stores label as the next version of its review.
func (r *LabelRepo) Insert(ctx context.Context, label *domain.LabelResult) error {
	body, err := json.Marshal(labelBody{
		Aspects:          label.Aspects,
		OverallSentiment: label.OverallSentiment,
		Metadata:         label.Metadata,
	})
	if err != nil {
		return fmt.Errorf("%w: encode label: %v", domain.ErrPersistence, err)
	}
	id := label.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO labels (id, review_id, version, provider, cost, label)
		SELECT $1::uuid, $2::bigint, COALESCE(MAX(version), 0) + 1, $3::text, $4::double precision, $5::jsonb
		FROM labels WHERE review_id = $2
		RETURNING version
	`
	var version int
	if err := r.db.QueryRowxContext(ctx, query,
		id, label.ReviewID, label.Metadata.Provider, label.Metadata.Cost, string(body),
	).Scan(&version); err != nil {
		return storage.PersistenceError("insert label", err)
	}
	label.ID = id
	label.Version = version
	return nil
}

// Latest returns the highest version label of a review.
func (r *LabelRepo) Latest(ctx context.Context, reviewID int64) (*domain.LabelResult, error) {
	query := `
		SELECT id, review_id, version, label
		FROM labels
		WHERE review_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	var rows []labelRow
	if err := r.db.SelectContext(ctx, &rows, query, reviewID); err != nil {
		return nil, storage.PersistenceError("latest label", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("label for review %d: %w", reviewID, domain.ErrNotFound)
	}
	return rows[0].toDomain()
}

// ListByReview returns every label version of a review, oldest first.
func (r *LabelRepo) ListByReview(ctx context.Context, reviewID int64) ([]*domain.LabelResult, error) {
	query := `
		SELECT id, review_id, version, label
		FROM labels
		WHERE review_id = $1
		ORDER BY version ASC
	`
	var rows []labelRow
	if err := r.db.SelectContext(ctx, &rows, query, reviewID); err != nil {
		return nil, storage.PersistenceError("list labels", err)
	}
	out := make([]*domain.LabelResult, 0, len(rows))
	for _, row := range rows {
		l, err := row.toDomain()
		if err != nil {
			return nil, storage.PersistenceError("list labels", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// Close releases this client's hold on the shared pool.
func (r *LabelRepo) Close() error { return r.db.Close() }
