package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

const reviewColumns = `id, batch_id, text, platform, review_date, status, label_version, updated_at`

// ReviewRepo implements storage.ReviewClient using SQLite.
type ReviewRepo struct {
	db *DB
}

func NewReviewRepo(db *DB) *ReviewRepo {
	return &ReviewRepo{db: db}
}

func (r *ReviewRepo) FetchUnlabeled(ctx context.Context, batchID int64, limit, offset int) ([]*domain.Review, error) {
	query := `SELECT ` + reviewColumns + `
		FROM reviews
		WHERE batch_id = ? AND status IN ('unlabeled', 'deferred')
		ORDER BY id ASC
		LIMIT ? OFFSET ?`
	var out []*domain.Review
	if err := r.db.SelectContext(ctx, &out, query, batchID, limit, offset); err != nil {
		return nil, storage.PersistenceError("fetch unlabeled reviews", err)
	}
	return out, nil
}

func (r *ReviewRepo) FetchByIDs(ctx context.Context, ids []int64) ([]*domain.Review, error) {
	if len(ids) == 0 {
		return []*domain.Review{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+reviewColumns+` FROM reviews WHERE id IN (?) ORDER BY id ASC`, ids)
	if err != nil {
		return nil, storage.PersistenceError("fetch reviews by ids", err)
	}
	var out []*domain.Review
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, storage.PersistenceError("fetch reviews by ids", err)
	}
	return out, nil
}

func (r *ReviewRepo) UpdateOne(ctx context.Context, reviewID int64, fields storage.ReviewFields) error {
	var status *string
	if fields.Status != nil {
		s := string(*fields.Status)
		status = &s
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE reviews
		SET status = COALESCE(?, status),
		    label_version = COALESCE(?, label_version),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, fields.LabelVersion, reviewID)
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

func (r *ReviewRepo) CountByStatus(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM reviews WHERE batch_id = ? GROUP BY status`, batchID); err != nil {
		return nil, storage.PersistenceError("count reviews", err)
	}
	counts := make(map[domain.LabelStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.LabelStatus(row.Status)] = row.N
	}
	return counts, nil
}

// CreateReview inserts a review and sets its ID. Used for seeding.
func (r *ReviewRepo) CreateReview(ctx context.Context, rev *domain.Review) error {
	if rev.ReviewDate.IsZero() {
		rev.ReviewDate = time.Now().UTC()
	}
	status := rev.Status
	if status == "" {
		status = domain.LabelStatusUnlabeled
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO reviews (batch_id, text, platform, review_date, status) VALUES (?, ?, ?, ?, ?)`,
		rev.BatchID, rev.Text, rev.Platform, rev.ReviewDate, string(status))
	if err != nil {
		return storage.PersistenceError("create review", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.PersistenceError("create review", err)
	}
	rev.ID = id
	rev.Status = status
	return nil
}

func (r *ReviewRepo) Close() error { return r.db.Close() }

func (r *ReviewRepo) Health(ctx context.Context) error { return r.db.PingContext(ctx) }

// BatchRepo implements storage.BatchClient using SQLite.
type BatchRepo struct {
	db *DB
}

func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

func (r *BatchRepo) GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error) {
	var dest struct {
		ID            int64     `db:"id"`
		CustomerID    string    `db:"customer_id"`
		Status        string    `db:"status"`
		ConsentReport bool      `db:"consent_report"`
		ConsentTrain  bool      `db:"consent_train"`
		Aspects       string    `db:"aspects"`
		CreatedAt     time.Time `db:"created_at"`
	}
	err := r.db.GetContext(ctx, &dest, `
		SELECT id, customer_id, status, consent_report, consent_train, aspects, created_at
		FROM batches WHERE id = ?`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", batchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storage.PersistenceError("get batch", err)
	}
	var aspects []string
	if err := json.Unmarshal([]byte(dest.Aspects), &aspects); err != nil {
		return nil, storage.PersistenceError("decode batch aspects", err)
	}
	return &domain.Batch{
		ID:            dest.ID,
		CustomerID:    dest.CustomerID,
		Status:        dest.Status,
		ConsentReport: dest.ConsentReport,
		ConsentTrain:  dest.ConsentTrain,
		Aspects:       aspects,
		CreatedAt:     dest.CreatedAt,
	}, nil
}

// CreateBatch inserts a batch and sets its ID. Used for seeding.
func (r *BatchRepo) CreateBatch(ctx context.Context, b *domain.Batch) error {
	aspects, err := json.Marshal(append([]string{}, b.Aspects...))
	if err != nil {
		return fmt.Errorf("%w: encode aspects: %v", domain.ErrPersistence, err)
	}
	status := b.Status
	if status == "" {
		status = "pending"
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO batches (customer_id, status, consent_report, consent_train, aspects) VALUES (?, ?, ?, ?, ?)`,
		b.CustomerID, status, b.ConsentReport, b.ConsentTrain, string(aspects))
	if err != nil {
		return storage.PersistenceError("create batch", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.PersistenceError("create batch", err)
	}
	b.ID = id
	return nil
}

func (r *BatchRepo) Close() error { return r.db.Close() }

// LabelRepo implements storage.LabelClient using SQLite.
type LabelRepo struct {
	db *DB
}

func NewLabelRepo(db *DB) *LabelRepo {
	return &LabelRepo{db: db}
}

type labelBody struct {
	Aspects          map[string]domain.AspectLabel `json:"aspects"`
	OverallSentiment domain.Sentiment              `json:"overall_sentiment"`
	Metadata         domain.LabelMetadata          `json:"metadata"`
}

type labelRow struct {
	ID       string `db:"id"`
	ReviewID int64  `db:"review_id"`
	Version  int    `db:"version"`
	Label    string `db:"label"`
}

func (r labelRow) toDomain() (*domain.LabelResult, error) {
	var body labelBody
	if err := json.Unmarshal([]byte(r.Label), &body); err != nil {
		return nil, storage.PersistenceError("decode label", err)
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
	var version int
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO labels (id, review_id, version, provider, cost, label)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?
		FROM labels WHERE review_id = ?
		RETURNING version`,
		id, label.ReviewID, label.Metadata.Provider, label.Metadata.Cost, string(body), label.ReviewID,
	).Scan(&version)
	if err != nil {
		return storage.PersistenceError("insert label", err)
	}
	label.ID = id
	label.Version = version
	return nil
}

func (r *LabelRepo) Latest(ctx context.Context, reviewID int64) (*domain.LabelResult, error) {
	var rows []labelRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, review_id, version, label FROM labels
		WHERE review_id = ? ORDER BY version DESC LIMIT 1`, reviewID); err != nil {
		return nil, storage.PersistenceError("latest label", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("label for review %d: %w", reviewID, domain.ErrNotFound)
	}
	return rows[0].toDomain()
}

func (r *LabelRepo) ListByReview(ctx context.Context, reviewID int64) ([]*domain.LabelResult, error) {
	var rows []labelRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, review_id, version, label FROM labels
		WHERE review_id = ? ORDER BY version ASC`, reviewID); err != nil {
		return nil, storage.PersistenceError("list labels", err)
	}
	out := make([]*domain.LabelResult, 0, len(rows))
	for _, row := range rows {
		l, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *LabelRepo) Close() error { return r.db.Close() }
