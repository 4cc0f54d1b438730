package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
)

// MemoryStorage keeps reviews, batches and labels in process.
// One store is shared by the review, batch and label clients.
type MemoryStorage struct {
	reviews map[int64]*domain.Review
	batches map[int64]*domain.Batch
	labels  map[int64][]*domain.LabelResult
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		reviews: make(map[int64]*domain.Review),
		batches: make(map[int64]*domain.Batch),
		labels:  make(map[int64][]*domain.LabelResult),
	}
}

// PutReview inserts or replaces a review. Used for seeding and tests.
func (s *MemoryStorage) PutReview(r *domain.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	if c.Status == "" {
		c.Status = domain.LabelStatusUnlabeled
	}
	s.reviews[c.ID] = &c
}

// PutBatch inserts or replaces a batch.
func (s *MemoryStorage) PutBatch(b *domain.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *b
	c.Aspects = append([]string(nil), b.Aspects...)
	s.batches[c.ID] = &c
}

// -----------------------------------------------------------------------------
// Review Repository
// -----------------------------------------------------------------------------

type ReviewRepo struct {
	store *MemoryStorage
}

func NewReviewRepo(store *MemoryStorage) *ReviewRepo {
	return &ReviewRepo{store: store}
}

func (r *ReviewRepo) FetchUnlabeled(ctx context.Context, batchID int64, limit, offset int) ([]*domain.Review, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var matched []*domain.Review
	for _, rev := range r.store.reviews {
		if rev.BatchID == batchID && rev.Status.Pending() {
			matched = append(matched, rev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return []*domain.Review{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Review, len(matched))
	for i, rev := range matched {
		c := *rev
		out[i] = &c
	}
	return out, nil
}

func (r *ReviewRepo) FetchByIDs(ctx context.Context, ids []int64) ([]*domain.Review, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]*domain.Review, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		rev, ok := r.store.reviews[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		c := *rev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ReviewRepo) UpdateOne(ctx context.Context, reviewID int64, fields storage.ReviewFields) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.applyLocked(reviewID, fields)
}

func (r *ReviewRepo) BulkUpdate(ctx context.Context, updates []storage.ReviewUpdate) (int, []error) {
	errs := make([]error, len(updates))
	applied := 0
	for i, u := range updates {
		// Items are independent. Each one takes the lock on its own.
		if err := r.UpdateOne(ctx, u.ReviewID, u.Fields); err != nil {
			errs[i] = err
			continue
		}
		applied++
	}
	return applied, errs
}

func (r *ReviewRepo) CountByStatus(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.LabelStatus]int)
	for _, rev := range r.store.reviews {
		if rev.BatchID == batchID {
			counts[rev.Status]++
		}
	}
	return counts, nil
}

func (r *ReviewRepo) Close() error { return nil }

func (s *MemoryStorage) applyLocked(reviewID int64, fields storage.ReviewFields) error {
	rev, ok := s.reviews[reviewID]
	if !ok {
		return fmt.Errorf("review %d: %w", reviewID, domain.ErrNotFound)
	}
	if fields.Status != nil {
		if !fields.Status.Valid() {
			return domain.InvalidArgumentf("status %q", *fields.Status)
		}
		rev.Status = *fields.Status
	}
	if fields.LabelVersion != nil {
		rev.LabelVersion = *fields.LabelVersion
	}
	rev.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

type BatchRepo struct {
	store *MemoryStorage
}

func NewBatchRepo(store *MemoryStorage) *BatchRepo {
	return &BatchRepo{store: store}
}

func (r *BatchRepo) GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	b, ok := r.store.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", batchID, domain.ErrNotFound)
	}
	c := *b
	c.Aspects = append([]string(nil), b.Aspects...)
	return &c, nil
}

func (r *BatchRepo) Close() error { return nil }

// -----------------------------------------------------------------------------
// Label Repository
// -----------------------------------------------------------------------------

type LabelRepo struct {
	store *MemoryStorage
}

func NewLabelRepo(store *MemoryStorage) *LabelRepo {
	return &LabelRepo{store: store}
}

func (r *LabelRepo) Insert(ctx context.Context, label *domain.LabelResult) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	versions := r.store.labels[label.ReviewID]
	label.Version = len(versions) + 1
	if label.ID == "" {
		label.ID = uuid.NewString()
	}
	r.store.labels[label.ReviewID] = append(versions, label.Clone())
	return nil
}

func (r *LabelRepo) Latest(ctx context.Context, reviewID int64) (*domain.LabelResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	versions := r.store.labels[reviewID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("label for review %d: %w", reviewID, domain.ErrNotFound)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (r *LabelRepo) ListByReview(ctx context.Context, reviewID int64) ([]*domain.LabelResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	versions := r.store.labels[reviewID]
	out := make([]*domain.LabelResult, len(versions))
	for i, l := range versions {
		out[i] = l.Clone()
	}
	return out, nil
}

func (r *LabelRepo) Close() error { return nil }

// -----------------------------------------------------------------------------
// Human Review Queue
// -----------------------------------------------------------------------------

// HumanQueue is an in-process FIFO of reviews awaiting manual labeling.
type HumanQueue struct {
	items []*domain.HumanReviewItem
	mu    sync.Mutex
}

func NewHumanQueue() *HumanQueue {
	return &HumanQueue{}
}

func (q *HumanQueue) Enqueue(ctx context.Context, item *domain.HumanReviewItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *item
	c.Label = item.Label.Clone()
	q.items = append(q.items, &c)
	return nil
}

func (q *HumanQueue) List(ctx context.Context, limit int) ([]*domain.HumanReviewItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*domain.HumanReviewItem, n)
	copy(out, q.items[:n])
	return out, nil
}

func (q *HumanQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
