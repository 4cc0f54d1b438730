package storage

import (
	"context"
	"fmt"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// DataType names the kind of records a backend client serves.
type DataType string

const (
	DataTypeReview DataType = "review"
	DataTypeBatch  DataType = "batch"
	DataTypeLabel  DataType = "label"
)

// ClientType names the storage technology behind a client.
type ClientType string

const (
	ClientTypeMemory   ClientType = "memory"
	ClientTypePostgres ClientType = "postgres"
	ClientTypeSQLite   ClientType = "sqlite"
)

// Key identifies one registered backend.
type Key struct {
	DataType   DataType
	ClientType ClientType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.DataType, k.ClientType)
}

// BackendConfig carries connection settings handed to a backend factory.
type BackendConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Client is the lifecycle every backend client shares.
type Client interface {
	Close() error
}

// HealthChecker is implemented by clients backed by a remote connection.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ReviewFields is a partial review update. Nil fields are left unchanged.
type ReviewFields struct {
	Status       *domain.LabelStatus
	LabelVersion *int
}

// Empty reports whether the update would change nothing.
func (f ReviewFields) Empty() bool {
	return f.Status == nil && f.LabelVersion == nil
}

// ReviewUpdate is one entry of a bulk update.
type ReviewUpdate struct {
	ReviewID int64
	Fields   ReviewFields
}

// ReviewClient handles review storage operations
type ReviewClient interface {
	Client

	// FetchUnlabeled returns up to limit unlabeled or deferred reviews of a batch, ordered by ID
	FetchUnlabeled(ctx context.Context, batchID int64, limit, offset int) ([]*domain.Review, error)

	// FetchByIDs returns the reviews with the given IDs, ordered by ID
	FetchByIDs(ctx context.Context, ids []int64) ([]*domain.Review, error)

	// UpdateOne applies fields to a single review
	UpdateOne(ctx context.Context, reviewID int64, fields ReviewFields) error

	// BulkUpdate applies updates one by one. errs[i] is nil when updates[i] was applied.
	BulkUpdate(ctx context.Context, updates []ReviewUpdate) (applied int, errs []error)

	// CountByStatus counts a batch's reviews per label status
	CountByStatus(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, error)
}

// BatchClient handles batch lookups
type BatchClient interface {
	Client

	// GetBatch retrieves a batch by ID
	GetBatch(ctx context.Context, batchID int64) (*domain.Batch, error)
}

// LabelClient handles versioned label storage
type LabelClient interface {
	Client

	// Insert stores label as the next version for its review and sets label.Version
	Insert(ctx context.Context, label *domain.LabelResult) error

	// Latest returns the highest version label of a review
	Latest(ctx context.Context, reviewID int64) (*domain.LabelResult, error)

	// ListByReview returns every label version of a review, oldest first
	ListByReview(ctx context.Context, reviewID int64) ([]*domain.LabelResult, error)
}

// HumanQueue holds reviews waiting for manual labeling
type HumanQueue interface {
	// Enqueue appends an item to the queue
	Enqueue(ctx context.Context, item *domain.HumanReviewItem) error

	// List returns up to limit items, oldest first
	List(ctx context.Context, limit int) ([]*domain.HumanReviewItem, error)

	// Len returns the queue length
	Len(ctx context.Context) (int, error)
}

// PersistenceError wraps a backend failure as domain.ErrPersistence.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}
