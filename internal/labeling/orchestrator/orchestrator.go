// Package orchestrator drives review batches through labeling, validation and persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/labeling/chain"
	"github.com/vietddude/reviewradar/internal/labeling/metrics"
	"github.com/vietddude/reviewradar/internal/labeling/validate"
	"github.com/vietddude/reviewradar/internal/repository"
)

// ErrBatchLocked is returned by Run when another process holds the batch.
var ErrBatchLocked = errors.New("batch is being processed elsewhere")

// ErrStatusNotRecorded means a review reached the human queue but its stored
// status is still pending.
var ErrStatusNotRecorded = errors.New("queued for human review but status not recorded")

// Labeler produces a label for one review.
type Labeler interface {
	LabelReview(ctx context.Context, reviewID int64, text string, aspects []string) chain.Outcome
}

// Locker serializes runs over the same batch across processes.
// Acquire returns a token that Refresh and Release must present, so a run
// never touches a lock that expired and was taken by another process.
type Locker interface {
	AcquireBatchLock(ctx context.Context, batchID int64, ttl time.Duration) (token string, ok bool, err error)
	RefreshBatchLock(ctx context.Context, batchID int64, token string, ttl time.Duration) (bool, error)
	ReleaseBatchLock(ctx context.Context, batchID int64, token string) error
}

// Config holds orchestrator settings.
type Config struct {
	BatchSize        int
	MaxBatchesPerRun int
	PersistRetries   int
	PersistBackoff   time.Duration
	// BookkeepingTimeout bounds status writes made after ctx is canceled.
	BookkeepingTimeout time.Duration
	LockTTL            time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          50,
		MaxBatchesPerRun:   10,
		PersistRetries:     3,
		PersistBackoff:     100 * time.Millisecond,
		BookkeepingTimeout: 10 * time.Second,
		LockTTL:            30 * time.Minute,
	}
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Reviews   *repository.ReviewRepository
	Batches   *repository.BatchRepository
	Labels    *repository.LabelRepository
	Labeler   Labeler
	Validator *validate.Validator
	Queue     storage.HumanQueue
	// Locker is optional.
	Locker Locker
	Logger *slog.Logger
}

// ItemResult is the terminal state of one review in a batch.
type ItemResult struct {
	ReviewID     int64        `json:"review_id"`
	State        State        `json:"state"`
	Provider     string       `json:"provider,omitempty"`
	Attempts     int          `json:"attempts"`
	Cost         float64      `json:"cost"`
	LabelCost    float64      `json:"label_cost"`
	LabelVersion int          `json:"label_version,omitempty"`
	Reasons      []string     `json:"reasons,omitempty"`
	Error        string       `json:"error,omitempty"`
	Unrecorded   bool         `json:"unrecorded,omitempty"` // stored status did not follow State
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	Transitions  []Transition `json:"transitions"`
}

func newItem(reviewID int64) *ItemResult {
	return &ItemResult{ReviewID: reviewID, State: StateUnlabeled}
}

// to moves the item to next. Disallowed moves are a programming error and land in FAILED.
func (it *ItemResult) to(next State, reason string) {
	t := NewTransition(it.State, next, reason)
	if !t.IsValid() {
		it.Error = fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, it.State, next)
		it.Transitions = append(it.Transitions, NewTransition(it.State, StateFailed, it.Error))
		it.State = StateFailed
		return
	}
	it.Transitions = append(it.Transitions, t)
	it.State = next
}

// routed records the outcome of handing the item to the human queue.
func (it *ItemResult) routed(reason string, err error) {
	switch {
	case err == nil:
		it.to(StateHumanQueue, reason)
	case errors.Is(err, ErrStatusNotRecorded):
		it.Error = err.Error()
		it.Unrecorded = true
		it.to(StateHumanQueue, reason)
	default:
		it.Error = err.Error()
		it.to(StateFailed, "enqueue failed")
	}
}

// BatchResult aggregates one ProcessBatch call.
type BatchResult struct {
	RunID           string        `json:"run_id"`
	BatchID         int64         `json:"batch_id"`
	Items           []*ItemResult `json:"items"`
	SuccessCount    int           `json:"success_count"`
	HumanQueueCount int           `json:"human_queue_count"`
	DeferredCount   int           `json:"deferred_count"`
	FailedCount     int           `json:"failed_count"`
	// UnrecordedCount counts items still pending in storage despite their state.
	UnrecordedCount   int `json:"unrecorded_count"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
	// TotalRequests is the number of provider calls made, retries included.
	TotalRequests int `json:"total_requests"`
	// TotalCost is the cost of the calls whose labels were persisted.
	TotalCost float64 `json:"total_cost"`
	// SpentCost is everything the batch spent, failed and human-routed calls included.
	SpentCost       float64       `json:"spent_cost"`
	BudgetExhausted bool          `json:"budget_exhausted"`
	Canceled        bool          `json:"canceled"`
	Duration        time.Duration `json:"duration"`
}

func (r *BatchResult) add(it *ItemResult) {
	r.Items = append(r.Items, it)
	r.SpentCost += it.Cost
	r.TotalInputTokens += it.InputTokens
	r.TotalOutputTokens += it.OutputTokens
	r.TotalRequests += it.Attempts
	if it.Unrecorded {
		r.UnrecordedCount++
	}
	switch it.State {
	case StatePersisted:
		r.SuccessCount++
		r.TotalCost += it.LabelCost
	case StateHumanQueue:
		r.HumanQueueCount++
	case StateDeferred:
		r.DeferredCount++
	case StateFailed:
		r.FailedCount++
	}
	metrics.ItemsProcessed.WithLabelValues(string(it.State)).Inc()
}

// RunSummary aggregates the pages of one Run.
type RunSummary struct {
	RunID           string         `json:"run_id"`
	BatchID         int64          `json:"batch_id"`
	Pages           []*BatchResult `json:"pages"`
	SuccessCount    int            `json:"success_count"`
	HumanQueueCount int            `json:"human_queue_count"`
	DeferredCount   int            `json:"deferred_count"`
	FailedCount     int            `json:"failed_count"`
	UnrecordedCount int            `json:"unrecorded_count"`
	TotalCost       float64        `json:"total_cost"`
	SpentCost       float64        `json:"spent_cost"`
	// Token and request totals cover every call, billed failures included.
	TotalInputTokens  int    `json:"total_input_tokens"`
	TotalOutputTokens int    `json:"total_output_tokens"`
	TotalRequests     int    `json:"total_requests"`
	StopReason        string `json:"stop_reason"`
}

func (s *RunSummary) add(r *BatchResult) {
	s.Pages = append(s.Pages, r)
	s.SuccessCount += r.SuccessCount
	s.HumanQueueCount += r.HumanQueueCount
	s.DeferredCount += r.DeferredCount
	s.FailedCount += r.FailedCount
	s.UnrecordedCount += r.UnrecordedCount
	s.TotalCost += r.TotalCost
	s.SpentCost += r.SpentCost
	s.TotalInputTokens += r.TotalInputTokens
	s.TotalOutputTokens += r.TotalOutputTokens
	s.TotalRequests += r.TotalRequests
}

// Processed is the number of items in the run.
func (s *RunSummary) Processed() int {
	return s.SuccessCount + s.HumanQueueCount + s.DeferredCount + s.FailedCount
}

// Orchestrator labels pending reviews one at a time.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates an orchestrator. Missing required collaborators are a configuration error.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Reviews == nil:
		return nil, domain.Configurationf("orchestrator: review repository is required")
	case deps.Batches == nil:
		return nil, domain.Configurationf("orchestrator: batch repository is required")
	case deps.Labels == nil:
		return nil, domain.Configurationf("orchestrator: label repository is required")
	case deps.Labeler == nil:
		return nil, domain.Configurationf("orchestrator: labeler is required")
	case deps.Queue == nil:
		return nil, domain.Configurationf("orchestrator: human queue is required")
	}
	if deps.Validator == nil {
		deps.Validator = validate.New(validate.DefaultConfidenceThreshold)
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = def.MaxBatchesPerRun
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = def.BookkeepingTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.With("component", "orchestrator")}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// ProcessBatch labels up to limit pending reviews of batchID.
// Per-item failures are reported in the result, not returned.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID int64, limit int) (*BatchResult, error) {
	return o.processPage(ctx, uuid.NewString(), batchID, limit, 0)
}

// Run pages ProcessBatch over batchID until nothing is pending, the budget runs
// out, ctx is canceled or MaxBatchesPerRun pages have been processed.
func (o *Orchestrator) Run(ctx context.Context, batchID int64) (*RunSummary, error) {
	runID := uuid.NewString()
	summary := &RunSummary{RunID: runID, BatchID: batchID}

	var lockToken string
	if o.deps.Locker != nil {
		token, ok, err := o.deps.Locker.AcquireBatchLock(ctx, batchID, o.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lock for batch %d: %w", batchID, err)
		}
		if !ok {
			return nil, fmt.Errorf("batch %d: %w", batchID, ErrBatchLocked)
		}
		lockToken = token
		defer func() {
			bctx, cancel := o.bookkeepingContext(ctx)
			defer cancel()
			if err := o.deps.Locker.ReleaseBatchLock(bctx, batchID, lockToken); err != nil {
				o.logger.Warn("Failed to release batch lock", "batch_id", batchID, "error", err)
			}
		}()
	}

	o.logger.Info("Starting labeling run", "run_id", runID, "batch_id", batchID,
		"batch_size", o.cfg.BatchSize, "max_batches", o.cfg.MaxBatchesPerRun)

	// Failed and unrecorded items stay pending and sort first, so later pages
	// skip past them.
	skip := 0
	summary.StopReason = "max batches reached"
	for page := 0; page < o.cfg.MaxBatchesPerRun; page++ {
		if ctx.Err() != nil {
			summary.StopReason = "canceled"
			break
		}
		if page > 0 && !o.refreshLock(ctx, runID, batchID, lockToken) {
			summary.StopReason = "lock lost"
			break
		}
		res, err := o.processPage(ctx, runID, batchID, o.cfg.BatchSize, skip)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			o.logger.Error("Page failed, stopping run", "run_id", runID, "page", page, "error", err)
			summary.StopReason = "fetch failed"
			break
		}
		summary.add(res)
		skip += res.FailedCount + res.UnrecordedCount

		if len(res.Items) == 0 {
			summary.StopReason = "nothing pending"
			break
		}
		if res.BudgetExhausted {
			summary.StopReason = "budget exhausted"
			break
		}
		if res.Canceled {
			summary.StopReason = "canceled"
			break
		}
		if len(res.Items) < o.cfg.BatchSize {
			summary.StopReason = "nothing pending"
			break
		}
	}

	o.logger.Info("Labeling run finished",
		"run_id", runID,
		"batch_id", batchID,
		"pages", len(summary.Pages),
		"success", summary.SuccessCount,
		"human_queue", summary.HumanQueueCount,
		"deferred", summary.DeferredCount,
		"failed", summary.FailedCount,
		"unrecorded", summary.UnrecordedCount,
		"total_cost", summary.TotalCost,
		"input_tokens", summary.TotalInputTokens,
		"output_tokens", summary.TotalOutputTokens,
		"requests", summary.TotalRequests,
		"stop_reason", summary.StopReason,
	)
	return summary, nil
}

// refreshLock extends the batch lock before another page. A failed call keeps
// the run going; only a lock now held by someone else stops it.
func (o *Orchestrator) refreshLock(ctx context.Context, runID string, batchID int64, token string) bool {
	if o.deps.Locker == nil {
		return true
	}
	ok, err := o.deps.Locker.RefreshBatchLock(ctx, batchID, token, o.cfg.LockTTL)
	if err != nil {
		o.logger.Warn("Failed to refresh batch lock", "run_id", runID, "batch_id", batchID, "error", err)
		return true
	}
	if !ok {
		o.logger.Error("Batch lock lost, stopping run", "run_id", runID, "batch_id", batchID)
	}
	return ok
}

func (o *Orchestrator) processPage(ctx context.Context, runID string, batchID int64, limit, offset int) (*BatchResult, error) {
	start := time.Now()
	aspects, err := o.deps.Batches.Aspects(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load aspects for batch %d: %w", batchID, err)
	}
	reviews, err := o.deps.Reviews.GetUnlabeled(ctx, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch reviews for batch %d: %w", batchID, err)
	}

	res := &BatchResult{RunID: runID, BatchID: batchID}
	for _, rev := range reviews {
		if res.BudgetExhausted || res.Canceled {
			res.add(o.deferItem(ctx, rev.ID, "not attempted"))
			continue
		}
		if ctx.Err() != nil {
			res.Canceled = true
			res.add(o.deferItem(ctx, rev.ID, "canceled"))
			continue
		}

		it, outcome := o.processItem(ctx, batchID, rev, aspects)
		if outcome.BudgetDenied {
			res.BudgetExhausted = true
		}
		if outcome.Canceled {
			res.Canceled = true
		}
		res.add(it)
	}
	res.Duration = time.Since(start)
	o.refreshQueueDepth(ctx)

	o.logger.Info("Batch processed",
		"run_id", runID,
		"batch_id", batchID,
		"items", len(res.Items),
		"success", res.SuccessCount,
		"human_queue", res.HumanQueueCount,
		"deferred", res.DeferredCount,
		"failed", res.FailedCount,
		"total_cost", res.TotalCost,
		"spent_cost", res.SpentCost,
		"requests", res.TotalRequests,
		"duration", res.Duration,
	)
	return res, nil
}

func (o *Orchestrator) processItem(ctx context.Context, batchID int64, rev *domain.Review, aspects []string) (*ItemResult, chain.Outcome) {
	it := newItem(rev.ID)
	it.to(StateRequested, "")

	out := o.deps.Labeler.LabelReview(ctx, rev.ID, rev.Text, aspects)
	it.Attempts = out.Attempts
	it.Cost = out.Cost
	it.Provider = out.Provider
	it.InputTokens = out.InputTokens
	it.OutputTokens = out.OutputTokens

	switch {
	case out.BudgetDenied:
		it.to(StateBudgetExceeded, domain.ErrBudgetExceeded.Error())
		it.to(StateDeferred, "budget exceeded")
		o.markDeferred(ctx, rev.ID)
		return it, out
	case out.Canceled:
		it.to(StateDeferred, "canceled")
		o.markDeferred(ctx, rev.ID)
		return it, out
	case !out.Succeeded():
		it.Reasons = []string{domain.HumanReasonNoProvider}
		it.routed(domain.HumanReasonNoProvider,
			o.route(ctx, batchID, rev.ID, nil, domain.HumanReasonNoProvider, it.Reasons))
		return it, out
	}

	label := out.Response.Label.Clone()
	label.ReviewID = rev.ID
	label.ID = ""
	label.Version = 0
	label.Metadata = domain.LabelMetadata{
		Provider:         out.Provider,
		Model:            out.Response.Model,
		Timestamp:        time.Now().UTC(),
		Cost:             out.Response.Cost,
		ProcessingTimeMs: out.Response.Latency.Milliseconds(),
		InputTokens:      out.Response.Usage.InputTokens,
		OutputTokens:     out.Response.Usage.OutputTokens,
	}
	it.LabelCost = out.Response.Cost

	report := o.deps.Validator.Validate(label, aspects)
	label.Metadata.ValidationPassed = report.Passed
	if !report.Passed {
		it.Reasons = report.Reasons()
		it.to(StateInvalid, report.Err().Error())
		reason := domain.HumanReasonValidation
		if len(report.Hard) == 0 {
			reason = domain.HumanReasonLowConfidence
		}
		it.routed(reason, o.route(ctx, batchID, rev.ID, label, reason, it.Reasons))
		return it, out
	}

	it.to(StateValid, "")
	if err := o.persist(ctx, label); err != nil {
		o.logger.Error("Persist failed, item marked failed", "review_id", rev.ID, "error", err)
		it.Error = err.Error()
		it.to(StateFailed, "persist retries exhausted")
		return it, out
	}
	it.LabelVersion = label.Version
	it.to(StatePersisted, "")
	return it, out
}

// persist stores label as a new version and marks the review labeled. The label
// insert is not repeated once it succeeded.
func (o *Orchestrator) persist(ctx context.Context, label *domain.LabelResult) error {
	bctx, cancel := o.bookkeepingContext(ctx)
	defer cancel()

	saved := false
	return o.withRetry(bctx, func(ctx context.Context) error {
		if !saved {
			if err := o.deps.Labels.Save(ctx, label); err != nil {
				return retryable(err)
			}
			saved = true
		}
		status := domain.LabelStatusLabeled
		version := label.Version
		return retryable(o.deps.Reviews.Update(ctx, label.ReviewID, storage.ReviewFields{
			Status:       &status,
			LabelVersion: &version,
		}))
	})
}

// route enqueues a review for manual labeling and marks it needs_human. The
// enqueue is not repeated once it succeeded; a status write that never lands
// afterwards yields ErrStatusNotRecorded.
func (o *Orchestrator) route(ctx context.Context, batchID, reviewID int64, label *domain.LabelResult, reason string, reasons []string) error {
	bctx, cancel := o.bookkeepingContext(ctx)
	defer cancel()

	item := &domain.HumanReviewItem{
		ReviewID: reviewID,
		BatchID:  batchID,
		Reason:   reason,
		Reasons:  reasons,
		Label:    label,
		QueuedAt: time.Now().UTC(),
	}
	queued := false
	err := o.withRetry(bctx, func(ctx context.Context) error {
		if !queued {
			if err := o.deps.Queue.Enqueue(ctx, item); err != nil {
				return retry.RetryableError(err)
			}
			queued = true
		}
		return retryable(o.deps.Reviews.SetStatus(ctx, reviewID, domain.LabelStatusNeedsHuman))
	})
	if err != nil {
		if queued {
			o.logger.Warn("Queued for human review but status update failed", "review_id", reviewID, "error", err)
			return fmt.Errorf("%w: %v", ErrStatusNotRecorded, err)
		}
		return err
	}
	o.logger.Info("Routed to human review", "review_id", reviewID, "reason", reason, "details", reasons)
	return nil
}

func (o *Orchestrator) deferItem(ctx context.Context, reviewID int64, reason string) *ItemResult {
	it := newItem(reviewID)
	it.to(StateDeferred, reason)
	o.markDeferred(ctx, reviewID)
	return it
}

// markDeferred is best effort; a deferred review stays pending either way.
func (o *Orchestrator) markDeferred(ctx context.Context, reviewID int64) {
	bctx, cancel := o.bookkeepingContext(ctx)
	defer cancel()
	if err := o.deps.Reviews.SetStatus(bctx, reviewID, domain.LabelStatusDeferred); err != nil {
		o.logger.Warn("Failed to mark review deferred", "review_id", reviewID, "error", err)
	}
}

func (o *Orchestrator) refreshQueueDepth(ctx context.Context) {
	bctx, cancel := o.bookkeepingContext(ctx)
	defer cancel()
	if n, err := o.deps.Queue.Len(bctx); err == nil {
		metrics.HumanQueueDepth.Set(float64(n))
	}
}

func (o *Orchestrator) withRetry(ctx context.Context, fn retry.RetryFunc) error {
	b := retry.WithMaxRetries(uint64(o.cfg.PersistRetries), retry.NewExponential(o.cfg.PersistBackoff))
	return retry.Do(ctx, b, fn)
}

// bookkeepingContext detaches status writes from ctx cancellation, bounded by BookkeepingTimeout.
func (o *Orchestrator) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.BookkeepingTimeout)
}

// retryable marks persistence errors as retryable. Missing rows and bad
// arguments will not fix themselves.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument) {
		return err
	}
	return retry.RetryableError(err)
}
