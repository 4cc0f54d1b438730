package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reviewradar/internal/budget"
	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/memory"
	"github.com/vietddude/reviewradar/internal/labeling/chain"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
	"github.com/vietddude/reviewradar/internal/labeling/validate"
	"github.com/vietddude/reviewradar/internal/repository"
)

var testAspects = []string{"price", "quality"}

// behavior decides a fake provider's answer for one review text.
type behavior func(ctx context.Context, text string) (*provider.Response, error)

type fakeProvider struct {
	name     string
	estimate float64
	behave   behavior

	mu    sync.Mutex
	calls map[string]int
}

func newFake(name string, estimate float64, b behavior) *fakeProvider {
	return &fakeProvider{name: name, estimate: estimate, behave: b, calls: make(map[string]int)}
}

func (f *fakeProvider) Name() string             { return f.name }
func (f *fakeProvider) EstimateCost(int) float64 { return f.estimate }
func (f *fakeProvider) Close() error             { return nil }

func (f *fakeProvider) Label(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.calls[req.Text]++
	f.mu.Unlock()
	return f.behave(ctx, req.Text)
}

func (f *fakeProvider) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func labelWith(confidence float64) *domain.LabelResult {
	pos := domain.SentimentPositive
	aspects := make(map[string]domain.AspectLabel, len(testAspects))
	for _, a := range testAspects {
		c := confidence
		s := pos
		aspects[a] = domain.AspectLabel{Mentioned: true, Sentiment: &s, Confidence: &c}
	}
	return &domain.LabelResult{Aspects: aspects, OverallSentiment: domain.SentimentPositive}
}

func respond(confidence, cost float64) *provider.Response {
	return &provider.Response{Label: labelWith(confidence), Model: "fake-1", Cost: cost}
}

var fastRetry = chain.RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        time.Millisecond,
	BackoffMultiple: 1,
	CallTimeout:     50 * time.Millisecond,
}

type harness struct {
	store *memory.MemoryStorage
	queue *memory.HumanQueue
	guard *budget.Guard
	orch  *Orchestrator
}

type harnessOpts struct {
	budget    float64
	providers []provider.Provider
	labels    storage.LabelClient
	reviews   func(*memory.MemoryStorage) storage.ReviewClient
	cfg       Config
}

func newHarness(t *testing.T, batchID int64, texts []string, opts harnessOpts) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	store.PutBatch(&domain.Batch{ID: batchID, Aspects: testAspects})
	for i, text := range texts {
		store.PutReview(&domain.Review{ID: int64(i + 1), BatchID: batchID, Text: text})
	}

	if opts.budget == 0 {
		opts.budget = 100
	}
	guard := budget.New(budget.Config{DailyBudget: opts.budget})
	queue := memory.NewHumanQueue()

	labels := opts.labels
	if labels == nil {
		labels = memory.NewLabelRepo(store)
	}
	var reviews storage.ReviewClient = memory.NewReviewRepo(store)
	if opts.reviews != nil {
		reviews = opts.reviews(store)
	}
	if opts.cfg.PersistBackoff == 0 {
		opts.cfg.PersistBackoff = time.Millisecond
	}

	orch, err := New(Deps{
		Reviews:   repository.NewReviewRepository(reviews, nil),
		Batches:   repository.NewBatchRepository(memory.NewBatchRepo(store), nil),
		Labels:    repository.NewLabelRepository(labels, nil),
		Labeler:   chain.New(opts.providers, fastRetry, guard, nil),
		Validator: validate.New(validate.DefaultConfidenceThreshold),
		Queue:     queue,
	}, opts.cfg)
	require.NoError(t, err)
	return &harness{store: store, queue: queue, guard: guard, orch: orch}
}

func (h *harness) status(t *testing.T, id int64) domain.LabelStatus {
	t.Helper()
	revs, err := memory.NewReviewRepo(h.store).FetchByIDs(context.Background(), []int64{id})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	return revs[0].Status
}

func TestProcessBatch_EndToEnd(t *testing.T) {
	const costA, costB, costC = 0.0011, 0.0013, 0.0027

	primary := newFake("primary", 0.001, func(ctx context.Context, text string) (*provider.Response, error) {
		switch text {
		case "A":
			return respond(0.95, costA), nil
		case "B":
			return respond(0.50, costB), nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	fallback := newFake("fallback", 0.001, func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.90, costC), nil
	})

	h := newHarness(t, 42, []string{"A", "B", "C"}, harnessOpts{providers: []provider.Provider{primary, fallback}})

	res, err := h.orch.ProcessBatch(context.Background(), 42, 3)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.HumanQueueCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Equal(t, 0, res.DeferredCount)
	assert.InDelta(t, costA+costC, res.TotalCost, 1e-12)
	assert.InDelta(t, costA+costB+costC, res.SpentCost, 1e-12)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, StatePersisted, res.Items[0].State)
	assert.Equal(t, StateHumanQueue, res.Items[1].State)
	assert.Equal(t, StatePersisted, res.Items[2].State)
	assert.Equal(t, "fallback", res.Items[2].Provider)
	assert.Equal(t, 3, primary.callsFor("C"))
	assert.Equal(t, 1, fallback.callsFor("C"))
	assert.Equal(t, 0, fallback.callsFor("A"))

	assert.Equal(t, domain.LabelStatusLabeled, h.status(t, 1))
	assert.Equal(t, domain.LabelStatusNeedsHuman, h.status(t, 2))
	assert.Equal(t, domain.LabelStatusLabeled, h.status(t, 3))

	queued, err := h.queue.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, int64(2), queued[0].ReviewID)
	assert.Equal(t, domain.HumanReasonLowConfidence, queued[0].Reason)
	require.NotNil(t, queued[0].Label)

	latest, err := memory.NewLabelRepo(h.store).Latest(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, "fallback", latest.Metadata.Provider)
	assert.True(t, latest.Metadata.ValidationPassed)
	assert.InDelta(t, costC, latest.Metadata.Cost, 1e-12)

	for _, it := range res.Items {
		for _, tr := range it.Transitions {
			assert.True(t, tr.IsValid(), "review %d: %s -> %s", it.ReviewID, tr.From, tr.To)
		}
	}
}

func TestProcessBatch_ContinuesAfterPermanentFailure(t *testing.T) {
	only := newFake("only", 0.001, func(ctx context.Context, text string) (*provider.Response, error) {
		if text == "r3" {
			return nil, domain.NewPermanentError("only", errors.New("400 bad request"))
		}
		return respond(0.9, 0.001), nil
	})
	h := newHarness(t, 7, []string{"r1", "r2", "r3", "r4", "r5"}, harnessOpts{providers: []provider.Provider{only}})

	res, err := h.orch.ProcessBatch(context.Background(), 7, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	assert.Equal(t, 4, res.SuccessCount)
	assert.Equal(t, 1, res.HumanQueueCount)
	assert.Equal(t, StateHumanQueue, res.Items[2].State)
	assert.Equal(t, []string{domain.HumanReasonNoProvider}, res.Items[2].Reasons)
	assert.Equal(t, 1, only.callsFor("r3"))
	assert.Equal(t, domain.LabelStatusLabeled, h.status(t, 5))
}

func TestProcessBatch_AllProvidersExhausted(t *testing.T) {
	transient := func(ctx context.Context, text string) (*provider.Response, error) {
		return nil, domain.NewTransientError("x", errors.New("503 unavailable"))
	}
	p1 := newFake("p1", 0, transient)
	p2 := newFake("p2", 0, transient)
	h := newHarness(t, 1, []string{"hard"}, harnessOpts{providers: []provider.Provider{p1, p2}})

	res, err := h.orch.ProcessBatch(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, StateHumanQueue, res.Items[0].State)
	assert.Equal(t, 6, res.Items[0].Attempts)
	assert.Equal(t, 3, p1.callsFor("hard"))
	assert.Equal(t, 3, p2.callsFor("hard"))

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.LabelStatusNeedsHuman, h.status(t, 1))
}

func TestProcessBatch_BudgetAllowsKOfN(t *testing.T) {
	p := newFake("p", 0.01, func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.9, 0.01), nil
	})
	h := newHarness(t, 3, []string{"a", "b", "c", "d", "e"}, harnessOpts{
		budget:    0.03,
		providers: []provider.Provider{p},
	})

	res, err := h.orch.ProcessBatch(context.Background(), 3, 5)
	require.NoError(t, err)
	assert.True(t, res.BudgetExhausted)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 2, res.DeferredCount)
	assert.Equal(t, StateDeferred, res.Items[3].State)
	assert.Equal(t, StateBudgetExceeded, res.Items[3].Transitions[1].To)
	assert.Equal(t, 0, p.callsFor("e"))
	assert.Equal(t, domain.LabelStatusDeferred, h.status(t, 4))
	assert.Equal(t, domain.LabelStatusDeferred, h.status(t, 5))
	assert.InDelta(t, 0.03, h.guard.Usage().SpentToday, 1e-9)
}

func TestProcessBatch_CancellationDefersRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newFake("p", 0, func(_ context.Context, text string) (*provider.Response, error) {
		if text == "first" {
			cancel()
		}
		return respond(0.9, 0.001), nil
	})
	h := newHarness(t, 5, []string{"first", "second", "third"}, harnessOpts{providers: []provider.Provider{p}})

	res, err := h.orch.ProcessBatch(ctx, 5, 3)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	assert.True(t, res.Canceled)
	assert.Equal(t, StatePersisted, res.Items[0].State)
	assert.Equal(t, 2, res.DeferredCount)
	assert.Equal(t, 0, p.callsFor("second"))
	assert.Equal(t, domain.LabelStatusLabeled, h.status(t, 1))
	assert.Equal(t, domain.LabelStatusDeferred, h.status(t, 2))
}

type flakyLabels struct {
	*memory.LabelRepo
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLabels) Insert(ctx context.Context, label *domain.LabelResult) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return domain.ErrPersistence
	}
	return f.LabelRepo.Insert(ctx, label)
}

// stuckHumanStatus refuses to mark reviews needs_human.
type stuckHumanStatus struct {
	*memory.ReviewRepo
}

func (s stuckHumanStatus) UpdateOne(ctx context.Context, reviewID int64, fields storage.ReviewFields) error {
	if fields.Status != nil && *fields.Status == domain.LabelStatusNeedsHuman {
		return domain.ErrPersistence
	}
	return s.ReviewRepo.UpdateOne(ctx, reviewID, fields)
}

func TestRun_QueuedWithoutStatusIsNotRefetched(t *testing.T) {
	p := newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
		if text == "bad" {
			return respond(0.2, 0.001), nil
		}
		return respond(0.9, 0.001), nil
	})
	h := newHarness(t, 4, []string{"bad", "b", "c", "d"}, harnessOpts{
		providers: []provider.Provider{p},
		reviews: func(store *memory.MemoryStorage) storage.ReviewClient {
			return stuckHumanStatus{memory.NewReviewRepo(store)}
		},
		cfg: Config{BatchSize: 2, MaxBatchesPerRun: 10, PersistRetries: 1},
	})

	sum, err := h.orch.Run(context.Background(), 4)
	require.NoError(t, err)

	it := sum.Pages[0].Items[0]
	assert.Equal(t, StateHumanQueue, it.State)
	assert.True(t, it.Unrecorded)
	assert.Contains(t, it.Error, ErrStatusNotRecorded.Error())
	assert.Equal(t, 1, sum.UnrecordedCount)
	assert.Equal(t, domain.LabelStatusUnlabeled, h.status(t, 1))

	assert.Equal(t, 1, p.callsFor("bad"))
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, sum.SuccessCount)
	assert.Equal(t, "nothing pending", sum.StopReason)
}

func TestRun_TotalsTokensAndRequests(t *testing.T) {
	calls := 0
	p := newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
		calls++
		if calls == 1 {
			return &provider.Response{Usage: provider.Usage{InputTokens: 50, OutputTokens: 5}, Cost: 0.0001},
				domain.NewTransientError("p", errors.New("503 Service Unavailable"))
		}
		r := respond(0.9, 0.001)
		r.Usage = provider.Usage{InputTokens: 100, OutputTokens: 20}
		return r, nil
	})
	h := newHarness(t, 5, []string{"a", "b"}, harnessOpts{providers: []provider.Provider{p}})

	sum, err := h.orch.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SuccessCount)
	assert.Equal(t, 3, sum.TotalRequests)
	assert.Equal(t, 250, sum.TotalInputTokens)
	assert.Equal(t, 45, sum.TotalOutputTokens)
	assert.Equal(t, 150, sum.Pages[0].Items[0].InputTokens)
}

func TestProcessBatch_PersistenceRetries(t *testing.T) {
	good := func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.9, 0.001), nil
	}

	t.Run("recovers", func(t *testing.T) {
		store := memory.NewMemoryStorage()
		labels := &flakyLabels{LabelRepo: memory.NewLabelRepo(store), failures: 2}
		h := newHarness(t, 9, []string{"x"}, harnessOpts{
			providers: []provider.Provider{newFake("p", 0, good)},
			labels:    labels,
			cfg:       Config{PersistRetries: 3},
		})

		res, err := h.orch.ProcessBatch(context.Background(), 9, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.SuccessCount)
		assert.Equal(t, 3, labels.calls)
		assert.Equal(t, 1, res.Items[0].LabelVersion)
	})

	t.Run("exhausted", func(t *testing.T) {
		store := memory.NewMemoryStorage()
		labels := &flakyLabels{LabelRepo: memory.NewLabelRepo(store), failures: 100}
		h := newHarness(t, 9, []string{"x", "y"}, harnessOpts{
			providers: []provider.Provider{newFake("p", 0, good)},
			labels:    labels,
			cfg:       Config{PersistRetries: 2},
		})

		res, err := h.orch.ProcessBatch(context.Background(), 9, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, res.FailedCount)
		assert.Equal(t, 0, res.SuccessCount)
		assert.Equal(t, 6, labels.calls)
		assert.Equal(t, StateFailed, res.Items[1].State)
		assert.Zero(t, res.TotalCost)
		assert.InDelta(t, 0.002, res.SpentCost, 1e-12)
		assert.Equal(t, domain.LabelStatusUnlabeled, h.status(t, 1))
	})
}

func TestProcessBatch_BatchLevelErrors(t *testing.T) {
	h := newHarness(t, 1, nil, harnessOpts{})

	_, err := h.orch.ProcessBatch(context.Background(), 1, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.orch.ProcessBatch(context.Background(), 404, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := h.orch.ProcessBatch(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestRun_PagesUntilDone(t *testing.T) {
	p := newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
		if text == "bad" {
			return respond(0.2, 0.001), nil
		}
		return respond(0.9, 0.001), nil
	})
	texts := []string{"a", "bad", "c", "d", "e", "f", "g"}
	h := newHarness(t, 2, texts, harnessOpts{
		providers: []provider.Provider{p},
		cfg:       Config{BatchSize: 3, MaxBatchesPerRun: 10},
	})

	sum, err := h.orch.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, sum.Pages, 3)
	assert.Equal(t, 6, sum.SuccessCount)
	assert.Equal(t, 1, sum.HumanQueueCount)
	assert.Equal(t, len(texts), sum.Processed())
	assert.Equal(t, "nothing pending", sum.StopReason)
	for _, text := range texts {
		assert.Equal(t, 1, p.callsFor(text), text)
	}
}

func TestRun_StopsOnBudget(t *testing.T) {
	p := newFake("p", 0.01, func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.9, 0.01), nil
	})
	h := newHarness(t, 2, []string{"a", "b", "c", "d", "e"}, harnessOpts{
		budget:    0.02,
		providers: []provider.Provider{p},
		cfg:       Config{BatchSize: 2, MaxBatchesPerRun: 10},
	})

	sum, err := h.orch.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "budget exhausted", sum.StopReason)
	assert.Equal(t, 2, sum.SuccessCount)
	assert.Len(t, sum.Pages, 2)
}

type stubLocker struct {
	held         bool
	lostAfter    int // refreshes that succeed before the lock is gone; 0 never loses it
	refreshes    int
	releasedWith string
}

func (l *stubLocker) AcquireBatchLock(context.Context, int64, time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	return "tok-1", true, nil
}

func (l *stubLocker) RefreshBatchLock(_ context.Context, _ int64, token string, _ time.Duration) (bool, error) {
	l.refreshes++
	if token != "tok-1" {
		return false, nil
	}
	return l.lostAfter == 0 || l.refreshes <= l.lostAfter, nil
}

func (l *stubLocker) ReleaseBatchLock(_ context.Context, _ int64, token string) error {
	l.releasedWith = token
	return nil
}

func TestRun_Locking(t *testing.T) {
	h := newHarness(t, 1, []string{"a"}, harnessOpts{providers: []provider.Provider{
		newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
			return respond(0.9, 0), nil
		}),
	}})

	locker := &stubLocker{held: true}
	h.orch.deps.Locker = locker
	_, err := h.orch.Run(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBatchLocked)

	locker.held = false
	sum, err := h.orch.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SuccessCount)
	assert.Equal(t, "tok-1", locker.releasedWith)
}

func TestRun_RefreshesLockPerPage(t *testing.T) {
	p := newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.9, 0), nil
	})
	h := newHarness(t, 3, []string{"a", "b", "c", "d", "e"}, harnessOpts{
		providers: []provider.Provider{p},
		cfg:       Config{BatchSize: 2, MaxBatchesPerRun: 10},
	})
	locker := &stubLocker{}
	h.orch.deps.Locker = locker

	sum, err := h.orch.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, sum.Pages, 3)
	assert.Equal(t, 2, locker.refreshes)
	assert.Equal(t, "tok-1", locker.releasedWith)
}

func TestRun_StopsWhenLockLost(t *testing.T) {
	p := newFake("p", 0, func(ctx context.Context, text string) (*provider.Response, error) {
		return respond(0.9, 0), nil
	})
	h := newHarness(t, 3, []string{"a", "b", "c", "d", "e"}, harnessOpts{
		providers: []provider.Provider{p},
		cfg:       Config{BatchSize: 2, MaxBatchesPerRun: 10},
	})
	h.orch.deps.Locker = &stubLocker{lostAfter: 1}

	sum, err := h.orch.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "lock lost", sum.StopReason)
	assert.Len(t, sum.Pages, 2)
	assert.Equal(t, 4, sum.SuccessCount)
	assert.Zero(t, p.callsFor("e"))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
