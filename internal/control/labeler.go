package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reviewradar/internal/api"
	"github.com/vietddude/reviewradar/internal/budget"
	"github.com/vietddude/reviewradar/internal/core/config"
	"github.com/vietddude/reviewradar/internal/core/domain"
	redisclient "github.com/vietddude/reviewradar/internal/infra/redis"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/backends"
	"github.com/vietddude/reviewradar/internal/infra/storage/memory"
	"github.com/vietddude/reviewradar/internal/labeling/chain"
	"github.com/vietddude/reviewradar/internal/labeling/metrics"
	"github.com/vietddude/reviewradar/internal/labeling/orchestrator"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
	"github.com/vietddude/reviewradar/internal/labeling/provider/gemini"
	"github.com/vietddude/reviewradar/internal/labeling/provider/openai"
	"github.com/vietddude/reviewradar/internal/labeling/validate"
	"github.com/vietddude/reviewradar/internal/repository"
)

// Options carries process-level overrides for NewLabeler.
type Options struct {
	// Memory backs the memory client type. A fresh store is used when nil.
	Memory *memory.MemoryStorage
	Logger *slog.Logger
}

// Labeler is the main application struct that owns every labeling component.
type Labeler struct {
	cfg      *config.AppConfig
	registry *storage.Registry
	reviews  *repository.ReviewRepository
	batches  *repository.BatchRepository
	labels   *repository.LabelRepository
	guard    *budget.Guard
	chain    *chain.Chain
	orch     *orchestrator.Orchestrator
	queue    storage.HumanQueue
	redis    *redisclient.Client
	server   *api.Server
	checks   []api.Check
	log      *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewLabeler creates a new Labeler with all dependencies initialized.
// Any failure here is a configuration error and nothing is left open.
func NewLabeler(ctx context.Context, cfg *config.AppConfig, opts Options) (l *Labeler, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	l = &Labeler{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = l.close()
			l = nil
		}
	}()

	// 1. Storage
	l.registry = storage.NewRegistry(log)
	if err := backends.Register(l.registry, backends.Options{
		AutoMigrate: cfg.Storage.AutoMigrate,
		Memory:      opts.Memory,
		Logger:      log,
	}); err != nil {
		return l, err
	}

	ct, backend := cfg.Storage.Client, cfg.Storage.Backend()
	reviewClient, err := storage.ReviewClientFor(ctx, l.registry, ct, backend)
	if err != nil {
		return l, err
	}
	batchClient, err := storage.BatchClientFor(ctx, l.registry, ct, backend)
	if err != nil {
		return l, err
	}
	labelClient, err := storage.LabelClientFor(ctx, l.registry, ct, backend)
	if err != nil {
		return l, err
	}
	l.reviews = repository.NewReviewRepository(reviewClient, log)
	l.batches = repository.NewBatchRepository(batchClient, log)
	l.labels = repository.NewLabelRepository(labelClient, log)
	if hc, ok := reviewClient.(storage.HealthChecker); ok {
		l.checks = append(l.checks, api.Check{Name: string(ct), Probe: hc.Health})
	}
	log.Info("Storage ready", "client", ct)

	// 2. Providers
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := buildProvider(ctx, pc, log)
		if err != nil {
			for _, built := range providers {
				_ = built.Close()
			}
			return l, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, provider.WithRateLimit(p, pc.RequestsPerMinute))
	}

	// 3. Budget and chain
	l.guard = budget.New(budget.Config{
		DailyBudget:    cfg.Labeling.DailyBudgetUSD,
		AlertThreshold: cfg.Labeling.AlertThreshold(),
		OnAlert: func(u budget.Usage) {
			log.Warn("Cost alert threshold crossed",
				"spent_today", u.SpentToday,
				"daily_budget", u.DailyBudget,
				"usage_percentage", u.UsagePercentage)
		},
		Logger: log,
	})
	l.chain = chain.New(providers, cfg.Labeling.Retry(), l.guard, log)

	// 4. Human queue, shared through Redis when configured
	var locker orchestrator.Locker
	if cfg.Redis.URL != "" {
		l.redis, err = redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			return l, domain.Configurationf("redis: %v", err)
		}
		l.queue = redisclient.NewHumanQueue(l.redis)
		locker = l.redis
		l.checks = append(l.checks, api.Check{Name: "redis", Probe: l.redis.Health})
		log.Info("Human queue backed by Redis", "namespace", cfg.Redis.Namespace)
	} else {
		l.queue = memory.NewHumanQueue()
	}

	// 5. Orchestrator
	l.orch, err = orchestrator.New(orchestrator.Deps{
		Reviews:   l.reviews,
		Batches:   l.batches,
		Labels:    l.labels,
		Labeler:   l.chain,
		Validator: validate.New(cfg.Labeling.MinConfidence()),
		Queue:     l.queue,
		Locker:    locker,
		Logger:    log,
	}, cfg.Labeling.Orchestrator())
	if err != nil {
		return l, err
	}

	// 6. Admin API
	handler := api.NewHandler(api.Deps{
		Processor: l.orch,
		Progress:  l.reviews,
		Budget:    l.guard,
		Queue:     l.queue,
		Checks:    l.checks,
	}, log)
	l.server = api.NewServer(handler, cfg.Server.Port, log)

	log.Info("Labeler initialized", "providers", l.chain.Providers(), "config", cfg.String())
	return l, nil
}

func buildProvider(ctx context.Context, pc provider.Config, log *slog.Logger) (provider.Provider, error) {
	switch pc.Type {
	case "gemini":
		return gemini.New(ctx, pc, log)
	case "openai", "groq", "openrouter":
		return openai.New(pc, log)
	default:
		return nil, domain.Configurationf("unknown provider type %q", pc.Type)
	}
}

// Start starts the admin API and background collectors.
func (l *Labeler) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)
	l.group, ctx = errgroup.WithContext(ctx)

	for _, key := range l.registry.Instances() {
		client, ok := l.registry.GetExisting(key.DataType, key.ClientType)
		if !ok {
			continue
		}
		if c, ok := client.(interface{ StartMetricsCollector(context.Context) }); ok {
			c.StartMetricsCollector(ctx)
		}
	}

	l.group.Go(l.server.Start)
	l.group.Go(func() error {
		<-ctx.Done()
		return nil
	})
	l.log.Info("Labeler started", "port", l.cfg.Server.Port)
	return nil
}

// Wait blocks until the server exits.
func (l *Labeler) Wait() error {
	if l.group == nil {
		return nil
	}
	return l.group.Wait()
}

// Stop gracefully stops the labeler.
func (l *Labeler) Stop(ctx context.Context) error {
	l.log.Info("Stopping labeler...")
	var errs []error
	if l.group != nil {
		if err := l.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop server: %w", err))
		}
		l.cancel()
		if err := l.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Labeler) close() error {
	var errs []error
	if l.chain != nil {
		errs = append(errs, l.chain.Close())
	}
	if l.redis != nil {
		errs = append(errs, l.redis.Close())
	}
	if l.registry != nil {
		errs = append(errs, l.registry.Close())
	}
	return errors.Join(errs...)
}

// ProcessBatch labels one page of a batch.
func (l *Labeler) ProcessBatch(ctx context.Context, batchID int64, limit int) (*orchestrator.BatchResult, error) {
	return l.orch.ProcessBatch(ctx, batchID, limit)
}

// RunBatches runs every batch in order. A failing batch is logged and skipped;
// the joined errors are returned with the summaries that did complete.
func (l *Labeler) RunBatches(ctx context.Context, batchIDs []int64) ([]*orchestrator.RunSummary, error) {
	var (
		out  []*orchestrator.RunSummary
		errs []error
	)
	for _, id := range batchIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		sum, err := l.orch.Run(ctx, id)
		if err != nil {
			l.log.Error("Batch run failed", "batch_id", id, "error", err)
			errs = append(errs, fmt.Errorf("batch %d: %w", id, err))
			continue
		}
		out = append(out, sum)
	}
	l.refreshQueueDepth(ctx)
	return out, errors.Join(errs...)
}

func (l *Labeler) refreshQueueDepth(ctx context.Context) {
	if n, err := l.queue.Len(ctx); err == nil {
		metrics.HumanQueueDepth.Set(float64(n))
	}
}

// Progress returns per-status counts and the completion rate of a batch.
func (l *Labeler) Progress(ctx context.Context, batchID int64) (map[domain.LabelStatus]int, float64, error) {
	counts, err := l.reviews.Progress(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	rate, err := l.reviews.CompletionRate(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	return counts, rate, nil
}

// Usage returns today's budget usage.
func (l *Labeler) Usage() budget.Usage { return l.guard.Usage() }

// HumanQueue returns the queue reviews are routed to.
func (l *Labeler) HumanQueue() storage.HumanQueue { return l.queue }

// Reviews returns the review repository.
func (l *Labeler) Reviews() *repository.ReviewRepository { return l.reviews }

// Labels returns the label repository.
func (l *Labeler) Labels() *repository.LabelRepository { return l.labels }

// Registry returns the backend registry.
func (l *Labeler) Registry() *storage.Registry { return l.registry }

// Server returns the admin API server.
func (l *Labeler) Server() *api.Server { return l.server }
