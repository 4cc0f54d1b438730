// Package chain calls labeling providers in priority order with retry and fallback.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/vietddude/reviewradar/internal/budget"
	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/labeling/metrics"
	"github.com/vietddude/reviewradar/internal/labeling/provider"
)

// RetryConfig defines retry behavior per provider.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	// CallTimeout bounds every provider call.
	CallTimeout time.Duration
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    200 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
	CallTimeout:     30 * time.Second,
}

// Gate is the budget check made before every provider call.
type Gate interface {
	EstimateAndCheck(expected float64) (budget.Ticket, bool)
	RecordActual(t budget.Ticket, rec domain.CostRecord)
}

// Outcome is the result of labeling one item.
type Outcome struct {
	Response *provider.Response
	// Provider names the provider that produced Response.
	Provider string
	Attempts int
	// Cost and the token counts sum every call made for the item, failed ones included.
	Cost         float64
	InputTokens  int
	OutputTokens int
	// Exhausted reports that no provider succeeded.
	Exhausted bool
	// BudgetDenied reports that the budget refused a call; no further calls were made.
	BudgetDenied bool
	// Canceled reports that ctx ended while waiting between attempts.
	Canceled bool
	Errors   []error
}

// Succeeded reports whether a provider returned a label.
func (o Outcome) Succeeded() bool { return o.Response != nil }

// Chain is an ordered, immutable list of providers.
type Chain struct {
	providers []provider.Provider
	cfg       RetryConfig
	gate      Gate
	logger    *slog.Logger
}

// New builds a chain. gate may be nil, in which case calls are not budgeted.
func New(providers []provider.Provider, cfg RetryConfig, gate Gate, logger *slog.Logger) *Chain {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiple <= 0 {
		cfg.BackoffMultiple = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRetryConfig.CallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers: append([]provider.Provider(nil), providers...),
		cfg:       cfg,
		gate:      gate,
		logger:    logger.With("component", "provider_chain"),
	}
}

// Providers returns the provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// EstimatedCost is what the first provider expects to charge for textLength characters.
func (c *Chain) EstimatedCost(textLength int) float64 {
	if len(c.providers) == 0 {
		return 0
	}
	return c.providers[0].EstimateCost(textLength)
}

// LabelOne labels text that is not tied to a stored review.
func (c *Chain) LabelOne(ctx context.Context, text string, aspects []string) Outcome {
	return c.LabelReview(ctx, 0, text, aspects)
}

// LabelMany labels texts in order. Once the budget denies a call, the remaining
// texts are reported as denied without calling any provider.
func (c *Chain) LabelMany(ctx context.Context, texts []string, aspects []string) []Outcome {
	out := make([]Outcome, len(texts))
	denied := false
	for i, text := range texts {
		if denied {
			out[i] = Outcome{BudgetDenied: true}
			continue
		}
		out[i] = c.LabelOne(ctx, text, aspects)
		denied = out[i].BudgetDenied
	}
	return out
}

// LabelReview walks the provider list for one review. Transient failures are
// retried with backoff on the same provider; permanent failures move straight to
// the next one. Provider calls are detached from ctx cancellation and bounded by
// CallTimeout instead.
func (c *Chain) LabelReview(ctx context.Context, reviewID int64, text string, aspects []string) Outcome {
	var out Outcome
	req := provider.Request{
		Text:         text,
		Aspects:      aspects,
		Instructions: provider.BuildInstructions(aspects),
	}

	for _, p := range c.providers {
		for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
			var ticket budget.Ticket
			if c.gate != nil {
				var ok bool
				ticket, ok = c.gate.EstimateAndCheck(p.EstimateCost(len(text)))
				if !ok {
					out.BudgetDenied = true
					out.Errors = append(out.Errors, domain.ErrBudgetExceeded)
					return out
				}
			}

			resp, err := c.call(ctx, p, req)
			out.Attempts++

			cost := 0.0
			rec := domain.CostRecord{Provider: p.Name(), ReviewID: reviewID, Success: err == nil}
			if resp != nil {
				cost = resp.Cost
				rec.Units = resp.Usage.InputTokens + resp.Usage.OutputTokens
				out.InputTokens += resp.Usage.InputTokens
				out.OutputTokens += resp.Usage.OutputTokens
			}
			rec.Cost = cost
			out.Cost += cost
			if c.gate != nil {
				c.gate.RecordActual(ticket, rec)
			}

			if err == nil {
				out.Response = resp
				out.Provider = p.Name()
				return out
			}
			out.Errors = append(out.Errors, err)

			if errors.Is(err, domain.ErrPermanentProvider) {
				c.logger.Warn("Provider failed permanently, falling back",
					"provider", p.Name(), "review_id", reviewID, "error", err)
				break
			}
			if attempt == c.cfg.MaxAttempts-1 {
				c.logger.Warn("Provider retries exhausted, falling back",
					"provider", p.Name(), "review_id", reviewID, "attempts", c.cfg.MaxAttempts, "error", err)
				break
			}

			delay := Backoff(attempt, c.cfg)
			if hint := domain.RetryAfter(err); hint > delay {
				delay = hint
				if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
					delay = c.cfg.MaxDelay
				}
			}
			c.logger.Debug("Retrying provider", "provider", p.Name(), "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				out.Canceled = true
				out.Errors = append(out.Errors, ctx.Err())
				return out
			case <-time.After(delay):
			}
		}
	}

	out.Exhausted = true
	return out
}

func (c *Chain) call(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Response, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Label(callCtx, req)
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		err = provider.Classify(p.Name(), err)
		result := "transient"
		if errors.Is(err, domain.ErrPermanentProvider) {
			result = "permanent"
		}
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), result).Inc()
		return resp, err
	}
	if resp == nil || resp.Label == nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "permanent").Inc()
		return resp, domain.NewPermanentError(p.Name(), provider.ErrUnparseable)
	}
	metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "success").Inc()
	if resp.Latency == 0 {
		resp.Latency = time.Since(start)
	}
	return resp, nil
}

// Backoff is InitialDelay * BackoffMultiple^attempt, capped at MaxDelay.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiple, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Close closes every provider.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
