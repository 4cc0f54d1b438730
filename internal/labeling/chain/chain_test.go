package chain

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
	"github.com/vietddude/reviewradar/internal/labeling/provider"
)

// scripted returns the queued results in order, then repeats the last one.
type scripted struct {
	name    string
	cost    float64
	delay   time.Duration
	results []error
	// billed makes failed calls report their cost too.
	billed bool

	mu    sync.Mutex
	calls int
}

func (s *scripted) Name() string             { return s.name }
func (s *scripted) EstimateCost(int) float64 { return s.cost }
func (s *scripted) Close() error             { return nil }

func (s *scripted) Label(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var err error
	if len(s.results) > 0 {
		if i >= len(s.results) {
			i = len(s.results) - 1
		}
		err = s.results[i]
	}
	if err != nil {
		if s.billed {
			return &provider.Response{Cost: s.cost, Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}}, err
		}
		return nil, err
	}
	return &provider.Response{
		Label: &domain.LabelResult{OverallSentiment: domain.SentimentPositive},
		Cost:  s.cost,
		Usage: provider.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var (
	errTransient = errors.New("503 service unavailable")
	errPermanent = errors.New("401 unauthorized")
)

var fastRetry = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        5 * time.Millisecond,
	BackoffMultiple: 2,
	CallTimeout:     time.Second,
}

func TestLabelOne_FallbackExhaustion(t *testing.T) {
	a := &scripted{name: "a", results: []error{errTransient}}
	b := &scripted{name: "b", results: []error{errTransient}}
	g := budget.New(budget.Config{DailyBudget: 10})
	c := New([]provider.Provider{a, b}, fastRetry, g, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	assert.True(t, out.Exhausted)
	assert.False(t, out.Succeeded())
	assert.Equal(t, 3, a.Calls())
	assert.Equal(t, 3, b.Calls())
	assert.Equal(t, 6, out.Attempts)
	assert.Len(t, out.Errors, 6)
	// Failed calls are still recorded.
	assert.Len(t, g.Records(), 6)
	for _, err := range out.Errors {
		assert.ErrorIs(t, err, domain.ErrTransientProvider)
	}
}

func TestLabelOne_PermanentAdvancesImmediately(t *testing.T) {
	a := &scripted{name: "a", results: []error{errPermanent}}
	b := &scripted{name: "b", cost: 0.002}
	c := New([]provider.Provider{a, b}, fastRetry, nil, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	require.True(t, out.Succeeded())
	assert.Equal(t, "b", out.Provider)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 2, out.Attempts)
	assert.InDelta(t, 0.002, out.Cost, 1e-12)
}

func TestLabelOne_RecordsCostOfUnusableReply(t *testing.T) {
	unusable := domain.NewPermanentError("a", provider.ErrUnparseable)
	a := &scripted{name: "a", cost: 0.004, billed: true, results: []error{unusable}}
	g := budget.New(budget.Config{DailyBudget: 1})
	c := New([]provider.Provider{a}, fastRetry, g, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	assert.True(t, out.Exhausted)
	assert.Equal(t, 1, out.Attempts)
	assert.InDelta(t, 0.004, out.Cost, 1e-12)
	assert.InDelta(t, 0.004, g.Total(), 1e-12)
	records := g.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, 15, records[0].Units)
	assert.Equal(t, 10, out.InputTokens)
	assert.Equal(t, 5, out.OutputTokens)
}

func TestLabelOne_HonorsRetryAfterUpToMaxDelay(t *testing.T) {
	hinted := domain.NewTransientError("a", errTransient)
	hinted.RetryAfter = time.Hour
	a := &scripted{name: "a", results: []error{hinted, nil}}
	cfg := fastRetry
	cfg.MaxDelay = 20 * time.Millisecond
	c := New([]provider.Provider{a}, cfg, nil, nil)

	start := time.Now()
	out := c.LabelOne(context.Background(), "text", []string{"price"})
	elapsed := time.Since(start)

	require.True(t, out.Succeeded())
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestLabelOne_RetryThenSuccess(t *testing.T) {
	a := &scripted{name: "a", cost: 0.001, results: []error{errTransient, nil}}
	b := &scripted{name: "b"}
	c := New([]provider.Provider{a, b}, fastRetry, nil, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	require.True(t, out.Succeeded())
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, 0, b.Calls())
}

func TestLabelOne_BudgetDeniedMakesNoCall(t *testing.T) {
	a := &scripted{name: "a", cost: 0.5}
	g := budget.New(budget.Config{DailyBudget: 0.1})
	c := New([]provider.Provider{a}, fastRetry, g, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	assert.True(t, out.BudgetDenied)
	assert.False(t, out.Exhausted)
	assert.Equal(t, 0, a.Calls())
	assert.ErrorIs(t, out.Errors[0], domain.ErrBudgetExceeded)
}

func TestLabelOne_TimeoutIsTransient(t *testing.T) {
	slow := &scripted{name: "slow", delay: 200 * time.Millisecond}
	fast := &scripted{name: "fast"}
	cfg := fastRetry
	cfg.MaxAttempts = 2
	cfg.CallTimeout = 10 * time.Millisecond
	c := New([]provider.Provider{slow, fast}, cfg, nil, nil)

	out := c.LabelOne(context.Background(), "text", []string{"price"})

	require.True(t, out.Succeeded())
	assert.Equal(t, "fast", out.Provider)
	assert.Equal(t, 2, slow.Calls(), "timeouts are retried")
	assert.ErrorIs(t, out.Errors[0], domain.ErrTransientProvider)
	assert.ErrorIs(t, out.Errors[0], context.DeadlineExceeded)
}

func TestLabelOne_InFlightCallSurvivesCancel(t *testing.T) {
	a := &scripted{name: "a", delay: 30 * time.Millisecond}
	c := New([]provider.Provider{a}, fastRetry, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	out := c.LabelOne(ctx, "text", []string{"price"})
	assert.True(t, out.Succeeded())
}

func TestLabelOne_CancelDuringBackoff(t *testing.T) {
	a := &scripted{name: "a", results: []error{errTransient}}
	cfg := fastRetry
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second
	c := New([]provider.Provider{a}, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := c.LabelOne(ctx, "text", []string{"price"})
	assert.True(t, out.Canceled)
	assert.Equal(t, 1, a.Calls())
}

func TestLabelOne_NoProviders(t *testing.T) {
	out := New(nil, fastRetry, nil, nil).LabelOne(context.Background(), "text", []string{"price"})
	assert.True(t, out.Exhausted)
	assert.Equal(t, 0, out.Attempts)
}

func TestLabelMany_StopsPaidCallsAfterDenial(t *testing.T) {
	a := &scripted{name: "a", cost: 0.25}
	g := budget.New(budget.Config{DailyBudget: 0.5})
	c := New([]provider.Provider{a}, fastRetry, g, nil)

	outs := c.LabelMany(context.Background(), []string{"1", "2", "3", "4"}, []string{"price"})

	require.Len(t, outs, 4)
	assert.True(t, outs[0].Succeeded())
	assert.True(t, outs[1].Succeeded())
	assert.True(t, outs[2].BudgetDenied)
	assert.True(t, outs[3].BudgetDenied)
	assert.Equal(t, 2, a.Calls())
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffMultiple: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{4, 3200 * time.Millisecond},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestEstimatedCost(t *testing.T) {
	c := New([]provider.Provider{&scripted{name: "a", cost: 0.003}, &scripted{name: "b", cost: 1}}, fastRetry, nil, nil)
	assert.Equal(t, 0.003, c.EstimatedCost(100))
	assert.Equal(t, []string{"a", "b"}, c.Providers())
	assert.Equal(t, 0.0, New(nil, fastRetry, nil, nil).EstimatedCost(100))
}
