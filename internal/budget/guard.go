// Package budget keeps the provider cost ledger and gates paid calls on a daily budget.
package budget

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/labeling/metrics"
)

// Usage holds budget usage statistics.
type Usage struct {
	SpentToday      float64   `json:"spent_today"`
	Reserved        float64   `json:"reserved"`
	DailyBudget     float64   `json:"daily_budget"`
	Remaining       float64   `json:"remaining"`
	UsagePercentage float64   `json:"usage_percentage"`
	TotalSpent      float64   `json:"total_spent"`
	Calls           int       `json:"calls"`
	Alerted         bool      `json:"alerted"`
	NextResetAt     time.Time `json:"next_reset_at"`
}

// Config holds budget configuration.
type Config struct {
	// DailyBudget is the hard USD cap per day.
	DailyBudget float64
	// AlertThreshold is a fraction of DailyBudget. Zero disables the alert.
	AlertThreshold float64
	// OnAlert runs in its own goroutine, once per period.
	OnAlert func(Usage)

	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Ticket is a reservation handed out by EstimateAndCheck.
type Ticket struct {
	id       uint64
	Expected float64
}

// Guard is the cost ledger plus budget gate. The check and the record happen
// under one lock, and allowed checks reserve their expected cost, so concurrent
// callers cannot jointly overspend.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	spentToday   float64
	reserved     float64
	reservations map[uint64]float64
	nextTicket   uint64
	calls        int
	alerted      bool
	resetTime    time.Time

	ledger []domain.CostRecord
	total  float64
}

// epsilon absorbs float rounding in sums of per-call costs.
const epsilon = 1e-9

func New(cfg Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	g := &Guard{
		cfg:          cfg,
		reservations: make(map[uint64]float64),
	}
	g.resetTime = nextMidnight(cfg.Now())
	return g
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// EstimateAndCheck allows a call iff spent + reserved + expected <= budget.
// An allowed call holds a reservation until RecordActual or Release.
func (g *Guard) EstimateAndCheck(expected float64) (Ticket, bool) {
	if expected < 0 {
		expected = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeResetLocked()

	if g.spentToday+g.reserved+expected > g.cfg.DailyBudget+epsilon {
		metrics.BudgetDenials.Inc()
		g.cfg.Logger.Warn("Budget denied provider call",
			"spent_today", g.spentToday,
			"reserved", g.reserved,
			"expected", expected,
			"daily_budget", g.cfg.DailyBudget)
		return Ticket{}, false
	}
	g.nextTicket++
	t := Ticket{id: g.nextTicket, Expected: expected}
	g.reservations[t.id] = expected
	g.reserved += expected
	return t, true
}

// RecordActual appends rec to the ledger and releases t's reservation.
// Every completed call is recorded, whether it succeeded or not.
func (g *Guard) RecordActual(t Ticket, rec domain.CostRecord) {
	if rec.Cost < 0 {
		rec.Cost = 0
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.cfg.Now()
	}

	g.mu.Lock()
	g.maybeResetLocked()
	g.releaseLocked(t)
	g.ledger = append(g.ledger, rec)
	g.total += rec.Cost
	g.spentToday += rec.Cost
	g.calls++
	usage := g.usageLocked()
	fire := g.shouldAlertLocked()
	g.mu.Unlock()

	metrics.CostSpent.WithLabelValues(rec.Provider).Add(rec.Cost)
	metrics.BudgetUsage.Set(usage.UsagePercentage)

	if fire {
		metrics.CostAlerts.Inc()
		g.cfg.Logger.Warn("Cost alert threshold crossed",
			"spent_today", usage.SpentToday,
			"daily_budget", usage.DailyBudget,
			"threshold", g.cfg.AlertThreshold)
		if g.cfg.OnAlert != nil {
			go g.cfg.OnAlert(usage)
		}
	}
}

// Release drops a reservation for a call that was never made.
func (g *Guard) Release(t Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(t)
}

func (g *Guard) releaseLocked(t Ticket) {
	if amount, ok := g.reservations[t.id]; ok {
		delete(g.reservations, t.id)
		g.reserved -= amount
		if g.reserved < 0 {
			g.reserved = 0
		}
	}
}

func (g *Guard) shouldAlertLocked() bool {
	if g.alerted || g.cfg.AlertThreshold <= 0 || g.cfg.DailyBudget <= 0 {
		return false
	}
	if g.spentToday >= g.cfg.AlertThreshold*g.cfg.DailyBudget {
		g.alerted = true
		return true
	}
	return false
}

func (g *Guard) maybeResetLocked() {
	now := g.cfg.Now()
	if now.Before(g.resetTime) {
		return
	}
	g.cfg.Logger.Info("Daily budget period reset", "spent", g.spentToday, "calls", g.calls)
	g.spentToday = 0
	g.calls = 0
	g.alerted = false
	g.resetTime = nextMidnight(now)
}

// Usage returns usage statistics for the current period.
func (g *Guard) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeResetLocked()
	return g.usageLocked()
}

func (g *Guard) usageLocked() Usage {
	remaining := g.cfg.DailyBudget - g.spentToday - g.reserved
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if g.cfg.DailyBudget > 0 {
		pct = g.spentToday / g.cfg.DailyBudget * 100
	}
	return Usage{
		SpentToday:      g.spentToday,
		Reserved:        g.reserved,
		DailyBudget:     g.cfg.DailyBudget,
		Remaining:       remaining,
		UsagePercentage: pct,
		TotalSpent:      g.total,
		Calls:           g.calls,
		Alerted:         g.alerted,
		NextResetAt:     g.resetTime,
	}
}

// Total is the sum of every ledger entry.
func (g *Guard) Total() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Records returns a copy of the ledger in append order.
func (g *Guard) Records() []domain.CostRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.CostRecord, len(g.ledger))
	copy(out, g.ledger)
	return out
}
