package ratelimit

import (
	"sync"
	"time"
)

// BudgetConfig configures a point-budget limiter.
type BudgetConfig struct {
	// Points is the consumable budget per window.
	Points int
	// Window is the accounting window for the budget.
	Window time.Duration
	// BlockDuration, if non-zero, is how long a key stays blocked after
	// exhausting its budget. The block outlives window boundaries.
	BlockDuration time.Duration
}

// budgetRecord tracks one key's consumption.
type budgetRecord struct {
	consumed      int
	windowResetAt time.Time
	blockedUntil  time.Time // zero if not blocked
}

// Budget is a point-budget limiter. Unlike the bucketed limiter, exhausting
// the budget triggers a cooldown independent of the nominal window, so a
// burst incurs an extended penalty instead of just waiting out the window.
type Budget struct {
	mu      sync.Mutex
	cfg     BudgetConfig
	records map[string]*budgetRecord
}

// Result is the outcome of a Consume call.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// BudgetStatus is the read-only standing of a key.
type BudgetStatus struct {
	Points    int       `json:"points"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// NewBudget creates a point-budget limiter.
func NewBudget(cfg BudgetConfig) *Budget {
	return &Budget{
		cfg:     cfg,
		records: make(map[string]*budgetRecord),
	}
}

// Preconfigured limiters for the recognized service classes.

// ForPayments throttles payment submission: 10 points per minute with a
// 5 minute penalty block on exhaustion.
func ForPayments() *Budget {
	return NewBudget(BudgetConfig{Points: 10, Window: time.Minute, BlockDuration: 5 * time.Minute})
}

// ForAPI throttles general API usage: 100 points per minute, no block.
func ForAPI() *Budget {
	return NewBudget(BudgetConfig{Points: 100, Window: time.Minute})
}

// ForAuth throttles authentication attempts: 5 per 5 minutes with a
// 15 minute penalty block.
func ForAuth() *Budget {
	return NewBudget(BudgetConfig{Points: 5, Window: 5 * time.Minute, BlockDuration: 15 * time.Minute})
}

// Consume attempts to spend points from a key's budget.
func (b *Budget) Consume(key string, points int) Result {
	if points <= 0 {
		points = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	rec, ok := b.records[key]

	// An active block dominates window logic until it elapses.
	if ok && rec.blockedUntil.After(now) {
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.blockedUntil}
	}

	if !ok || now.After(rec.windowResetAt) {
		rec = &budgetRecord{
			consumed:      points,
			windowResetAt: now.Add(b.cfg.Window),
		}
		b.records[key] = rec
		return Result{Allowed: true, Remaining: b.cfg.Points - points, ResetAt: rec.windowResetAt}
	}

	rec.consumed += points
	if rec.consumed > b.cfg.Points {
		resetAt := rec.windowResetAt
		if b.cfg.BlockDuration > 0 {
			rec.blockedUntil = now.Add(b.cfg.BlockDuration)
			resetAt = rec.blockedUntil
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	return Result{Allowed: true, Remaining: b.cfg.Points - rec.consumed, ResetAt: rec.windowResetAt}
}

// Reset clears all state for a key (administrative override).
func (b *Budget) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
}

// Status reports a key's standing without consuming points.
func (b *Budget) Status(key string) BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	rec, ok := b.records[key]
	if !ok {
		return BudgetStatus{Points: b.cfg.Points, Remaining: b.cfg.Points}
	}

	if rec.blockedUntil.After(now) {
		return BudgetStatus{Points: b.cfg.Points, Remaining: 0, ResetAt: rec.blockedUntil}
	}

	if now.After(rec.windowResetAt) {
		return BudgetStatus{Points: b.cfg.Points, Remaining: b.cfg.Points}
	}

	remaining := b.cfg.Points - rec.consumed
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{Points: b.cfg.Points, Remaining: remaining, ResetAt: rec.windowResetAt}
}

// Sweep removes records whose window and block have both elapsed.
func (b *Budget) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range b.records {
		if now.After(rec.windowResetAt) && !rec.blockedUntil.After(now) {
			delete(b.records, key)
			removed++
		}
	}
	return removed
}
