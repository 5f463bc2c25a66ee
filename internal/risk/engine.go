package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/puffpass/paycore/internal/metrics"
	"github.com/puffpass/paycore/internal/ratelimit"
	"github.com/puffpass/paycore/internal/traces"
)

// Engine scores payments against recorded history, a blocklist, and
// heuristic checks. Construct one per process and inject it; all state is
// owned by the instance, guarded by a single mutex (contention is low — every
// operation is a handful of map lookups).
type Engine struct {
	mu       sync.Mutex
	history  map[string][]TransactionContext // lowercased sender → recent transactions
	blocked  map[string]string               // lowercased address → block reason
	patterns map[string]int                  // "from:to" → flagged-check count

	limiter       *ratelimit.Limiter
	paymentMax    int
	paymentWindow time.Duration
	logger        *slog.Logger
	loc           *time.Location
}

// NewEngine creates a risk scoring engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		history:       make(map[string][]TransactionContext),
		blocked:       make(map[string]string),
		patterns:      make(map[string]int),
		limiter:       ratelimit.NewLimiter(paymentRateMax, paymentRateWindow),
		paymentMax:    paymentRateMax,
		paymentWindow: paymentRateWindow,
		logger:        logger,
		loc:           time.Local,
	}
}

// WithLocation overrides the location used for the unusual-hour check.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	e.loc = loc
	return e
}

// WithPaymentLimit overrides the per-sender submission rate limit.
func (e *Engine) WithPaymentLimit(max int, window time.Duration) *Engine {
	e.paymentMax = max
	e.paymentWindow = window
	return e
}

// Evaluate scores a payment. Checks run in order; the blocklist, amount
// sanity, and rate-limit checks are terminal and return immediately. All
// other checks accumulate weighted flags, the transaction is recorded into
// history, and the decision falls out of the accumulated score.
func (e *Engine) Evaluate(ctx context.Context, tx TransactionContext) Assessment {
	_, span := traces.StartSpan(ctx, "risk.evaluate",
		traces.FromAddr(tx.From),
		traces.ToAddr(tx.To),
		traces.Amount(tx.Amount),
	)
	defer span.End()

	from := strings.ToLower(tx.From)
	to := strings.ToLower(tx.To)
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Terminal checks: blocked sender and nonsense amounts are certain
	// rejections, scored 100 regardless of anything else.
	if _, isBlocked := e.blocked[from]; isBlocked {
		return e.reject(tx, Assessment{
			Reason:    "sender address is blocked",
			RiskScore: 100,
			Flags:     []string{FlagBlockedAddress},
		})
	}
	if tx.Amount <= 0 {
		return e.reject(tx, Assessment{
			Reason:    "amount must be positive",
			RiskScore: 100,
			Flags:     []string{FlagInvalidAmount},
		})
	}

	score := 0
	var flags []string

	if tx.Amount > largeAmountThreshold {
		flags = append(flags, FlagLargeTransaction)
		score += weightLargeTransaction
	}

	// Per-sender rate limit is terminal: a sender hammering the endpoint is
	// rejected outright, independent of the scoring accumulation.
	if !e.limiter.AllowN("payment:"+from, e.paymentMax, e.paymentWindow) {
		return e.reject(tx, Assessment{
			Reason:    "too many payments from this address",
			RiskScore: 80,
			Flags:     append(flags, FlagRateLimited),
		})
	}

	recent := e.history[from]

	// Velocity: transactions in the last 5 minutes, counting this one.
	inWindow := 1
	for _, prev := range recent {
		if tx.Timestamp.Sub(prev.Timestamp) <= velocityWindow {
			inWindow++
		}
	}
	if inWindow >= velocityThreshold {
		flags = append(flags, FlagHighVelocity)
		score += weightHighVelocity
	}

	// Repeated amounts: near-identical values suggest probing or structuring.
	similar := 0
	for _, prev := range recent {
		if math.Abs(prev.Amount-tx.Amount) < amountEpsilon {
			similar++
		}
	}
	if similar >= repeatThreshold {
		flags = append(flags, FlagRepeatedAmount)
		score += weightRepeatedAmount
	}

	// Fan-out: one sender spraying many recipients.
	recipients := make(map[string]struct{}, len(recent))
	for _, prev := range recent {
		recipients[strings.ToLower(prev.To)] = struct{}{}
	}
	if len(recipients) >= fanOutThreshold {
		flags = append(flags, FlagMultipleRecipients)
		score += weightMultipleRecipients
	}

	// Repeat offender: this pair has been flagged before.
	pairKey := from + ":" + to
	if e.patterns[pairKey] >= patternThreshold {
		flags = append(flags, FlagSuspiciousPattern)
		score += weightSuspiciousPattern
	}

	if from == to {
		flags = append(flags, FlagSelfTransfer)
		score += weightSelfTransfer
	}

	hour := tx.Timestamp.In(e.loc).Hour()
	if hour >= 2 && hour <= 5 {
		flags = append(flags, FlagUnusualTime)
		score += weightUnusualTime
	}

	// Record regardless of outcome, capped per address, oldest evicted first.
	recent = append(recent, tx)
	if len(recent) > maxHistoryPerAddress {
		recent = recent[len(recent)-maxHistoryPerAddress:]
	}
	e.history[from] = recent

	// Weights stack; the reported score never exceeds 100.
	if score > 100 {
		score = 100
	}

	span.SetAttributes(traces.RiskScore(score))

	result := Assessment{
		Passed:    score < PassThreshold,
		RiskScore: score,
		Flags:     flags,
	}
	for _, f := range flags {
		metrics.RiskFlagsTotal.WithLabelValues(f).Inc()
	}

	if result.Passed {
		metrics.RiskDecisionsTotal.WithLabelValues("passed").Inc()
		return result
	}

	result.Reason = "risk score too high"
	e.patterns[pairKey]++

	if score >= AutoBlockThreshold {
		e.blocked[from] = fmt.Sprintf("auto-blocked: risk score %d at %s", score, tx.Timestamp.UTC().Format(time.RFC3339))
		metrics.AutoBlocksTotal.Inc()
		metrics.BlockedAddresses.Set(float64(len(e.blocked)))
		e.logger.Warn("address auto-blocked",
			"address", from,
			"risk_score", score,
			"flags", flags,
		)
	}

	metrics.RiskDecisionsTotal.WithLabelValues("flagged").Inc()
	e.logger.Info("payment flagged",
		"from", from,
		"to", to,
		"amount", tx.Amount,
		"risk_score", score,
		"flags", flags,
	)
	return result
}

// reject finalizes a terminal rejection. Caller holds the lock.
func (e *Engine) reject(tx TransactionContext, a Assessment) Assessment {
	a.Passed = false
	metrics.RiskDecisionsTotal.WithLabelValues("flagged").Inc()
	for _, f := range a.Flags {
		metrics.RiskFlagsTotal.WithLabelValues(f).Inc()
	}
	e.logger.Info("payment flagged",
		"from", strings.ToLower(tx.From),
		"to", strings.ToLower(tx.To),
		"amount", tx.Amount,
		"risk_score", a.RiskScore,
		"flags", a.Flags,
	)
	return a
}

// BlockAddress adds an address to the blocklist.
func (e *Engine) BlockAddress(address, reason string) {
	addr := strings.ToLower(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked[addr] = reason
	metrics.BlockedAddresses.Set(float64(len(e.blocked)))
	e.logger.Info("address blocked", "address", addr, "reason", reason)
}

// UnblockAddress removes an address from the blocklist.
func (e *Engine) UnblockAddress(address string) {
	addr := strings.ToLower(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blocked, addr)
	metrics.BlockedAddresses.Set(float64(len(e.blocked)))
	e.logger.Info("address unblocked", "address", addr)
}

// IsBlocked reports whether an address is on the blocklist.
func (e *Engine) IsBlocked(address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocked[strings.ToLower(address)]
	return ok
}

// Stats returns recorded activity for an address, with a coarse approximate
// risk bucket derived from recent volume.
func (e *Engine) Stats(address string) AddressStats {
	addr := strings.ToLower(address)
	cutoff := time.Now().Add(-24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.history[addr]
	recent := 0
	for _, tx := range entries {
		if tx.Timestamp.After(cutoff) {
			recent++
		}
	}

	approx := 20
	switch {
	case recent > 10:
		approx = 60
	case recent > 5:
		approx = 40
	}

	_, blocked := e.blocked[addr]
	return AddressStats{
		TotalTransactions:    len(entries),
		RecentTransactions:   recent,
		ApproximateRiskScore: approx,
		Blocked:              blocked,
	}
}

// SweepHistory drops history entries older than the retention window,
// removes addresses left with no history, and sweeps the internal rate
// limiter. Returns the number of entries dropped. Driven by the Timer.
func (e *Engine) SweepHistory(now time.Time) int {
	cutoff := now.Add(-historyRetention)

	e.mu.Lock()
	dropped := 0
	for addr, entries := range e.history {
		kept := entries[:0]
		for _, tx := range entries {
			if tx.Timestamp.After(cutoff) {
				kept = append(kept, tx)
			}
		}
		dropped += len(entries) - len(kept)
		if len(kept) == 0 {
			delete(e.history, addr)
		} else {
			e.history[addr] = kept
		}
	}
	e.mu.Unlock()

	e.limiter.Sweep()
	return dropped
}
