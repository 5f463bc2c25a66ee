// Package risk implements in-process fraud scoring for payment submission.
//
// Every payment is evaluated against an ordered set of heuristic checks:
// blocklist, amount sanity, per-address rate limit, velocity, repeated
// amounts, recipient fan-out, repeat-offender patterns, self-transfers, and
// unusual-hour activity. Each check contributes a weighted flag; scores range
// from 0 (clean) to 100 (certain fraud). Payments at or above the pass
// threshold are rejected before funds move.
package risk

import (
	"time"
)

// Risk flags raised by individual checks.
const (
	FlagBlockedAddress     = "BLOCKED_ADDRESS"
	FlagInvalidAmount      = "INVALID_AMOUNT"
	FlagLargeTransaction   = "LARGE_TRANSACTION"
	FlagRateLimited        = "RATE_LIMITED"
	FlagHighVelocity       = "HIGH_VELOCITY"
	FlagRepeatedAmount     = "REPEATED_AMOUNT"
	FlagMultipleRecipients = "MULTIPLE_RECIPIENTS"
	FlagSuspiciousPattern  = "SUSPICIOUS_PATTERN"
	FlagSelfTransfer       = "SELF_TRANSFER"
	FlagUnusualTime        = "UNUSUAL_TIME"
)

// Check weights and thresholds.
const (
	// PassThreshold is the score at which a payment is rejected.
	PassThreshold = 70
	// AutoBlockThreshold is the score at which the sender is blocked outright.
	AutoBlockThreshold = 90

	largeAmountThreshold = 10000.0
	amountEpsilon        = 0.01

	weightLargeTransaction   = 30
	weightHighVelocity       = 40
	weightRepeatedAmount     = 25
	weightMultipleRecipients = 35
	weightSuspiciousPattern  = 50
	weightSelfTransfer       = 20
	weightUnusualTime        = 15

	velocityWindow    = 5 * time.Minute
	velocityThreshold = 5
	repeatThreshold   = 3
	fanOutThreshold   = 10
	patternThreshold  = 3

	// Per-sender payment rate limit.
	paymentRateMax    = 10
	paymentRateWindow = time.Minute

	// History retention.
	maxHistoryPerAddress = 100
	historyRetention     = 7 * 24 * time.Hour
)

// TransactionContext carries the data needed to score a payment.
// Consumed by value; the engine never mutates it.
type TransactionContext struct {
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Assessment is the result of evaluating a single payment.
// Rejections are data, not errors: callers branch on Passed.
type Assessment struct {
	Passed    bool     `json:"passed"`
	Reason    string   `json:"reason,omitempty"`
	RiskScore int      `json:"riskScore"`
	Flags     []string `json:"flags"`
}

// AddressStats summarizes an address's recorded activity.
// ApproximateRiskScore is a coarse bucket derived from recent transaction
// count — a cheap proxy for dashboards, deliberately not a re-run of the
// full scoring algorithm.
type AddressStats struct {
	TotalTransactions    int  `json:"totalTransactions"`
	RecentTransactions   int  `json:"recentTransactions"`
	ApproximateRiskScore int  `json:"approximateRiskScore"`
	Blocked              bool `json:"blocked"`
}
