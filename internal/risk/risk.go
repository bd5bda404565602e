// Package risk scores members on weighted behavioral factors.
//
// Scoring is a pure function of the balances, the payment history and the
// warning counts persisted by earlier cycles. Every factor is clamped to
// [0,1] before weighting; the weighted sum is clamped again and rounded to
// three decimals.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

// Weights of the four factors. Weights are non-negative and sum to 1.
type Weights struct {
	Late        float64 `json:"late"`
	Outstanding float64 `json:"outstanding"`
	Warning     float64 `json:"warning"`
	Missed      float64 `json:"missed"`
}

// Config carries everything the engine needs.
type Config struct {
	Weights Weights

	// OutstandingThreshold is the absolute balance at which the outstanding
	// factor saturates.
	OutstandingThreshold decimal.Decimal

	// WarningCap and MissedCap saturate the warning and missed factors.
	WarningCap int
	MissedCap  int
}

// Factors is the per-member breakdown, each in [0,1].
type Factors struct {
	Outstanding float64 `json:"outstanding"`
	Late        float64 `json:"late"`
	Warning     float64 `json:"warning"`
	Missed      float64 `json:"missed"`
}

// Score combines factors with weights, clamps to [0,1] and rounds to 3 decimals.
func Score(f Factors, w Weights) float64 {
	s := w.Late*f.Late +
		w.Outstanding*f.Outstanding +
		w.Warning*f.Warning +
		w.Missed*f.Missed
	return math.Round(clamp(s)*1000) / 1000
}

// Compute returns the factor breakdown for one member.
func (c Config) Compute(userID string, bal decimal.Decimal, history ir.History, prior ir.WarningCounts) Factors {
	return Factors{
		Outstanding: c.outstanding(bal),
		Late:        lateRatio(history.Payments[userID]),
		Warning:     capped(prior.Get(userID), c.WarningCap),
		Missed:      capped(history.MissedSettlements[userID], c.MissedCap),
	}
}

// Scores computes the risk score for every member in balances.
func (c Config) Scores(balances ir.Balances, history ir.History, prior ir.WarningCounts) map[string]float64 {
	out := make(map[string]float64, len(balances))
	for _, b := range balances {
		out[b.UserID] = Score(c.Compute(b.UserID, b.Amount, history, prior), c.Weights)
	}
	return out
}

func (c Config) outstanding(bal decimal.Decimal) float64 {
	if !c.OutstandingThreshold.IsPositive() {
		if bal.IsZero() {
			return 0
		}
		return 1
	}
	ratio := bal.Abs().Div(c.OutstandingThreshold)
	if ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return 1
	}
	return ratio.InexactFloat64()
}

func lateRatio(payments []ir.Payment) float64 {
	if len(payments) == 0 {
		return 0
	}
	late := 0
	for _, p := range payments {
		if p.Late() {
			late++
		}
	}
	return clamp(float64(late) / float64(len(payments)))
}

func capped(n, limit int) float64 {
	if n <= 0 {
		return 0
	}
	if limit <= 0 || n >= limit {
		return 1
	}
	return float64(n) / float64(limit)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
