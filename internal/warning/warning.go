// Package warning maps risk scores to warning levels and maintains the
// per-member LEVEL_3 counters that persist across cycles.
//
// Counters only ever go up here. A level is recomputed from scratch every
// cycle and may drop; the counter and the enforcement it unlocks do not.
// The only path that lowers a counter is the administrative reset in the
// store.
package warning

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

// Config holds the ascending level thresholds and the escalation count.
type Config struct {
	Level1          float64
	Level2          float64
	Level3          float64
	EscalationCount int
}

// Classify returns the level for a score. Thresholds are inclusive.
func (c Config) Classify(score float64) ir.WarningLevel {
	switch {
	case score >= c.Level3:
		return ir.WarningLevel3
	case score >= c.Level2:
		return ir.WarningLevel2
	case score >= c.Level1:
		return ir.WarningLevel1
	default:
		return ir.WarningNone
	}
}

// Result is the output of one evaluation.
type Result struct {
	Levels      map[string]ir.WarningLevel
	Counts      ir.WarningCounts
	Enforcement map[string]bool

	// Excluded lists enforced members in balance order.
	Excluded []string
}

// Evaluate classifies every member of balances and derives the new counter
// record from prior. prior is not modified; the returned record keeps
// prior's version so the writer can detect concurrent updates.
//
// A member is enforced when its counter has reached EscalationCount and it
// currently owes money. A member who is owed money is never enforced.
func (c Config) Evaluate(balances ir.Balances, scores map[string]float64, prior ir.WarningCounts) Result {
	res := Result{
		Levels:      make(map[string]ir.WarningLevel, len(balances)),
		Counts:      prior.Clone(),
		Enforcement: make(map[string]bool, len(balances)),
		Excluded:    make([]string, 0),
	}

	for _, b := range balances {
		level := c.Classify(scores[b.UserID])
		res.Levels[b.UserID] = level

		if level.IsTop() {
			res.Counts.Counts[b.UserID]++
		}

		enforce := c.Enforced(res.Counts.Get(b.UserID), b.Amount)
		res.Enforcement[b.UserID] = enforce
		if enforce {
			res.Excluded = append(res.Excluded, b.UserID)
		}
	}
	return res
}

// Enforced reports whether a member with count top-level warnings and the
// given balance is subject to enforcement.
func (c Config) Enforced(count int, bal decimal.Decimal) bool {
	return c.EscalationCount > 0 && count >= c.EscalationCount && bal.IsNegative()
}
