// Package explain renders prose about a cycle's finalized structured
// output. Nothing here feeds back into decisions: explainers only read the
// already computed balances, settlements, scores and levels.
package explain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/settler/internal/ir"
)

// ErrDisabled is returned by Disabled. The pipeline stores its fallback text.
var ErrDisabled = errors.New("explanation disabled")

// Input is the structured snapshot an explainer may describe.
type Input struct {
	GroupID         string                     `json:"group_id"`
	CycleNumber     int64                      `json:"cycle_number"`
	CurrencyTag     string                     `json:"currency_tag"`
	Precision       int32                      `json:"precision"`
	Balances        ir.Balances                `json:"balances"`
	Settlements     []ir.Settlement            `json:"settlements"`
	RiskScores      map[string]float64         `json:"risk_scores"`
	WarningLevels   map[string]ir.WarningLevel `json:"warning_levels"`
	ExcludedMembers []string                   `json:"excluded_members"`
}

// Explainer produces free text for a cycle or fails.
type Explainer interface {
	Explain(ctx context.Context, in Input) (string, error)
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Explain(context.Context, Input) (string, error) {
	return "", ErrDisabled
}

// Addendum summarizes ledger outcomes. It is attached to a cycle after
// execution, separately from the pre-execution explanation.
func Addendum(results []ir.ExecutionResult) string {
	if len(results) == 0 {
		return ""
	}
	failed := ir.FailedResults(results)

	var b strings.Builder
	fmt.Fprintf(&b, "Ledger execution: %d of %d actions succeeded.", len(results)-failed, len(results))
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "\n- %s %s: ok", r.Kind, r.UserID)
			if r.ExternalReference != "" {
				fmt.Fprintf(&b, " (%s)", r.ExternalReference)
			}
			continue
		}
		fmt.Fprintf(&b, "\n- %s %s: failed: %s", r.Kind, r.UserID, r.Error)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
