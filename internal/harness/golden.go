package harness

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/money"
)

// Summary renders a scenario result as stable text for golden comparison.
// Cycle ids and ledger references are left out: both depend on the order
// in which parallel groups draw ids.
func Summary(name string, result *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	for _, e := range result.Trace {
		b.WriteString("\n")
		switch e.Type {
		case EventImport:
			fmt.Fprintf(&b, "[%d] import %s\n", e.Seq, e.Group)
		case EventReset:
			fmt.Fprintf(&b, "[%d] reset %s %s\n", e.Seq, e.Group, e.User)
		case EventCycle:
			writeCycle(&b, e)
		case EventExecute:
			writeExecute(&b, e)
		}
	}

	if !result.Pass {
		b.WriteString("\nerrors:\n")
		for _, msg := range result.Errors {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(msg))
		}
	}
	return b.String()
}

func writeCycle(b *strings.Builder, e TraceEvent) {
	rec := e.Record
	if rec == nil {
		fmt.Fprintf(b, "[%d] cycle %s failed: %s\n", e.Seq, e.Group, e.Error)
		return
	}
	fmt.Fprintf(b, "[%d] cycle %s #%d %s, settlements %s\n", e.Seq, e.Group, rec.Number, rec.Status, rec.SettlementStatus)
	if e.Error != "" {
		fmt.Fprintf(b, "  error: %s\n", e.Error)
	}

	amount := func(d ir.Balance) string {
		return d.UserID + " " + money.Format(d.Amount, rec.CurrencyTag, rec.Precision)
	}
	var parts []string
	for _, bal := range rec.Balances {
		parts = append(parts, amount(bal))
	}
	fmt.Fprintf(b, "  balances: %s\n", joinOrNone(parts))

	parts = parts[:0]
	for _, s := range rec.Settlements {
		parts = append(parts, fmt.Sprintf("%s -> %s %s", s.FromUserID, s.ToUserID, money.Format(s.Amount, rec.CurrencyTag, rec.Precision)))
	}
	fmt.Fprintf(b, "  transfers: %s\n", joinOrNone(parts))

	parts = parts[:0]
	for _, bal := range rec.Balances {
		parts = append(parts, fmt.Sprintf("%s %.3f %s", bal.UserID, rec.RiskScores[bal.UserID], rec.WarningLevels[bal.UserID]))
	}
	fmt.Fprintf(b, "  scores: %s\n", joinOrNone(parts))

	users := make([]string, 0, len(rec.WarningCounts))
	for user, n := range rec.WarningCounts {
		if n > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	parts = parts[:0]
	for _, user := range users {
		parts = append(parts, fmt.Sprintf("%s %d", user, rec.WarningCounts[user]))
	}
	fmt.Fprintf(b, "  counts: %s\n", joinOrNone(parts))
	fmt.Fprintf(b, "  enforced: %s\n", joinOrNone(enforcedMembers(rec)))

	parts = parts[:0]
	for _, a := range rec.GovernanceActions {
		var effects []string
		if a.DeductWallet {
			effects = append(effects, "deduct "+money.Format(a.AmountToDeduct, rec.CurrencyTag, rec.Precision))
		}
		if a.RemoveUser {
			effects = append(effects, "remove")
		}
		parts = append(parts, a.UserID+" "+strings.Join(effects, " + "))
	}
	fmt.Fprintf(b, "  governance: %s\n", joinOrNone(parts))
	fmt.Fprintf(b, "  ledger: %s\n", joinOrNone(outcomes(rec.ExecutionResults)))

	label := "explanation"
	if rec.ExplanationFallback {
		label = "explanation (fallback)"
	}
	fmt.Fprintf(b, "  %s:\n", label)
	for _, line := range strings.Split(strings.TrimRight(rec.Explanation, "\n"), "\n") {
		fmt.Fprintf(b, "    | %s\n", line)
	}
}

func writeExecute(b *strings.Builder, e TraceEvent) {
	if e.Record == nil {
		fmt.Fprintf(b, "[%d] execute %s #%d failed: %s\n", e.Seq, e.Group, e.Cycle, e.Error)
		return
	}
	fmt.Fprintf(b, "[%d] execute %s #%d settlements %s\n", e.Seq, e.Group, e.Cycle, e.Record.SettlementStatus)
	if e.Error != "" {
		fmt.Fprintf(b, "  error: %s\n", e.Error)
	}
	fmt.Fprintf(b, "  payouts: %s\n", joinOrNone(outcomes(e.Record.SettlementResults)))
}

func outcomes(results []ir.ExecutionResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			out = append(out, fmt.Sprintf("%s %s ok", r.Kind, r.UserID))
			continue
		}
		out = append(out, fmt.Sprintf("%s %s failed (%s)", r.Kind, r.UserID, r.Error))
	}
	return out
}

func joinOrNone(parts []string) string {
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// RunWithGolden executes a scenario and compares its summary against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, []byte(Summary(scenarioName, result)))
}
