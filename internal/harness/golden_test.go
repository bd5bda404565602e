package harness

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settler/internal/ir"
)

func TestSummary_Cycle(t *testing.T) {
	rec := &ir.CycleRecord{
		ID:               "cycle-7",
		GroupID:          "g1",
		Number:           2,
		Status:           ir.CycleCompletedWithErrors,
		SettlementStatus: ir.SettlementPending,
		CurrencyTag:      "USD",
		Precision:        2,
		Balances: ir.Balances{
			{UserID: "A", Amount: decimal.RequireFromString("1234.5")},
			{UserID: "B", Amount: decimal.RequireFromString("-1234.5")},
		},
		Settlements: []ir.Settlement{
			{FromUserID: "B", ToUserID: "A", Amount: decimal.RequireFromString("1234.5")},
		},
		RiskScores:       map[string]float64{"A": 0.1, "B": 0.9},
		WarningLevels:    map[string]ir.WarningLevel{"A": ir.WarningNone, "B": ir.WarningLevel3},
		WarningCounts:    map[string]int{"B": 4, "Z": 0},
		EnforcementFlags: map[string]bool{"B": true},
		GovernanceActions: []ir.GovernanceAction{
			{UserID: "B", DeductWallet: true, AmountToDeduct: decimal.RequireFromString("1234.5"), RemoveUser: true},
		},
		ExecutionResults: []ir.ExecutionResult{
			{ActionID: "cycle-7:deduction:B", Kind: ir.DirectiveDeduction, UserID: "B", Success: true, ExternalReference: "ref"},
			{ActionID: "cycle-7:removal:B", Kind: ir.DirectiveRemoval, UserID: "B", Error: "frozen"},
		},
		Explanation:         "Explanation unavailable for this cycle.",
		ExplanationFallback: true,
	}

	result := NewResult()
	result.AddEvent(TraceEvent{Type: EventCycle, Group: "g1", Record: rec})

	want := `scenario: sample

[1] cycle g1 #2 completed-with-errors, settlements pending
  balances: A $1,234.50, B -$1,234.50
  transfers: B -> A $1,234.50
  scores: A 0.100 NONE, B 0.900 LEVEL_3
  counts: B 4
  enforced: B
  governance: B deduct $1,234.50 + remove
  ledger: deduction B ok, removal B failed (frozen)
  explanation (fallback):
    | Explanation unavailable for this cycle.
`
	assert.Equal(t, want, Summary("sample", result))
}

func TestSummary_FailuresAndErrors(t *testing.T) {
	result := NewResult()
	result.AddEvent(TraceEvent{Type: EventReset, Group: "g1", User: "C"})
	result.AddEvent(TraceEvent{Type: EventCycle, Group: "ghost", Error: "INVALID_GROUP_STATE"})
	result.AddEvent(TraceEvent{Type: EventExecute, Group: "g1", Cycle: 3, Error: "cycle settlements are not pending"})
	result.AddError("steps[1]: no event for group \"g9\"\n")

	want := `scenario: broken

[1] reset g1 C

[2] cycle ghost failed: INVALID_GROUP_STATE

[3] execute g1 #3 failed: cycle settlements are not pending

errors:
- steps[1]: no event for group "g9"
`
	assert.Equal(t, want, Summary("broken", result))
}

func TestSummary_Execute(t *testing.T) {
	rec := &ir.CycleRecord{
		SettlementStatus: ir.SettlementFailed,
		SettlementResults: []ir.ExecutionResult{
			{Kind: ir.DirectiveSettlement, UserID: "B", Error: "wallet frozen"},
			{Kind: ir.DirectiveSettlement, UserID: "C", Success: true},
		},
	}
	result := NewResult()
	result.AddEvent(TraceEvent{Type: EventExecute, Group: "g1", Cycle: 1, Record: rec, Error: "LEDGER_PARTIAL_FAILURE"})

	want := `scenario: payout

[1] execute g1 #1 settlements failed
  error: LEDGER_PARTIAL_FAILURE
  payouts: settlement B failed (wallet frozen), settlement C ok
`
	assert.Equal(t, want, Summary("payout", result))
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "escalation.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	AssertGolden(t, "escalation", result)
}

func TestJoinOrNone(t *testing.T) {
	assert.Equal(t, "none", joinOrNone(nil))
	assert.Equal(t, "a, b", joinOrNone([]string{"a", "b"}))
}
