package ir

import "time"

// GroupSnapshot is what a cycle loads before it starts: members in join
// order, unsettled expenses and payouts, and the persisted warning counters.
type GroupSnapshot struct {
	GroupID         string        `json:"group_id"`
	Name            string        `json:"name"`
	CurrencyTag     string        `json:"currency_tag"`
	Members         []Member      `json:"members"`
	Expenses        []Expense     `json:"expenses"`
	Payouts         []Payout      `json:"payouts"`
	WarningCounts   WarningCounts `json:"warning_counts"`
	NextCycleNumber int64         `json:"next_cycle_number"`
}

// SettlementStatus tracks payout of a cycle's settlement list.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementExecuted SettlementStatus = "executed"
	SettlementFailed   SettlementStatus = "failed"

	// SettlementSuperseded marks a pending cycle overtaken by a newer cycle
	// of the same group. The newer cycle nets the same open expenses, so
	// the older list must never be paid.
	SettlementSuperseded SettlementStatus = "superseded"
)

// SettlementOutcome is the result of paying out a cycle's settlements.
// Payouts lists the settlement transfers that succeeded. They stay open
// for the next cycle only when the payout as a whole failed.
type SettlementOutcome struct {
	Status  SettlementStatus
	Results []ExecutionResult
	Payouts []Payout
	At      time.Time
}

// CycleRecord is the archived outcome of one cycle.
type CycleRecord struct {
	ID               string           `json:"id"`
	GroupID          string           `json:"group_id"`
	Number           int64            `json:"number"`
	Status           CycleStatus      `json:"status"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	CurrencyTag      string           `json:"currency_tag"`
	Precision        int32            `json:"precision"`

	Members    []Member `json:"members"`
	ExpenseIDs []string `json:"expense_ids"`
	PayoutIDs  []string `json:"payout_ids,omitempty"`

	Balances          Balances                `json:"balances"`
	Settlements       []Settlement            `json:"settlements"`
	RiskScores        map[string]float64      `json:"risk_scores"`
	WarningLevels     map[string]WarningLevel `json:"warning_levels"`
	WarningCounts     map[string]int          `json:"warning_counts"`
	EnforcementFlags  map[string]bool         `json:"enforcement_flags"`
	ExcludedMembers   []string                `json:"excluded_members"`
	GovernanceActions []GovernanceAction      `json:"governance_actions"`
	ExecutionResults  []ExecutionResult       `json:"execution_results"`
	SettlementResults []ExecutionResult       `json:"settlement_results"`

	Explanation         string `json:"explanation"`
	ExplanationFallback bool   `json:"explanation_fallback"`
	ExecutionAddendum   string `json:"execution_addendum,omitempty"`
	DecisionDigest      string `json:"decision_digest"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

// FailedResults counts unsuccessful directive outcomes.
func FailedResults(results []ExecutionResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
