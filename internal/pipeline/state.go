package pipeline

import (
	"time"

	"github.com/roach88/settler/internal/ir"
)

// Field names one slot of the RunState. Stages declare the fields they
// read and write; the orchestrator copies back only declared writes.
type Field string

const (
	FieldMembers          Field = "members"
	FieldExpenses         Field = "expenses"
	FieldPayouts          Field = "payouts"
	FieldHistory          Field = "history"
	FieldPriorCounts      Field = "prior_counts"
	FieldBalances         Field = "balances"
	FieldSettlements      Field = "settlements"
	FieldRiskScores       Field = "risk_scores"
	FieldWarningLevels    Field = "warning_levels"
	FieldWarningCounts    Field = "warning_counts"
	FieldEnforcement      Field = "enforcement"
	FieldGovernance       Field = "governance"
	FieldExplanation      Field = "explanation"
	FieldExecutionResults Field = "execution_results"
	FieldRecord           Field = "record"
)

// InputFields are hydrated from persistence before the first stage runs.
var InputFields = []Field{FieldMembers, FieldExpenses, FieldPayouts, FieldHistory, FieldPriorCounts}

// RunState is the working set of one cycle. It is created fresh per cycle;
// only WarningCounts outlives it.
//
// Stages never touch the orchestrator's RunState directly. Each stage runs
// on its own shallow copy and the orchestrator copies the declared writes
// back once the stage (or the whole fork) has returned, so the state has a
// single writer at any time. Maps and slices reachable from a copy are
// shared and must be treated as read-only.
type RunState struct {
	GroupID     string
	CycleID     string
	CycleNumber int64
	StartedAt   time.Time

	// inputs
	Members     []ir.Member
	Expenses    []ir.Expense
	Payouts     []ir.Payout
	History     ir.History
	PriorCounts ir.WarningCounts

	// FieldBalances
	CurrencyTag string
	Precision   int32
	Balances    ir.Balances

	Settlements   []ir.Settlement
	RiskScores    map[string]float64
	WarningLevels map[string]ir.WarningLevel
	WarningCounts ir.WarningCounts

	// FieldEnforcement
	EnforcementFlags map[string]bool
	ExcludedMembers  []string

	GovernanceActions []ir.GovernanceAction

	// FieldExplanation
	Explanation         string
	ExplanationFallback bool

	ExecutionResults []ir.ExecutionResult

	Record *ir.CycleRecord

	written map[Field]bool
}

// fieldCopiers moves one field from a stage's copy to the owned state.
var fieldCopiers = map[Field]func(dst, src *RunState){
	FieldMembers:     func(d, s *RunState) { d.Members = s.Members },
	FieldExpenses:    func(d, s *RunState) { d.Expenses = s.Expenses },
	FieldPayouts:     func(d, s *RunState) { d.Payouts = s.Payouts },
	FieldHistory:     func(d, s *RunState) { d.History = s.History },
	FieldPriorCounts: func(d, s *RunState) { d.PriorCounts = s.PriorCounts },
	FieldBalances: func(d, s *RunState) {
		d.CurrencyTag, d.Precision, d.Balances = s.CurrencyTag, s.Precision, s.Balances
	},
	FieldSettlements:   func(d, s *RunState) { d.Settlements = s.Settlements },
	FieldRiskScores:    func(d, s *RunState) { d.RiskScores = s.RiskScores },
	FieldWarningLevels: func(d, s *RunState) { d.WarningLevels = s.WarningLevels },
	FieldWarningCounts: func(d, s *RunState) { d.WarningCounts = s.WarningCounts },
	FieldEnforcement: func(d, s *RunState) {
		d.EnforcementFlags, d.ExcludedMembers = s.EnforcementFlags, s.ExcludedMembers
	},
	FieldGovernance: func(d, s *RunState) { d.GovernanceActions = s.GovernanceActions },
	FieldExplanation: func(d, s *RunState) {
		d.Explanation, d.ExplanationFallback = s.Explanation, s.ExplanationFallback
	},
	FieldExecutionResults: func(d, s *RunState) { d.ExecutionResults = s.ExecutionResults },
	FieldRecord:           func(d, s *RunState) { d.Record = s.Record },
}

func newRunState(groupID, cycleID string, number int64, startedAt time.Time) *RunState {
	return &RunState{
		GroupID:     groupID,
		CycleID:     cycleID,
		CycleNumber: number,
		StartedAt:   startedAt,
		written:     make(map[Field]bool),
	}
}

// Has reports whether a field has been written.
func (s *RunState) Has(f Field) bool {
	return s.written[f]
}

// markInputs records the hydrated input fields as written.
func (s *RunState) markInputs() {
	for _, f := range InputFields {
		s.written[f] = true
	}
}

// fork returns the private copy a stage runs on.
func (s *RunState) fork() *RunState {
	cp := *s
	cp.written = nil
	return &cp
}

// commit copies the declared writes of stage from its private copy.
// A field is written at most once per cycle.
func (s *RunState) commit(stage Stage, from *RunState) error {
	for _, f := range stage.Writes {
		if s.written[f] {
			return wiringError(stage.Name, "field %s already written", f)
		}
	}
	for _, f := range stage.Writes {
		fieldCopiers[f](s, from)
		s.written[f] = true
	}
	return nil
}
