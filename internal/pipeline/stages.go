package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/settler/internal/balance"
	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/governance"
	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/netting"
	"github.com/roach88/settler/internal/store"
)

// Stage names.
const (
	StageBalances    = "balances"
	StageNetting     = "netting"
	StageRisk        = "risk"
	StageWarnings    = "warnings"
	StageGovernance  = "governance"
	StageExplanation = "explanation"
	StageLedger      = "ledgerExecution"
	StageFinalize    = "finalize"
)

// defaultSteps is the cycle:
//
//	balances → netting → risk → warnings → {explanation, governance}
//	  → ledgerExecution → finalize
func (o *Orchestrator) defaultSteps() []Step {
	return []Step{
		{{
			Name:   StageBalances,
			Reads:  []Field{FieldMembers, FieldExpenses, FieldPayouts},
			Writes: []Field{FieldBalances},
			Run:    o.computeBalances,
		}},
		{{
			Name:   StageNetting,
			Reads:  []Field{FieldBalances},
			Writes: []Field{FieldSettlements},
			Run:    o.computeSettlements,
		}},
		{{
			Name:   StageRisk,
			Reads:  []Field{FieldBalances, FieldHistory, FieldPriorCounts},
			Writes: []Field{FieldRiskScores},
			Run:    o.computeRisk,
		}},
		{{
			Name:   StageWarnings,
			Reads:  []Field{FieldBalances, FieldRiskScores, FieldPriorCounts},
			Writes: []Field{FieldWarningLevels, FieldWarningCounts, FieldEnforcement},
			Run:    o.computeWarnings,
		}},
		{
			{
				Name:   StageExplanation,
				Reads:  []Field{FieldBalances, FieldSettlements, FieldRiskScores, FieldWarningLevels, FieldEnforcement},
				Writes: []Field{FieldExplanation},
				Run:    o.explainCycle,
			},
			{
				Name:   StageGovernance,
				Reads:  []Field{FieldBalances, FieldWarningLevels},
				Writes: []Field{FieldGovernance},
				Run:    o.decide,
			},
		},
		{{
			Name:     StageLedger,
			Reads:    []Field{FieldMembers, FieldGovernance, FieldEnforcement},
			Writes:   []Field{FieldExecutionResults},
			External: true,
			Run:      o.executeDirectives,
		}},
		{{
			Name: StageFinalize,
			Reads: []Field{
				FieldMembers, FieldExpenses, FieldPayouts, FieldBalances, FieldSettlements, FieldRiskScores,
				FieldWarningLevels, FieldWarningCounts, FieldEnforcement, FieldGovernance,
				FieldExplanation, FieldExecutionResults,
			},
			Writes: []Field{FieldRecord},
			Run:    o.finalize,
		}},
	}
}

func (o *Orchestrator) computeBalances(_ context.Context, st *RunState) error {
	tag, err := balance.CurrencyOf(st.Expenses)
	if err != nil {
		return &CycleError{Code: ErrCodeInvalidGroupState, Message: "currency", Err: err}
	}
	if tag == "" {
		tag = st.CurrencyTag
	}

	balances, err := balance.Compute(st.Members, st.Expenses)
	if err != nil {
		return &CycleError{Code: ErrCodeInvalidGroupState, Message: "compute balances", Err: err}
	}
	if balances, err = balance.ApplyPayouts(balances, st.Payouts); err != nil {
		return &CycleError{Code: ErrCodeInvalidGroupState, Message: "apply payouts", Err: err}
	}

	st.CurrencyTag = tag
	st.Precision = o.policy.Precision(tag)
	st.Balances = balances
	return nil
}

func (o *Orchestrator) computeSettlements(_ context.Context, st *RunState) error {
	st.Settlements = netting.Optimize(st.Balances, st.Precision)
	return nil
}

func (o *Orchestrator) computeRisk(_ context.Context, st *RunState) error {
	st.RiskScores = o.policy.RiskConfig().Scores(st.Balances, st.History, st.PriorCounts)
	return nil
}

func (o *Orchestrator) computeWarnings(_ context.Context, st *RunState) error {
	res := o.policy.WarningConfig().Evaluate(st.Balances, st.RiskScores, st.PriorCounts)
	st.WarningLevels = res.Levels
	st.WarningCounts = res.Counts
	st.EnforcementFlags = res.Enforcement
	st.ExcludedMembers = res.Excluded
	return nil
}

func (o *Orchestrator) decide(_ context.Context, st *RunState) error {
	st.GovernanceActions = governance.Decisions(st.Balances, st.WarningLevels, st.Precision)
	return nil
}

// explainCycle never fails: an unavailable explainer yields the fallback.
func (o *Orchestrator) explainCycle(ctx context.Context, st *RunState) error {
	ctx, cancel := context.WithTimeout(ctx, o.policy.Explanation.Timeout)
	defer cancel()

	text, err := o.explainer.Explain(ctx, explain.Input{
		GroupID:         st.GroupID,
		CycleNumber:     st.CycleNumber,
		CurrencyTag:     st.CurrencyTag,
		Precision:       st.Precision,
		Balances:        st.Balances,
		Settlements:     st.Settlements,
		RiskScores:      st.RiskScores,
		WarningLevels:   st.WarningLevels,
		ExcludedMembers: st.ExcludedMembers,
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty explanation")
	}
	if err != nil {
		if !errors.Is(err, explain.ErrDisabled) {
			slog.Warn("explanation unavailable, using fallback",
				"group_id", st.GroupID,
				"cycle_id", st.CycleID,
				"error", err,
			)
		}
		st.Explanation = o.policy.Explanation.Fallback
		st.ExplanationFallback = true
		return nil
	}
	st.Explanation = text
	return nil
}

// executeDirectives submits the enforced governance directives. It is
// skipped when there is nothing to submit. Every directive gets its own
// result; a failing ledger never fails the cycle.
func (o *Orchestrator) executeDirectives(ctx context.Context, st *RunState) error {
	plan, rejected, err := governance.Plan(st.GroupID, st.CycleID, st.Members, st.GovernanceActions, st.EnforcementFlags, o.policy.PlanConfig())
	if err != nil {
		return &CycleError{Code: ErrCodeInvalidGroupState, Message: "plan ledger directives", Err: err}
	}
	for _, r := range rejected {
		slog.Warn("ledger directive not submitted",
			"group_id", st.GroupID,
			"cycle_id", st.CycleID,
			"action_id", r.ActionID,
			"error", r.Error,
		)
	}

	results := make([]ir.ExecutionResult, 0, plan.Len()+len(rejected))
	if plan.Len() > 0 {
		results = append(results, o.submit(ctx, plan)...)
	}
	st.ExecutionResults = append(results, rejected...)
	return nil
}

// submit runs plan on the executor within the ledger timeout. A failed
// call yields one failed result per directive.
func (o *Orchestrator) submit(ctx context.Context, plan ir.ExecutionPlan) []ir.ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, o.policy.Ledger.Timeout)
	defer cancel()

	results, err := o.executor.Execute(ctx, plan)
	if err == nil {
		return results
	}

	slog.Warn("ledger unavailable",
		"group_id", plan.GroupID,
		"cycle_id", plan.CycleID,
		"directives", plan.Len(),
		"error", err,
	)
	out := make([]ir.ExecutionResult, 0, plan.Len())
	for _, t := range plan.Transfers {
		out = append(out, ir.ExecutionResult{ActionID: t.ActionID, Kind: t.Kind, UserID: t.UserID, Error: err.Error()})
	}
	for _, r := range plan.Removals {
		out = append(out, ir.ExecutionResult{ActionID: r.ActionID, Kind: ir.DirectiveRemoval, UserID: r.UserID, Error: err.Error()})
	}
	return out
}

// finalize archives the cycle together with the new counters. Members whose
// removal succeeded are deactivated in the same transaction, and older
// pending cycles of the group are superseded by this one.
func (o *Orchestrator) finalize(ctx context.Context, st *RunState) error {
	digest, err := ir.DecisionDigest(st.GroupID, st.CycleNumber, st.GovernanceActions)
	if err != nil {
		return err
	}

	status := ir.CycleCompleted
	if ir.FailedResults(st.ExecutionResults) > 0 {
		status = ir.CycleCompletedWithErrors
	}

	expenseIDs := make([]string, len(st.Expenses))
	for i, e := range st.Expenses {
		expenseIDs[i] = e.ID
	}
	var payoutIDs []string
	for _, p := range st.Payouts {
		payoutIDs = append(payoutIDs, p.ID)
	}

	var deactivate []string
	for _, r := range st.ExecutionResults {
		if r.Success && r.Kind == ir.DirectiveRemoval {
			deactivate = append(deactivate, r.UserID)
		}
	}

	rec := &ir.CycleRecord{
		ID:                  st.CycleID,
		GroupID:             st.GroupID,
		Number:              st.CycleNumber,
		Status:              status,
		SettlementStatus:    ir.SettlementPending,
		CurrencyTag:         st.CurrencyTag,
		Precision:           st.Precision,
		Members:             st.Members,
		ExpenseIDs:          expenseIDs,
		PayoutIDs:           payoutIDs,
		Balances:            st.Balances,
		Settlements:         st.Settlements,
		RiskScores:          st.RiskScores,
		WarningLevels:       st.WarningLevels,
		WarningCounts:       st.WarningCounts.Clone().Counts,
		EnforcementFlags:    st.EnforcementFlags,
		ExcludedMembers:     st.ExcludedMembers,
		GovernanceActions:   st.GovernanceActions,
		ExecutionResults:    st.ExecutionResults,
		Explanation:         st.Explanation,
		ExplanationFallback: st.ExplanationFallback,
		ExecutionAddendum:   explain.Addendum(st.ExecutionResults),
		DecisionDigest:      digest,
		StartedAt:           st.StartedAt.UTC(),
		CompletedAt:         o.now().UTC(),
	}
	st.Record = rec

	err = o.repo.SaveCycle(ctx, rec, st.WarningCounts, deactivate)
	if err == nil {
		return nil
	}

	if applied := succeededActions(st.ExecutionResults); len(applied) > 0 {
		slog.Error("cycle not archived after ledger execution",
			"group_id", st.GroupID,
			"cycle_id", st.CycleID,
			"applied_actions", strings.Join(applied, ","),
			"error", err,
		)
		return &CycleError{
			Code:    ErrCodeReconciliation,
			Message: fmt.Sprintf("ledger applied %d action(s) but the cycle was not archived: %s", len(applied), strings.Join(applied, ", ")),
			Err:     err,
			Record:  rec,
		}
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return &CycleError{Code: ErrCodeConcurrentCycle, Message: "warning counters changed during the cycle", Err: err}
	}
	return &CycleError{Code: ErrCodeCollaboratorUnavailable, Message: "archive cycle", Err: err}
}

func succeededActions(results []ir.ExecutionResult) []string {
	var out []string
	for _, r := range results {
		if r.Success {
			out = append(out, r.ActionID)
		}
	}
	return out
}
