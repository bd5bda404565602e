package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/settler/internal/governance"
	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/store"
)

// ExecuteSettlements pays out the settlement list of a pending cycle,
// debtor wallet to creditor wallet, and records the outcome.
//
// When every transfer succeeds the cycle becomes executed and the expenses
// and payouts it consumed are settled. Otherwise it becomes failed, the
// expenses stay open for the next cycle, the transfers that did go through
// are kept as payouts the next cycle credits, and a LEDGER_PARTIAL_FAILURE
// error is returned together with the updated record.
//
// Only pending cycles can be executed. A cycle stops being pending once it
// is executed or once a newer cycle of its group is archived; the status
// is checked under the group lock.
func (o *Orchestrator) ExecuteSettlements(ctx context.Context, cycleID string) (*ir.CycleRecord, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.execute",
		trace.WithAttributes(attribute.String("cycle.id", cycleID)),
	)
	defer span.End()

	rec, err := o.executeSettlements(ctx, cycleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

func (o *Orchestrator) executeSettlements(ctx context.Context, cycleID string) (*ir.CycleRecord, error) {
	rec, err := o.repo.LoadCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("execute settlements: %w", err)
	}
	groupID := rec.GroupID

	unlock, err := o.acquire(ctx, groupID)
	if err != nil {
		return nil, withCycle(err, groupID, cycleID)
	}
	defer o.release(ctx, groupID, unlock)

	// reload: the cycle may have been paid or superseded before the lock
	if rec, err = o.repo.LoadCycle(ctx, cycleID); err != nil {
		return nil, fmt.Errorf("execute settlements: %w", err)
	}
	if rec.SettlementStatus != ir.SettlementPending {
		return nil, fmt.Errorf("execute settlements for cycle %s (%s): %w", cycleID, rec.SettlementStatus, store.ErrNotPending)
	}

	plan, rejected, err := governance.SettlementPlan(rec.GroupID, rec.ID, rec.Members, rec.Settlements, int32(o.policy.Ledger.MinorUnitExponent))
	if err != nil {
		return nil, &CycleError{Code: ErrCodeInvalidGroupState, Message: "plan settlements", GroupID: rec.GroupID, CycleID: cycleID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute settlements canceled before submission: %w", err)
	}

	results := make([]ir.ExecutionResult, 0, plan.Len()+len(rejected))
	if plan.Len() > 0 {
		results = append(results, o.submit(context.WithoutCancel(ctx), plan)...)
	}
	results = append(results, rejected...)

	status := ir.SettlementExecuted
	if ir.FailedResults(results) > 0 {
		status = ir.SettlementFailed
	}

	at := o.now().UTC()
	outcome := ir.SettlementOutcome{
		Status:  status,
		Results: results,
		Payouts: payoutsOf(rec, results),
		At:      at,
	}
	if err := o.repo.CompleteSettlement(context.WithoutCancel(ctx), cycleID, outcome); err != nil {
		if applied := succeededActions(results); len(applied) > 0 {
			rec.SettlementResults = results
			return rec, &CycleError{
				Code:    ErrCodeReconciliation,
				Message: fmt.Sprintf("ledger applied %d settlement transfer(s) but the outcome was not recorded", len(applied)),
				GroupID: rec.GroupID,
				CycleID: cycleID,
				Err:     err,
				Record:  rec,
			}
		}
		if errors.Is(err, store.ErrNotPending) {
			return nil, &CycleError{Code: ErrCodeConcurrentCycle, Message: "settlements executed concurrently", GroupID: rec.GroupID, CycleID: cycleID, Err: err}
		}
		return nil, &CycleError{Code: ErrCodeCollaboratorUnavailable, Message: "record settlement outcome", GroupID: rec.GroupID, CycleID: cycleID, Err: err}
	}

	rec.SettlementStatus = status
	rec.SettlementResults = results
	rec.ExecutedAt = &at

	slog.Info("settlements executed",
		"group_id", rec.GroupID,
		"cycle_id", cycleID,
		"status", string(status),
		"transfers", len(results),
		"failed", ir.FailedResults(results),
	)

	if status == ir.SettlementFailed {
		return rec, &CycleError{
			Code:    ErrCodeLedgerPartialFailure,
			Message: fmt.Sprintf("%d of %d settlement transfer(s) failed", ir.FailedResults(results), len(results)),
			GroupID: rec.GroupID,
			CycleID: cycleID,
		}
	}
	return rec, nil
}

// payoutsOf returns the settlements of rec whose transfer succeeded.
func payoutsOf(rec *ir.CycleRecord, results []ir.ExecutionResult) []ir.Payout {
	ok := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Success && r.Kind == ir.DirectiveSettlement {
			ok[r.ActionID] = true
		}
	}

	var out []ir.Payout
	for i, s := range rec.Settlements {
		id := governance.SettlementActionID(rec.ID, i)
		if !ok[id] {
			continue
		}
		out = append(out, ir.Payout{
			ID:         id,
			CycleID:    rec.ID,
			FromUserID: s.FromUserID,
			ToUserID:   s.ToUserID,
			Amount:     s.Amount,
		})
	}
	return out
}
