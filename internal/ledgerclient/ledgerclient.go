// Package ledgerclient submits execution plans to the external ledger.
//
// Every directive is submitted on its own and yields its own
// ir.ExecutionResult. A failed directive never stops the ones after it, and
// already succeeded directives are never reverted.
package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/settler/internal/ir"
)

var (
	// ErrCircuitOpen is recorded for directives skipped while the gateway
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("ledger gateway unavailable (circuit open)")

	// ErrEmptyPlan is returned when Execute is called with nothing to do.
	ErrEmptyPlan = errors.New("empty execution plan")
)

// Executor submits a plan and reports one result per directive, transfers
// first and removals after, in plan order. A non-nil error means nothing
// was submitted.
type Executor interface {
	Execute(ctx context.Context, plan ir.ExecutionPlan) ([]ir.ExecutionResult, error)
}

// DryRun accepts every directive without contacting a ledger. References
// are prefixed with "dry-run:".
type DryRun struct{}

func (DryRun) Execute(ctx context.Context, plan ir.ExecutionPlan) ([]ir.ExecutionResult, error) {
	if plan.Len() == 0 {
		return nil, ErrEmptyPlan
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}

	results := make([]ir.ExecutionResult, 0, plan.Len())
	for _, t := range plan.Transfers {
		slog.Info("dry-run transfer",
			"cycle_id", plan.CycleID,
			"user_id", t.UserID,
			"payer_wallet", t.PayerWallet,
			"payee_wallet", t.PayeeWallet,
			"amount_minor_units", t.AmountMinorUnits,
		)
		results = append(results, succeeded(t.ActionID, t.Kind, t.UserID, "dry-run:"+t.ActionID))
	}
	for _, r := range plan.Removals {
		slog.Info("dry-run removal",
			"cycle_id", plan.CycleID,
			"user_id", r.UserID,
			"wallet_ref", r.WalletRef,
		)
		results = append(results, succeeded(r.ActionID, ir.DirectiveRemoval, r.UserID, "dry-run:"+r.ActionID))
	}
	return results, nil
}

func succeeded(actionID string, kind ir.DirectiveKind, userID, ref string) ir.ExecutionResult {
	return ir.ExecutionResult{
		ActionID:          actionID,
		Kind:              kind,
		UserID:            userID,
		Success:           true,
		ExternalReference: ref,
	}
}

func failed(actionID string, kind ir.DirectiveKind, userID string, err error) ir.ExecutionResult {
	return ir.ExecutionResult{
		ActionID: actionID,
		Kind:     kind,
		UserID:   userID,
		Error:    err.Error(),
	}
}
