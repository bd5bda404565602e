package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/pipeline"
	"github.com/roach88/settler/internal/store"
)

// ExecuteOptions holds flags for the execute command.
type ExecuteOptions struct {
	*RootOptions
	WiringOptions
	Database string
}

// SettlementOutcome is the JSON result of a payout.
type SettlementOutcome struct {
	CycleID          string               `json:"cycle_id"`
	GroupID          string               `json:"group_id"`
	SettlementStatus string               `json:"settlement_status"`
	Results          []ir.ExecutionResult `json:"results"`
}

// NewExecuteCommand creates the execute command.
func NewExecuteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "execute <cycle-id>",
		Short: "Pay out the settlement transfers of a cycle",
		Long: `Submit the pending settlement transfers of an archived cycle to the ledger.

When every transfer succeeds the cycle becomes executed and its expenses
are settled. Otherwise it becomes failed and the expenses stay open for
the next cycle, which credits the transfers that did go through. Only the
newest cycle of a group can be executed; running a new cycle supersedes
the pending ones.

Exit codes:
  0 - Every transfer succeeded
  1 - At least one transfer failed
  2 - Command error (unknown cycle, settlements not pending, etc.)

Example:
  settler execute --db ./settler.db --ledger-url https://ledger.internal 0192f7c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	opts.addLedgerFlags(cmd)

	return cmd
}

func runExecute(opts *ExecuteOptions, cycleID string, cmd *cobra.Command) error {
	st, err := openStore(opts.Database, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	wiring := opts.WiringOptions
	wiring.Explainer = ExplainerNone
	orch, cleanup, err := wiring.orchestrator(ctx, st)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := orch.ExecuteSettlements(ctx, cycleID)
	switch {
	case pipeline.IsConcurrentCycle(err):
		return WrapExitError(ExitFailure, "execute settlements", err)
	case errors.Is(err, store.ErrCycleNotFound):
		return NewExitError(ExitCommandError, fmt.Sprintf("cycle not found: %s", cycleID))
	case errors.Is(err, store.ErrNotPending):
		return WrapExitError(ExitCommandError, "cannot execute", err)
	case err != nil && rec == nil:
		return WrapExitError(ExitFailure, "execute settlements", err)
	}

	outcome := SettlementOutcome{
		CycleID:          rec.ID,
		GroupID:          rec.GroupID,
		SettlementStatus: string(rec.SettlementStatus),
		Results:          rec.SettlementResults,
	}
	text := settlementText(outcome)

	f := newFormatter(opts.RootOptions, cmd)
	if err == nil {
		return f.Emit(outcome, text)
	}

	code := errorCode(err, "E_EXECUTE_FAILED")
	if perr := f.Partial(outcome, code, err.Error(), text); perr != nil {
		return perr
	}
	if pipeline.IsLedgerPartialFailure(err) {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d transfer(s) failed",
			ir.FailedResults(rec.SettlementResults), len(rec.SettlementResults)))
	}
	return WrapExitError(ExitFailure, "execute settlements", err)
}

func settlementText(o SettlementOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycle %s (%s): settlements %s\n", o.CycleID, o.GroupID, o.SettlementStatus)
	if len(o.Results) == 0 {
		b.WriteString("  no transfers\n")
	}
	for _, r := range o.Results {
		if r.Success {
			fmt.Fprintf(&b, "  ✓ %s %s", r.ActionID, r.UserID)
			if r.ExternalReference != "" {
				fmt.Fprintf(&b, " ref=%s", r.ExternalReference)
			}
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "  ✗ %s %s: %s\n", r.ActionID, r.UserID, r.Error)
	}
	return b.String()
}
