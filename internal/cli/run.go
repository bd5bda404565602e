package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/pipeline"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	WiringOptions
	Database string

	// IDs allows overriding the cycle id generator (for testing).
	// If nil, the orchestrator uses UUIDv7 ids.
	IDs pipeline.IDGenerator
}

// CycleOutcome is the JSON result of one group's cycle.
type CycleOutcome struct {
	GroupID          string `json:"group_id"`
	CycleID          string `json:"cycle_id,omitempty"`
	Number           int64  `json:"number,omitempty"`
	Status           string `json:"status,omitempty"`
	SettlementStatus string `json:"settlement_status,omitempty"`
	Transfers        int    `json:"transfers"`
	Excluded         int    `json:"excluded"`
	FailedDirectives int    `json:"failed_directives"`
	Fallback         bool   `json:"explanation_fallback"`
	ErrorCode        string `json:"error_code,omitempty"`
	Error            string `json:"error,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <group-id>...",
		Short: "Run one settlement cycle per group",
		Long: `Run one settlement cycle for each group, groups in parallel.

Each cycle loads the group's active members and unsettled expenses,
computes balances and settlements, scores risk, escalates warnings,
decides governance actions, submits enforced directives to the ledger
and archives the cycle. Settlement transfers stay pending until
'settler execute'.

Exit codes:
  0 - Every cycle completed (possibly with ledger errors)
  1 - At least one cycle failed
  2 - Command error (bad flags, unreadable policy, etc.)

Example:
  settler run --db ./settler.db g1 g2
  settler run --db ./settler.db --policy ./policy.cue --explainer gemini g1
  settler run --db ./settler.db --ledger-url https://ledger.internal --redis localhost:6379 g1`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycles(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	opts.addLedgerFlags(cmd)
	opts.addExplainerFlags(cmd)

	return cmd
}

func runCycles(opts *RunOptions, groupIDs []string, cmd *cobra.Command) error {
	st, err := openStore(opts.Database, false)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, cancel := signalContext(cmd)
	defer cancel()

	wiring := opts.WiringOptions
	orch, cleanup, err := wiring.orchestrator(ctx, st, withIDs(opts.IDs)...)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Debug("running cycles", "groups", strings.Join(groupIDs, ","))
	results := orch.RunGroups(ctx, groupIDs)

	f := newFormatter(opts.RootOptions, cmd)
	outcomes := make([]CycleOutcome, 0, len(results))
	var text strings.Builder
	failed := 0
	for _, r := range results {
		if r.Record != nil {
			f.VerboseLog("%s: cycle %s decision digest %s", r.GroupID, r.Record.ID, r.Record.DecisionDigest)
		}
		o := outcomeOf(r)
		outcomes = append(outcomes, o)
		if r.Err != nil {
			failed++
		}
		writeOutcome(&text, o)
	}

	if failed == 0 {
		return f.Emit(outcomes, text.String())
	}

	msg := fmt.Sprintf("%d of %d cycle(s) failed", failed, len(results))
	if err := f.Partial(outcomes, "E_CYCLE_FAILED", msg, text.String()); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func withIDs(ids pipeline.IDGenerator) []pipeline.Option {
	if ids == nil {
		return nil
	}
	return []pipeline.Option{pipeline.WithIDGenerator(ids)}
}

func outcomeOf(r pipeline.GroupResult) CycleOutcome {
	o := CycleOutcome{GroupID: r.GroupID}
	if r.Err != nil {
		o.ErrorCode = errorCode(r.Err, "")
		o.Error = r.Err.Error()
	}
	if rec := r.Record; rec != nil {
		o.CycleID = rec.ID
		o.Number = rec.Number
		o.Status = string(rec.Status)
		o.SettlementStatus = string(rec.SettlementStatus)
		o.Transfers = len(rec.Settlements)
		o.Excluded = len(rec.ExcludedMembers)
		o.Fallback = rec.ExplanationFallback
		for _, res := range rec.ExecutionResults {
			if !res.Success {
				o.FailedDirectives++
			}
		}
	}
	return o
}

func writeOutcome(b *strings.Builder, o CycleOutcome) {
	if o.CycleID == "" {
		fmt.Fprintf(b, "✗ %s: %s\n", o.GroupID, o.Error)
		return
	}
	mark := "✓"
	if o.Error != "" || o.FailedDirectives > 0 {
		mark = "!"
	}
	fmt.Fprintf(b, "%s %s cycle %d (%s) %s: %d transfer(s), %d excluded, settlements %s\n",
		mark, o.GroupID, o.Number, o.CycleID, o.Status, o.Transfers, o.Excluded, o.SettlementStatus)
	if o.FailedDirectives > 0 {
		fmt.Fprintf(b, "  %d ledger directive(s) failed\n", o.FailedDirectives)
	}
	if o.Error != "" {
		fmt.Fprintf(b, "  %s\n", o.Error)
	}
}
