package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/policy"
)

// PolicyOptions holds flags for the policy command.
type PolicyOptions struct {
	*RootOptions
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "policy [policy.cue]",
		Short: "Validate a policy and print the effective values",
		Long: `Validate a policy file against the policy schema and print the
effective values, defaults included. Without a file the reference
policy is printed.

Exit codes:
  0 - Policy is valid
  2 - Policy is invalid or unreadable

Example:
  settler policy ./policy.cue
  settler policy --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runPolicy(opts, path, cmd)
		},
	}

	return cmd
}

func runPolicy(opts *PolicyOptions, path string, cmd *cobra.Command) error {
	w := WiringOptions{Policy: path}
	pol, err := w.loadPolicy()
	if err != nil {
		f := newFormatter(opts.RootOptions, cmd)
		var details []policy.ValidationError
		var ve policy.ValidationError
		for _, e := range unjoin(err) {
			if errors.As(e, &ve) {
				details = append(details, ve)
			}
		}
		if opts.Format == "json" {
			if ferr := f.Error("E_POLICY_INVALID", err.Error(), details); ferr != nil {
				return ferr
			}
		}
		return err
	}

	return newFormatter(opts.RootOptions, cmd).Emit(pol, policyText(pol))
}

// unjoin flattens errors.Join results.
func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err != nil {
		return unjoin(exitErr.Err)
	}
	return []error{err}
}

func policyText(p *policy.Policy) string {
	var b strings.Builder
	b.WriteString("risk:\n")
	fmt.Fprintf(&b, "  weights: late=%g outstanding=%g warning=%g missed=%g\n",
		p.Risk.Weights.Late, p.Risk.Weights.Outstanding, p.Risk.Weights.Warning, p.Risk.Weights.Missed)
	fmt.Fprintf(&b, "  outstanding_threshold: %g\n", p.Risk.OutstandingThreshold)
	fmt.Fprintf(&b, "  warning_cap: %d\n", p.Risk.WarningCap)
	fmt.Fprintf(&b, "  missed_cap: %d\n", p.Risk.MissedCap)
	b.WriteString("warning:\n")
	fmt.Fprintf(&b, "  levels: %g / %g / %g\n", p.Warning.Level1, p.Warning.Level2, p.Warning.Level3)
	fmt.Fprintf(&b, "  escalation_count: %d\n", p.Warning.EscalationCount)
	b.WriteString("currency:\n")
	fmt.Fprintf(&b, "  precision: %d\n", p.Currency.Precision)
	b.WriteString("ledger:\n")
	fmt.Fprintf(&b, "  minor_unit_exponent: %d\n", p.Ledger.MinorUnitExponent)
	fmt.Fprintf(&b, "  timeout: %s\n", p.Ledger.Timeout)
	fmt.Fprintf(&b, "  treasury_wallet: %q\n", p.Ledger.TreasuryWallet)
	fmt.Fprintf(&b, "  require_enforcement: %t\n", p.Ledger.RequireEnforcement)
	b.WriteString("explanation:\n")
	fmt.Fprintf(&b, "  model: %s\n", p.Explanation.Model)
	fmt.Fprintf(&b, "  timeout: %s\n", p.Explanation.Timeout)
	fmt.Fprintf(&b, "  fallback: %q\n", p.Explanation.Fallback)
	return b.String()
}
