package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/store"
)

// CyclesOptions holds flags for the cycles command.
type CyclesOptions struct {
	*RootOptions
	Database string
}

// NewCyclesCommand creates the cycles command.
func NewCyclesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CyclesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cycles <group-id>",
		Short: "List the archived cycles of a group",
		Example: `  settler cycles --db ./settler.db g1
  settler cycles --db ./settler.db g1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCyclesList(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCyclesList(opts *CyclesOptions, groupID string, cmd *cobra.Command) error {
	st, err := openStore(opts.Database, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	cycles, err := st.ListCycles(commandContext(cmd), groupID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list cycles", err)
	}

	return newFormatter(opts.RootOptions, cmd).Emit(cycles, cyclesText(groupID, cycles))
}

func cyclesText(groupID string, cycles []store.CycleSummary) string {
	if len(cycles) == 0 {
		return fmt.Sprintf("No cycles for group %s.\n", groupID)
	}
	var b strings.Builder
	for _, c := range cycles {
		fmt.Fprintf(&b, "#%d  %s  %-21s  %-9s  %s\n",
			c.Number, c.ID, c.Status, c.SettlementStatus, c.CompletedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
