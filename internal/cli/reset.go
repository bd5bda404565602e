package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/store"
)

// ResetOptions holds flags for the reset-warnings command.
type ResetOptions struct {
	*RootOptions
	Database string
}

// ResetResult is the JSON result of a reset.
type ResetResult struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// NewResetWarningsCommand creates the reset-warnings command.
func NewResetWarningsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset-warnings <group-id> <user-id>",
		Short: "Reset a member's warning counter",
		Long: `Reset a member's consecutive warning counter to zero.

This is the administrative path for lowering a counter; cycles only ever
raise it. A cycle running concurrently for the same group fails with
CONCURRENT_CYCLE_CONFLICT instead of overwriting the reset.

Example:
  settler reset-warnings --db ./settler.db g1 C`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReset(opts *ResetOptions, groupID, userID string, cmd *cobra.Command) error {
	st, err := openStore(opts.Database, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	err = st.ResetWarningCount(commandContext(cmd), groupID, userID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("member %s not found in group %s", userID, groupID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to reset warnings", err)
	}

	return newFormatter(opts.RootOptions, cmd).Emit(
		ResetResult{GroupID: groupID, UserID: userID},
		fmt.Sprintf("✓ reset warning counter of %s in %s\n", userID, groupID),
	)
}
