package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/fixture"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Database string
}

// ImportedGroup is the JSON result of one imported file.
type ImportedGroup struct {
	File     string `json:"file"`
	GroupID  string `json:"group_id"`
	Members  int    `json:"members"`
	Expenses int    `json:"expenses"`
	Payments int    `json:"payments"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <fixture.yaml>...",
		Short: "Import groups from YAML fixtures",
		Long: `Import a group with its members, expenses and payment history.

Importing is idempotent: the group and its members are updated, expenses
and payments that already exist are left untouched. Files are validated
before anything is written.

Example:
  settler import --db ./settler.db ./groups/flat.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runImport(opts *ImportOptions, files []string, cmd *cobra.Command) error {
	fixtures := make([]*fixture.Fixture, 0, len(files))
	for _, path := range files {
		f, err := fixture.Load(path)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid fixture %s", path), err)
		}
		fixtures = append(fixtures, f)
	}

	st, err := openStore(opts.Database, false)
	if err != nil {
		return err
	}
	defer closeStore(st)

	imported := make([]ImportedGroup, 0, len(fixtures))
	var text strings.Builder
	for i, f := range fixtures {
		if err := st.ImportGroup(commandContext(cmd), f.GroupData()); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to import %s", files[i]), err)
		}
		g := ImportedGroup{
			File:     files[i],
			GroupID:  f.Group.ID,
			Members:  len(f.Members),
			Expenses: len(f.Expenses),
			Payments: len(f.Payments),
		}
		imported = append(imported, g)
		fmt.Fprintf(&text, "✓ imported group %s: %d member(s), %d expense(s), %d payment(s)\n", g.GroupID, g.Members, g.Expenses, g.Payments)
	}

	return newFormatter(opts.RootOptions, cmd).Emit(imported, text.String())
}
