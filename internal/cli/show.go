package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/store"
)

// Report styles accepted by show --style.
var ValidStyles = []string{"auto", "dark", "light", "notty", "raw"}

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Database string
	Style    string
	Width    int
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <cycle-id>",
		Short: "Show an archived cycle",
		Long: `Show an archived cycle as a rendered report.

Text output renders the cycle report for the terminal; --style raw prints
the markdown source. JSON output prints the full cycle record.

Example:
  settler show --db ./settler.db 0192f7c4-...
  settler show --db ./settler.db --style raw 0192f7c4-... > cycle.md`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Style, "style", "auto", "report style (auto|dark|light|notty|raw)")
	cmd.Flags().IntVar(&opts.Width, "width", 100, "word wrap width")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runShow(opts *ShowOptions, cycleID string, cmd *cobra.Command) error {
	if !slices.Contains(ValidStyles, opts.Style) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid style %q: must be one of %v", opts.Style, ValidStyles))
	}

	st, err := openStore(opts.Database, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	rec, err := st.LoadCycle(commandContext(cmd), cycleID)
	if errors.Is(err, store.ErrCycleNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("cycle not found: %s", cycleID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load cycle", err)
	}

	f := newFormatter(opts.RootOptions, cmd)
	if opts.Format == "json" {
		return f.Emit(rec, "")
	}

	md := explain.Report(rec)
	if opts.Style == "raw" {
		return f.Emit(nil, md)
	}
	out, err := renderMarkdown(md, opts.Style, opts.Width)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render report", err)
	}
	return f.Emit(nil, out)
}

func renderMarkdown(md, style string, width int) (string, error) {
	styleOpt := glamour.WithStandardStyle(style)
	if style == "auto" {
		styleOpt = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
