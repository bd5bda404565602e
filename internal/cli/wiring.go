package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredislib "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/ledgerclient"
	"github.com/roach88/settler/internal/lock"
	"github.com/roach88/settler/internal/pipeline"
	"github.com/roach88/settler/internal/policy"
	"github.com/roach88/settler/internal/store"
)

// Explainer flag values.
const (
	ExplainerTemplate = "template"
	ExplainerGemini   = "gemini"
	ExplainerNone     = "none"
)

// WiringOptions selects the collaborators of the orchestrator.
type WiringOptions struct {
	Policy      string
	Explainer   string
	Model       string
	LedgerURL   string
	LedgerToken string
	Redis       string
}

func (w *WiringOptions) addLedgerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.Policy, "policy", "", "policy file (CUE); defaults to the reference policy")
	cmd.Flags().StringVar(&w.LedgerURL, "ledger-url", "", "ledger gateway base URL; dry run when empty")
	cmd.Flags().StringVar(&w.LedgerToken, "ledger-token", os.Getenv("SETTLER_LEDGER_TOKEN"), "ledger gateway bearer token")
	cmd.Flags().StringVar(&w.Redis, "redis", "", "redis address for the per-group cycle lock; in-process lock when empty")
}

func (w *WiringOptions) addExplainerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.Explainer, "explainer", ExplainerTemplate, "explanation source (template|gemini|none)")
	cmd.Flags().StringVar(&w.Model, "model", "", "Gemini model; defaults to the policy's explanation.model")
}

// orchestrator wires an orchestrator over st; extra options apply last.
// The returned cleanup closes whatever was opened for it.
func (w *WiringOptions) orchestrator(ctx context.Context, st *store.Store, extra ...pipeline.Option) (*pipeline.Orchestrator, func(), error) {
	cleanup := func() {}

	pol, err := w.loadPolicy()
	if err != nil {
		return nil, cleanup, err
	}
	opts := []pipeline.Option{pipeline.WithPolicy(pol)}

	explainer, err := w.explainer(ctx, pol)
	if err != nil {
		return nil, cleanup, err
	}
	opts = append(opts, pipeline.WithExplainer(explainer))

	if w.LedgerURL != "" {
		var clientOpts []ledgerclient.Option
		if w.LedgerToken != "" {
			clientOpts = append(clientOpts, ledgerclient.WithToken(w.LedgerToken))
		}
		client, err := ledgerclient.NewClient(w.LedgerURL, clientOpts...)
		if err != nil {
			return nil, cleanup, WrapExitError(ExitCommandError, "invalid ledger gateway", err)
		}
		opts = append(opts, pipeline.WithExecutor(client))
	} else {
		slog.Info("no ledger url, directives run as dry run")
	}

	if w.Redis != "" {
		rdb := goredislib.NewClient(&goredislib.Options{Addr: w.Redis})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, cleanup, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		cleanup = func() {
			if err := rdb.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}
		opts = append(opts, pipeline.WithLocker(lock.NewRedis(rdb, lock.WithPrefix("settler:cycle:"))))
	}

	orch, err := pipeline.New(st, append(opts, extra...)...)
	if err != nil {
		cleanup()
		return nil, func() {}, WrapExitError(ExitCommandError, "failed to wire orchestrator", err)
	}
	return orch, cleanup, nil
}

func (w *WiringOptions) loadPolicy() (*policy.Policy, error) {
	if w.Policy == "" {
		pol, err := policy.Default()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load reference policy", err)
		}
		return pol, nil
	}
	pol, err := policy.LoadFile(w.Policy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	return pol, nil
}

func (w *WiringOptions) explainer(ctx context.Context, pol *policy.Policy) (explain.Explainer, error) {
	switch w.Explainer {
	case "", ExplainerTemplate:
		return explain.Template{}, nil
	case ExplainerNone:
		return explain.Disabled{}, nil
	case ExplainerGemini:
		model := w.Model
		if model == "" {
			model = pol.Explanation.Model
		}
		g, err := explain.NewGemini(ctx, model, nil)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create gemini explainer", err)
		}
		return g, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown explainer %q: must be template, gemini or none", w.Explainer))
	}
}

// openStore opens the database at path. Commands that only read require an
// existing file.
func openStore(path string, mustExist bool) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	if mustExist {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// signalContext is canceled on SIGINT or SIGTERM. Cycles already past
// their last cancellation point still finish and archive.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(commandContext(cmd))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
