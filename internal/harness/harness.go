package harness

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/fixture"
	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/lock"
	"github.com/roach88/settler/internal/pipeline"
	"github.com/roach88/settler/internal/policy"
	"github.com/roach88/settler/internal/store"
	"github.com/roach88/settler/internal/testutil"
)

// Harness runs one scenario against a private store with a fixed clock,
// sequential cycle ids and a scripted ledger.
type Harness struct {
	store    *store.Store
	orch     *pipeline.Orchestrator
	clock    *testutil.Clock
	executor *testutil.Executor
	result   *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Expectation and
// assertion failures are reported in the result; the error is reserved for
// scenarios that cannot be set up or steps that cannot be carried out.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	for _, path := range scenario.Fixtures {
		if err := h.importFixture(ctx, path); err != nil {
			return nil, fmt.Errorf("failed to import fixture: %w", err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	pol, err := policy.Parse([]byte(scenario.Policy), scenario.Name+".cue")
	if err != nil {
		return nil, fmt.Errorf("scenario policy: %w", err)
	}

	start := scenario.Clock
	if start.IsZero() {
		start = DefaultClock
	}
	clock := testutil.NewClock(start.UTC())

	executor := &testutil.Executor{}
	applyLedgerScript(executor, scenario.Ledger)

	var explainer explain.Explainer = explain.Template{}
	if scenario.Explainer == "disabled" {
		explainer = explain.Disabled{}
	}

	orch, err := pipeline.New(st,
		pipeline.WithPolicy(pol),
		pipeline.WithLocker(lock.NewLocal()),
		pipeline.WithExplainer(explainer),
		pipeline.WithExecutor(executor),
		pipeline.WithIDGenerator(testutil.NewSequentialIDs("cycle")),
		pipeline.WithNow(clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to wire orchestrator: %w", err)
	}

	return &Harness{
		store:    st,
		orch:     orch,
		clock:    clock,
		executor: executor,
		result:   NewResult(),
	}, nil
}

// applyLedgerScript is only called between steps, never while a cycle runs.
func applyLedgerScript(x *testutil.Executor, script LedgerScript) {
	x.FailUsers = script.FailUsers
	x.Err = nil
	if script.Down {
		x.Err = testutil.ErrLedgerDown
	}
}

// executeStep runs one step, checks its expectations and advances the clock.
func (h *Harness) executeStep(ctx context.Context, index int, step Step) error {
	if step.Ledger != nil {
		applyLedgerScript(h.executor, *step.Ledger)
	}

	first := len(h.result.Trace)
	var err error
	switch {
	case step.Import != "":
		err = h.importFixture(ctx, step.Import)
	case len(step.Run) > 0:
		h.runCycles(ctx, step.Run)
	case step.Execute != "":
		err = h.executeLatest(ctx, step.Execute)
	case step.Reset != nil:
		err = h.reset(ctx, *step.Reset)
	}
	if err != nil {
		return err
	}

	events := h.result.Trace[first:]
	for _, exp := range step.Expect {
		for _, msg := range checkExpectation(events, exp) {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s", index, msg))
		}
	}

	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		h.clock.Advance(d)
	}
	return nil
}

func (h *Harness) importFixture(ctx context.Context, path string) error {
	f, err := fixture.Load(path)
	if err != nil {
		return err
	}
	if err := h.store.ImportGroup(ctx, f.GroupData()); err != nil {
		return err
	}
	h.result.AddEvent(TraceEvent{Type: EventImport, Group: f.Group.ID})
	return nil
}

// runCycles records one event per group, failed cycles included.
func (h *Harness) runCycles(ctx context.Context, groupIDs []string) {
	for _, gr := range h.orch.RunGroups(ctx, groupIDs) {
		e := TraceEvent{Type: EventCycle, Group: gr.GroupID, Record: gr.Record, Error: errorLabel(gr.Err)}
		if gr.Record != nil {
			e.Cycle = gr.Record.Number
			e.CycleID = gr.Record.ID
			e.Status = string(gr.Record.Status)
			e.SettlementStatus = string(gr.Record.SettlementStatus)
		}
		h.result.AddEvent(e)
	}
}

// executeLatest pays out the newest cycle of a group. A failed payout is an
// event, not a step error.
func (h *Harness) executeLatest(ctx context.Context, groupID string) error {
	cycles, err := h.store.ListCycles(ctx, groupID)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		return fmt.Errorf("execute %s: group has no cycles", groupID)
	}
	latest := cycles[len(cycles)-1]

	rec, err := h.orch.ExecuteSettlements(ctx, latest.ID)
	e := TraceEvent{
		Type:    EventExecute,
		Group:   groupID,
		Cycle:   latest.Number,
		CycleID: latest.ID,
		Record:  rec,
		Error:   errorLabel(err),
	}
	if rec != nil {
		e.Status = string(rec.Status)
		e.SettlementStatus = string(rec.SettlementStatus)
	}
	h.result.AddEvent(e)
	return nil
}

func (h *Harness) reset(ctx context.Context, r ResetStep) error {
	if err := h.store.ResetWarningCount(ctx, r.Group, r.User); err != nil {
		return err
	}
	h.result.AddEvent(TraceEvent{Type: EventReset, Group: r.Group, User: r.User})
	return nil
}

// errorLabel is the cycle error code when there is one, else the message.
func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	if code := pipeline.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}

// checkExpectation matches one expectation against a step's events.
func checkExpectation(events []TraceEvent, exp Expectation) []string {
	var e *TraceEvent
	for i := range events {
		if exp.Group == "" || events[i].Group == exp.Group {
			e = &events[i]
			break
		}
	}
	if e == nil {
		return []string{fmt.Sprintf("no event for group %q", exp.Group)}
	}

	var errs []string
	check := func(field, want, got string) {
		if want != "" && want != got {
			errs = append(errs, fmt.Sprintf("%s %s: expected %q, got %q", e.Label(), field, want, got))
		}
	}
	check("status", exp.Status, e.Status)
	check("settlement_status", exp.SettlementStatus, e.SettlementStatus)
	check("error", exp.Error, e.Error)

	rec := e.Record
	needsRecord := len(exp.Levels) > 0 || len(exp.Counts) > 0 || exp.Enforced != nil || exp.Transfers != nil || exp.Fallback != nil
	if !needsRecord {
		return errs
	}
	if rec == nil {
		return append(errs, fmt.Sprintf("%s: no cycle record to check", e.Label()))
	}

	for user, want := range exp.Levels {
		if got := rec.WarningLevels[user].String(); got != want {
			errs = append(errs, fmt.Sprintf("%s level %s: expected %s, got %s", e.Label(), user, want, got))
		}
	}
	for user, want := range exp.Counts {
		if got := rec.WarningCounts[user]; got != want {
			errs = append(errs, fmt.Sprintf("%s count %s: expected %d, got %d", e.Label(), user, want, got))
		}
	}
	if exp.Enforced != nil {
		got := enforcedMembers(rec)
		if !slices.Equal(got, exp.Enforced) {
			errs = append(errs, fmt.Sprintf("%s enforced: expected %v, got %v", e.Label(), exp.Enforced, got))
		}
	}
	if exp.Transfers != nil && len(rec.Settlements) != *exp.Transfers {
		errs = append(errs, fmt.Sprintf("%s transfers: expected %d, got %d", e.Label(), *exp.Transfers, len(rec.Settlements)))
	}
	if exp.Fallback != nil && rec.ExplanationFallback != *exp.Fallback {
		errs = append(errs, fmt.Sprintf("%s fallback: expected %t, got %t", e.Label(), *exp.Fallback, rec.ExplanationFallback))
	}
	return errs
}

// enforcedMembers lists flagged members in balance order.
func enforcedMembers(rec *ir.CycleRecord) []string {
	out := []string{}
	for _, b := range rec.Balances {
		if rec.EnforcementFlags[b.UserID] {
			out = append(out, b.UserID)
		}
	}
	return out
}
