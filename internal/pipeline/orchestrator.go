package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/ledgerclient"
	"github.com/roach88/settler/internal/lock"
	"github.com/roach88/settler/internal/policy"
	"github.com/roach88/settler/internal/store"
)

// TracerName is the instrumentation scope of cycle spans.
const TracerName = "github.com/roach88/settler/internal/pipeline"

// Repository is the persistence the orchestrator needs. *store.Store
// implements it.
type Repository interface {
	LoadGroup(ctx context.Context, groupID string) (ir.GroupSnapshot, error)
	LoadHistory(ctx context.Context, groupID string, now time.Time) (ir.History, error)
	SaveCycle(ctx context.Context, rec *ir.CycleRecord, counts ir.WarningCounts, deactivate []string) error
	LoadCycle(ctx context.Context, cycleID string) (*ir.CycleRecord, error)
	CompleteSettlement(ctx context.Context, cycleID string, outcome ir.SettlementOutcome) error
}

var _ Repository = (*store.Store)(nil)

// Orchestrator runs settlement cycles.
//
// Cycles of different groups are independent and may run in parallel.
// Cycles of the same group are serialized by the Locker; a second cycle
// for a busy group fails with CONCURRENT_CYCLE_CONFLICT instead of waiting.
type Orchestrator struct {
	repo      Repository
	policy    *policy.Policy
	locker    lock.Locker
	explainer explain.Explainer
	executor  ledgerclient.Executor
	ids       IDGenerator
	now       func() time.Time
	tracer    trace.Tracer
	steps     []Step
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy replaces the reference policy.
func WithPolicy(p *policy.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithLocker replaces the in-process locker, e.g. with lock.Redis when
// several processes run cycles.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithExplainer replaces the template explainer.
func WithExplainer(e explain.Explainer) Option {
	return func(o *Orchestrator) {
		o.explainer = e
	}
}

// WithExecutor replaces the dry-run ledger executor.
func WithExecutor(x ledgerclient.Executor) Option {
	return func(o *Orchestrator) {
		o.executor = x
	}
}

// WithIDGenerator replaces the UUIDv7 cycle id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithNow replaces time.Now. The clock decides which payments are missed.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// New creates an orchestrator over repo and checks its stage wiring.
func New(repo Repository, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		repo:      repo,
		locker:    lock.NewLocal(),
		explainer: explain.Template{},
		executor:  ledgerclient.DryRun{},
		ids:       UUIDv7Generator{},
		now:       time.Now,
		tracer:    otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.policy == nil {
		p, err := policy.Default()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		o.policy = p
	}

	o.steps = o.defaultSteps()
	if err := Validate(o.steps, InputFields); err != nil {
		return nil, err
	}
	return o, nil
}

// Policy returns the policy in effect.
func (o *Orchestrator) Policy() *policy.Policy {
	return o.policy
}

// Run executes one settlement cycle for a group and returns the archived
// record.
//
// Fatal errors are *CycleError values and leave persisted state unchanged.
// A RECONCILIATION error is returned together with the unsaved record: the
// ledger already applied some directives and the record is the only trace
// of them.
func (o *Orchestrator) Run(ctx context.Context, groupID string) (*ir.CycleRecord, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.cycle",
		trace.WithAttributes(attribute.String("group.id", groupID)),
	)
	defer span.End()

	rec, err := o.run(ctx, span, groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("cycle failed", "group_id", groupID, "code", string(CodeOf(err)), "error", err)
		return rec, err
	}

	span.SetAttributes(attribute.String("cycle.status", string(rec.Status)))
	return rec, nil
}

func (o *Orchestrator) run(ctx context.Context, span trace.Span, groupID string) (*ir.CycleRecord, error) {
	unlock, err := o.acquire(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, groupID, unlock)

	snap, err := o.repo.LoadGroup(ctx, groupID)
	if errors.Is(err, store.ErrGroupNotFound) {
		return nil, &CycleError{Code: ErrCodeInvalidGroupState, Message: "group not found", GroupID: groupID, Err: err}
	}
	if err != nil {
		return nil, &CycleError{Code: ErrCodeCollaboratorUnavailable, Message: "load group", GroupID: groupID, Err: err}
	}

	startedAt := o.now()
	st := newRunState(groupID, o.ids.Generate(), snap.NextCycleNumber, startedAt)
	span.SetAttributes(
		attribute.String("cycle.id", st.CycleID),
		attribute.Int64("cycle.number", st.CycleNumber),
	)

	st.Members = snap.Members
	st.Expenses = snap.Expenses
	st.Payouts = snap.Payouts
	st.PriorCounts = snap.WarningCounts.Clone()
	st.CurrencyTag = snap.CurrencyTag
	st.History = o.loadHistory(ctx, groupID, startedAt)
	st.markInputs()

	slog.Info("cycle started",
		"group_id", groupID,
		"cycle_id", st.CycleID,
		"cycle_number", st.CycleNumber,
		"members", len(st.Members),
		"expenses", len(st.Expenses),
		"payouts", len(st.Payouts),
	)

	if err := o.execute(ctx, st); err != nil {
		var ce *CycleError
		if errors.As(err, &ce) && ce.Record != nil {
			return ce.Record, withCycle(err, groupID, st.CycleID)
		}
		return nil, withCycle(err, groupID, st.CycleID)
	}

	slog.Info("cycle completed",
		"group_id", groupID,
		"cycle_id", st.CycleID,
		"status", string(st.Record.Status),
		"settlements", len(st.Settlements),
		"excluded", len(st.ExcludedMembers),
		"directives", len(st.ExecutionResults),
	)
	return st.Record, nil
}

// loadHistory falls back to an empty history: risk then only sees
// balances and counters.
func (o *Orchestrator) loadHistory(ctx context.Context, groupID string, now time.Time) ir.History {
	history, err := o.repo.LoadHistory(ctx, groupID, now)
	if err != nil {
		slog.Warn("payment history unavailable, scoring without it",
			"group_id", groupID,
			"error", err,
		)
		return ir.History{Payments: map[string][]ir.Payment{}, MissedSettlements: map[string]int{}}
	}
	return history
}

// execute runs the steps in order. Forked stages run concurrently on
// private copies and are committed in declaration order after the join.
func (o *Orchestrator) execute(ctx context.Context, st *RunState) error {
	detached := false
	for _, step := range o.steps {
		if !detached {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cycle canceled before %s: %w", step, err)
			}
		}
		for _, stage := range step {
			if stage.External && !detached {
				ctx = context.WithoutCancel(ctx)
				detached = true
			}
		}

		if err := o.runStep(ctx, st, step); err != nil {
			return err
		}
	}
	return nil
}

type branchResult struct {
	stage Stage
	state *RunState
	err   error
}

func (o *Orchestrator) runStep(ctx context.Context, st *RunState, step Step) error {
	for _, stage := range step {
		if err := checkReads(stage, st); err != nil {
			return err
		}
	}

	results := make([]branchResult, len(step))
	if len(step) == 1 {
		results[0] = o.runStage(ctx, st, step[0])
	} else {
		var wg sync.WaitGroup
		for i, stage := range step {
			local := st.fork()
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = o.runStageOn(ctx, st.GroupID, st.CycleID, local, stage)
			}()
		}
		wg.Wait()
	}

	for _, r := range results {
		if r.err != nil {
			return r.err
		}
	}
	for _, r := range results {
		if err := st.commit(r.stage, r.state); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, st *RunState, stage Stage) branchResult {
	return o.runStageOn(ctx, st.GroupID, st.CycleID, st.fork(), stage)
}

func (o *Orchestrator) runStageOn(ctx context.Context, groupID, cycleID string, local *RunState, stage Stage) branchResult {
	ctx, span := o.tracer.Start(ctx, "stage."+stage.Name,
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.String("stage.name", stage.Name),
		),
	)
	defer span.End()

	began := o.now()
	err := stage.Run(ctx, local)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var ce *CycleError
		if errors.As(err, &ce) {
			if ce.Stage == "" {
				ce.Stage = stage.Name
			}
		} else {
			err = fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		return branchResult{stage: stage, err: err}
	}

	slog.Debug("stage completed",
		"group_id", groupID,
		"cycle_id", cycleID,
		"stage", stage.Name,
		"duration_ms", o.now().Sub(began).Milliseconds(),
	)
	return branchResult{stage: stage, state: local}
}

func (o *Orchestrator) acquire(ctx context.Context, groupID string) (lock.Unlock, error) {
	unlock, err := o.locker.TryLock(ctx, groupID)
	if errors.Is(err, lock.ErrHeld) {
		return nil, &CycleError{
			Code:    ErrCodeConcurrentCycle,
			Message: "another cycle is running for this group",
			GroupID: groupID,
			Err:     err,
		}
	}
	if err != nil {
		return nil, &CycleError{Code: ErrCodeCollaboratorUnavailable, Message: "acquire group lock", GroupID: groupID, Err: err}
	}
	return unlock, nil
}

func (o *Orchestrator) release(ctx context.Context, groupID string, unlock lock.Unlock) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("release group lock", "group_id", groupID, "error", err)
	}
}

// withCycle fills in the group and cycle of a CycleError.
func withCycle(err error, groupID, cycleID string) error {
	var ce *CycleError
	if errors.As(err, &ce) {
		if ce.GroupID == "" {
			ce.GroupID = groupID
		}
		if ce.CycleID == "" {
			ce.CycleID = cycleID
		}
	}
	return err
}

// GroupResult is the outcome of one group in RunGroups.
type GroupResult struct {
	GroupID string
	Record  *ir.CycleRecord
	Err     error
}

// RunGroups runs one cycle per group concurrently and returns the results
// in the order of groupIDs. A failing group does not affect the others.
func (o *Orchestrator) RunGroups(ctx context.Context, groupIDs []string) []GroupResult {
	results := make([]GroupResult, len(groupIDs))

	var wg sync.WaitGroup
	for i, id := range groupIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := o.Run(ctx, id)
			results[i] = GroupResult{GroupID: id, Record: rec, Err: err}
		}()
	}
	wg.Wait()
	return results
}
