package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/settler/internal/explain"
	"github.com/roach88/settler/internal/ir"
)

// Explainer is a scripted explanation collaborator.
type Explainer struct {
	mu sync.Mutex

	// Text is returned on success.
	Text string

	// Err, when set, is returned instead of Text.
	Err error

	// Block waits for the context to end and returns its error.
	Block bool

	inputs []explain.Input
}

// Explain records the input and answers as scripted.
func (e *Explainer) Explain(ctx context.Context, in explain.Input) (string, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, in)
	text, err, block := e.Text, e.Err, e.Block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Inputs returns every input seen so far.
func (e *Explainer) Inputs() []explain.Input {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]explain.Input(nil), e.inputs...)
}

// ErrLedgerDown is the default error of a failing Executor.
var ErrLedgerDown = errors.New("ledger down")

// Executor is a scripted ledger collaborator. Directives succeed with
// reference "ref:<action id>" unless their user is listed in FailUsers.
type Executor struct {
	mu sync.Mutex

	// FailUsers maps a user id to the error recorded for its directives.
	FailUsers map[string]string

	// Err fails the whole call; nothing is submitted.
	Err error

	// Block waits for the context to end and fails every directive with
	// the context error, like a gateway that never answers.
	Block bool

	plans []ir.ExecutionPlan
}

// Execute records the plan and answers as scripted.
func (x *Executor) Execute(ctx context.Context, plan ir.ExecutionPlan) ([]ir.ExecutionResult, error) {
	x.mu.Lock()
	x.plans = append(x.plans, plan)
	fail, err, block := x.FailUsers, x.Err, x.Block
	x.mu.Unlock()

	if err != nil {
		return nil, err
	}

	var ctxErr error
	if block {
		<-ctx.Done()
		ctxErr = ctx.Err()
	}

	results := make([]ir.ExecutionResult, 0, plan.Len())
	add := func(id string, kind ir.DirectiveKind, user string) {
		r := ir.ExecutionResult{ActionID: id, Kind: kind, UserID: user}
		switch msg, failing := fail[user]; {
		case ctxErr != nil:
			r.Error = ctxErr.Error()
		case failing:
			r.Error = msg
		default:
			r.Success = true
			r.ExternalReference = "ref:" + id
		}
		results = append(results, r)
	}
	for _, t := range plan.Transfers {
		add(t.ActionID, t.Kind, t.UserID)
	}
	for _, rm := range plan.Removals {
		add(rm.ActionID, ir.DirectiveRemoval, rm.UserID)
	}
	return results, nil
}

// Plans returns every plan submitted so far.
func (x *Executor) Plans() []ir.ExecutionPlan {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]ir.ExecutionPlan(nil), x.plans...)
}
