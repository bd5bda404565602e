package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/store"
)

// Repository is an in-memory stand-in for *store.Store with the same
// error contract (store.ErrGroupNotFound, store.ErrVersionConflict, ...).
//
// The exported error fields inject collaborator failures.
type Repository struct {
	mu     sync.Mutex
	groups map[string]*memGroup
	cycles map[string]*ir.CycleRecord

	// HistoryErr is returned by LoadHistory.
	HistoryErr error

	// SaveErr is returned by SaveCycle before anything is written.
	SaveErr error

	// BeforeSave runs inside SaveCycle, before the version check. Tests use
	// it to simulate a concurrent writer.
	BeforeSave func(groupID string)

	saves int
}

type memMember struct {
	ir.Member
	active bool
}

type memExpense struct {
	ir.Expense
	settled bool
}

type memPayout struct {
	ir.Payout
	settled bool
}

type memGroup struct {
	name        string
	currencyTag string
	members     []memMember
	expenses    []memExpense
	payments    []ir.Payment
	payouts     []memPayout
	counts      ir.WarningCounts
	lastNumber  int64
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		groups: make(map[string]*memGroup),
		cycles: make(map[string]*ir.CycleRecord),
	}
}

// AddGroup registers a group. Expenses are unsettled and members active.
func (r *Repository) AddGroup(groupID, currencyTag string, members []ir.Member, expenses []ir.Expense, payments []ir.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := &memGroup{
		name:        groupID,
		currencyTag: currencyTag,
		payments:    append([]ir.Payment(nil), payments...),
		counts:      ir.WarningCounts{Counts: map[string]int{}},
	}
	for _, m := range members {
		g.members = append(g.members, memMember{Member: m, active: true})
	}
	for _, e := range expenses {
		g.expenses = append(g.expenses, memExpense{Expense: e})
	}
	r.groups[groupID] = g
}

// AddExpense appends an unsettled expense to a group.
func (r *Repository) AddExpense(groupID string, e ir.Expense) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[groupID]
	g.expenses = append(g.expenses, memExpense{Expense: e})
}

// SetCounts overwrites a group's counters without touching the version.
func (r *Repository) SetCounts(groupID string, counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[groupID]
	g.counts.Counts = make(map[string]int, len(counts))
	for k, v := range counts {
		g.counts.Counts[k] = v
	}
}

// BumpVersion increments a group's counter version, as another writer would.
// It does not lock; call it only from BeforeSave or while no save runs.
func (r *Repository) BumpVersion(groupID string) {
	r.groups[groupID].counts.Version++
}

// Counts returns a copy of a group's counters.
func (r *Repository) Counts(groupID string) ir.WarningCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[groupID].counts.Clone()
}

// Active reports whether a member is still active.
func (r *Repository) Active(groupID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.groups[groupID].members {
		if m.UserID == userID {
			return m.active
		}
	}
	return false
}

// Saves returns the number of successful SaveCycle calls.
func (r *Repository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// Payouts returns a group's payouts that no executed cycle has settled.
func (r *Repository) Payouts(groupID string) []ir.Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return openPayouts(r.groups[groupID])
}

func openPayouts(g *memGroup) []ir.Payout {
	out := []ir.Payout{}
	for _, p := range g.payouts {
		if !p.settled {
			out = append(out, p.Payout)
		}
	}
	return out
}

// LoadGroup returns the members a cycle folds, unsettled expenses, open
// payouts and counters. Removed members stay while party to an open expense
// or payout.
func (r *Repository) LoadGroup(_ context.Context, groupID string) (ir.GroupSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return ir.GroupSnapshot{}, fmt.Errorf("load group %s: %w", groupID, store.ErrGroupNotFound)
	}

	snap := ir.GroupSnapshot{
		GroupID:         groupID,
		Name:            g.name,
		CurrencyTag:     g.currencyTag,
		Members:         []ir.Member{},
		Expenses:        []ir.Expense{},
		Payouts:         openPayouts(g),
		WarningCounts:   g.counts.Clone(),
		NextCycleNumber: g.lastNumber + 1,
	}
	party := make(map[string]bool)
	for _, e := range g.expenses {
		if e.settled {
			continue
		}
		e.Participants = append([]string(nil), e.Participants...)
		snap.Expenses = append(snap.Expenses, e.Expense)
		party[e.PayerID] = true
		for _, id := range e.Participants {
			party[id] = true
		}
	}
	for _, p := range snap.Payouts {
		party[p.FromUserID] = true
		party[p.ToUserID] = true
	}
	for _, m := range g.members {
		if m.active || party[m.UserID] {
			member := m.Member
			member.Removed = !m.active
			snap.Members = append(snap.Members, member)
		}
	}
	return snap, nil
}

// LoadHistory derives the group's history at now.
func (r *Repository) LoadHistory(_ context.Context, groupID string, now time.Time) (ir.History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.HistoryErr != nil {
		return ir.History{}, r.HistoryErr
	}
	g, ok := r.groups[groupID]
	if !ok {
		return ir.History{}, fmt.Errorf("load history %s: %w", groupID, store.ErrGroupNotFound)
	}
	return ir.HistoryFromPayments(g.payments, now), nil
}

// SaveCycle archives a record with the same version guard as the store. It
// supersedes the group's pending cycles and freezes the split of the record's
// expenses before deactivating members.
func (r *Repository) SaveCycle(_ context.Context, rec *ir.CycleRecord, counts ir.WarningCounts, deactivate []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}
	g, ok := r.groups[rec.GroupID]
	if !ok {
		return fmt.Errorf("save cycle %s: %w", rec.ID, store.ErrGroupNotFound)
	}
	if r.BeforeSave != nil {
		r.BeforeSave(rec.GroupID)
	}
	if g.counts.Version != counts.Version {
		return fmt.Errorf("save cycle %s: %w", rec.ID, store.ErrVersionConflict)
	}

	next := counts.Clone()
	next.Version++
	g.counts = next
	g.lastNumber = rec.Number

	for _, c := range r.cycles {
		if c.GroupID == rec.GroupID && c.SettlementStatus == ir.SettlementPending {
			c.SettlementStatus = ir.SettlementSuperseded
		}
	}
	cp := *rec
	r.cycles[rec.ID] = &cp

	if len(deactivate) > 0 {
		freezeSplits(g, rec)
	}
	for _, user := range deactivate {
		for i := range g.members {
			if g.members[i].UserID == user {
				g.members[i].active = false
			}
		}
	}
	r.saves++
	return nil
}

func freezeSplits(g *memGroup, rec *ir.CycleRecord) {
	var split []string
	for _, m := range rec.Members {
		if !m.Removed {
			split = append(split, m.UserID)
		}
	}
	consumed := make(map[string]bool, len(rec.ExpenseIDs))
	for _, id := range rec.ExpenseIDs {
		consumed[id] = true
	}
	for i := range g.expenses {
		e := &g.expenses[i]
		if consumed[e.ID] && len(e.Participants) == 0 {
			e.Participants = append([]string(nil), split...)
		}
	}
}

// LoadCycle returns a copy of an archived record.
func (r *Repository) LoadCycle(_ context.Context, cycleID string) (*ir.CycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.cycles[cycleID]
	if !ok {
		return nil, fmt.Errorf("load cycle %s: %w", cycleID, store.ErrCycleNotFound)
	}
	cp := *rec
	return &cp, nil
}

// CompleteSettlement mirrors store.CompleteSettlement.
func (r *Repository) CompleteSettlement(_ context.Context, cycleID string, outcome ir.SettlementOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.cycles[cycleID]
	if !ok {
		return fmt.Errorf("complete settlement %s: %w", cycleID, store.ErrCycleNotFound)
	}
	if rec.SettlementStatus != ir.SettlementPending {
		return fmt.Errorf("complete settlement %s (%s): %w", cycleID, rec.SettlementStatus, store.ErrNotPending)
	}

	executedAt := outcome.At.UTC()
	rec.SettlementStatus = outcome.Status
	rec.SettlementResults = outcome.Results
	rec.ExecutedAt = &executedAt

	executed := outcome.Status == ir.SettlementExecuted
	g := r.groups[rec.GroupID]
	for _, p := range outcome.Payouts {
		g.payouts = append(g.payouts, memPayout{Payout: p, settled: executed})
	}
	if !executed {
		return nil
	}
	consumed := make(map[string]bool, len(rec.ExpenseIDs)+len(rec.PayoutIDs))
	for _, id := range rec.ExpenseIDs {
		consumed[id] = true
	}
	for _, id := range rec.PayoutIDs {
		consumed[id] = true
	}
	for i := range g.expenses {
		if consumed[g.expenses[i].ID] {
			g.expenses[i].settled = true
		}
	}
	for i := range g.payouts {
		if consumed[g.payouts[i].ID] {
			g.payouts[i].settled = true
		}
	}
	return nil
}
