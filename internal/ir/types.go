package ir

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member is one participant of a group for the current cycle.
//
// Removed members are only loaded while they are still party to open
// expenses or payouts. They take part in the fold and in payouts but new
// expenses are not split onto them.
type Member struct {
	UserID     string  `json:"user_id"`
	WalletRef  string  `json:"wallet_ref,omitempty"`
	TrustScore float64 `json:"trust_score"`
	Removed    bool    `json:"removed,omitempty"`
}

// Expense is a single shared expense. Immutable once loaded.
//
// Participants is the frozen split of an expense that was open when a
// member was removed. Empty means the expense is split across every
// member that is not removed.
type Expense struct {
	ID           string          `json:"id"`
	PayerID      string          `json:"payer_id"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyTag  string          `json:"currency_tag"`
	Participants []string        `json:"participants,omitempty"`
}

// Payout is a settlement transfer that reached the ledger while its cycle
// as a whole failed. Until a later cycle settles, it is credited to the
// payer and debited from the payee.
type Payout struct {
	ID         string          `json:"id"`
	CycleID    string          `json:"cycle_id"`
	FromUserID string          `json:"from"`
	ToUserID   string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
}

// Payment is one due payment of a member. PaidAt is nil while unpaid.
type Payment struct {
	UserID string     `json:"user_id"`
	DueAt  time.Time  `json:"due_at"`
	PaidAt *time.Time `json:"paid_at,omitempty"`
}

// Late reports whether the payment was made after its due date.
func (p Payment) Late() bool {
	return p.PaidAt != nil && p.PaidAt.After(p.DueAt)
}

// Missed reports whether the payment is still unpaid at now and already due.
func (p Payment) Missed(now time.Time) bool {
	return p.PaidAt == nil && p.DueAt.Before(now)
}

// History is the behavioral record the risk engine scores against.
type History struct {
	// Payments per user, any order.
	Payments map[string][]Payment `json:"payments"`

	// MissedSettlements per user.
	MissedSettlements map[string]int `json:"missed_settlements"`
}

// HistoryFromPayments derives late/missed data from raw payment rows.
// A payment counts as a missed settlement when it is unpaid and due before now.
func HistoryFromPayments(payments []Payment, now time.Time) History {
	h := History{
		Payments:          make(map[string][]Payment),
		MissedSettlements: make(map[string]int),
	}
	for _, p := range payments {
		if p.Missed(now) {
			h.MissedSettlements[p.UserID]++
			continue
		}
		if p.PaidAt != nil {
			h.Payments[p.UserID] = append(h.Payments[p.UserID], p)
		}
	}
	return h
}

// WarningCounts is the only state that outlives a cycle: the number of
// LEVEL_3 warnings per member of a group. Version supports optimistic
// concurrency when the record is written back.
type WarningCounts struct {
	Counts  map[string]int `json:"counts"`
	Version int64          `json:"version"`
}

// Get returns the count for a user, 0 when absent.
func (w WarningCounts) Get(userID string) int {
	return w.Counts[userID]
}

// Clone returns a deep copy so callers can derive a new record without
// touching the loaded one.
func (w WarningCounts) Clone() WarningCounts {
	out := WarningCounts{Counts: make(map[string]int, len(w.Counts)), Version: w.Version}
	for k, v := range w.Counts {
		out.Counts[k] = v
	}
	return out
}
