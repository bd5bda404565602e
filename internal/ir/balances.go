package ir

import "github.com/shopspring/decimal"

// Balance is the signed net position of one member.
// Positive: the member is owed money. Negative: the member owes money.
type Balance struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// Balances is an insertion-ordered userID → amount mapping.
// Order follows the group's member order and drives netting order.
type Balances []Balance

// Get returns the balance of a user.
func (b Balances) Get(userID string) (decimal.Decimal, bool) {
	for _, e := range b {
		if e.UserID == userID {
			return e.Amount, true
		}
	}
	return decimal.Zero, false
}

// Amount returns the balance of a user, zero when absent.
func (b Balances) Amount(userID string) decimal.Decimal {
	amt, _ := b.Get(userID)
	return amt
}

// Sum adds every balance. For a consistent ledger it is zero.
func (b Balances) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range b {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// UserIDs returns user ids in insertion order.
func (b Balances) UserIDs() []string {
	ids := make([]string, len(b))
	for i, e := range b {
		ids[i] = e.UserID
	}
	return ids
}

// Map returns an unordered copy, convenient for lookups in tests and reports.
func (b Balances) Map() map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(b))
	for _, e := range b {
		m[e.UserID] = e.Amount
	}
	return m
}

// Settlement is a point-to-point transfer instruction. Amount is positive.
type Settlement struct {
	FromUserID string          `json:"from"`
	ToUserID   string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
}
