// Package balance folds a group's expenses into per-member net balances.
//
// Policy: every expense is split evenly across all current members, or
// across its frozen participants when a member was removed while it was
// open. The payer is credited with the shares of everyone else, each other
// participant is debited one share. Crediting the payer with the sum of the
// other shares (instead of amount - share) keeps the fold exactly conserving
// in decimal arithmetic even when the division does not terminate.
package balance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

var (
	// ErrNoMembers is returned for an empty group. Division is never attempted.
	ErrNoMembers = errors.New("group has no members")

	// ErrMalformedExpense covers non-positive amounts and unknown payers.
	ErrMalformedExpense = errors.New("malformed expense")

	// ErrDuplicateMember is returned when two members share a user id.
	ErrDuplicateMember = errors.New("duplicate member")

	// ErrMalformedPayout covers non-positive payouts and unknown parties.
	ErrMalformedPayout = errors.New("malformed payout")

	// ErrMixedCurrency is returned when expenses carry different currency tags.
	// Conversion is not supported.
	ErrMixedCurrency = errors.New("expenses use more than one currency")
)

// Compute returns the balances of members in member order. Removed
// members keep their position but new expenses are not split onto them.
func Compute(members []ir.Member, expenses []ir.Expense) (ir.Balances, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}

	index := make(map[string]int, len(members))
	balances := make(ir.Balances, len(members))
	var current []string
	for i, m := range members {
		if m.UserID == "" {
			return nil, fmt.Errorf("%w: member %d has an empty user id", ErrDuplicateMember, i)
		}
		if _, dup := index[m.UserID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.UserID)
		}
		index[m.UserID] = i
		balances[i] = ir.Balance{UserID: m.UserID, Amount: decimal.Zero}
		if !m.Removed {
			current = append(current, m.UserID)
		}
	}

	if _, err := CurrencyOf(expenses); err != nil {
		return nil, err
	}

	for _, e := range expenses {
		if !e.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: expense %s has non-positive amount %s", ErrMalformedExpense, e.ID, e.Amount)
		}
		payer, ok := index[e.PayerID]
		if !ok {
			return nil, fmt.Errorf("%w: expense %s paid by non-member %q", ErrMalformedExpense, e.ID, e.PayerID)
		}

		split := current
		if len(e.Participants) > 0 {
			split = e.Participants
		}
		if len(split) == 0 {
			return nil, fmt.Errorf("%w: expense %s has nobody to split across", ErrNoMembers, e.ID)
		}

		share := e.Amount.Div(decimal.NewFromInt(int64(len(split))))
		credit := decimal.Zero
		for _, user := range split {
			i, ok := index[user]
			if !ok {
				return nil, fmt.Errorf("%w: expense %s split onto non-member %q", ErrMalformedExpense, e.ID, user)
			}
			if i == payer {
				continue
			}
			balances[i].Amount = balances[i].Amount.Sub(share)
			credit = credit.Add(share)
		}
		balances[payer].Amount = balances[payer].Amount.Add(credit)
	}

	return balances, nil
}

// ApplyPayouts returns balances with payouts already made taken into
// account: the payer owes less, the payee is owed less. balances is not
// modified.
func ApplyPayouts(balances ir.Balances, payouts []ir.Payout) (ir.Balances, error) {
	out := make(ir.Balances, len(balances))
	copy(out, balances)

	index := make(map[string]int, len(out))
	for i, b := range out {
		index[b.UserID] = i
	}
	for _, p := range payouts {
		if !p.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: payout %s has non-positive amount %s", ErrMalformedPayout, p.ID, p.Amount)
		}
		from, okFrom := index[p.FromUserID]
		to, okTo := index[p.ToUserID]
		if !okFrom || !okTo {
			return nil, fmt.Errorf("%w: payout %s between %q and %q", ErrMalformedPayout, p.ID, p.FromUserID, p.ToUserID)
		}
		out[from].Amount = out[from].Amount.Add(p.Amount)
		out[to].Amount = out[to].Amount.Sub(p.Amount)
	}
	return out, nil
}

// CurrencyOf returns the single currency tag used by expenses. Empty tags
// are neutral. An empty expense list yields "".
func CurrencyOf(expenses []ir.Expense) (string, error) {
	tag := ""
	for _, e := range expenses {
		if e.CurrencyTag == "" || e.CurrencyTag == tag {
			continue
		}
		if tag != "" {
			return "", fmt.Errorf("%w: %s and %s", ErrMixedCurrency, tag, e.CurrencyTag)
		}
		tag = e.CurrencyTag
	}
	return tag, nil
}
