// Package netting converts net balances into point-to-point settlement
// instructions (TEX).
//
// The sweep is greedy: debtors and creditors are taken in balance order and
// the head debtor pays the head creditor min(debt, credit) until one side is
// exhausted. It yields at most |creditors| + |debtors| - 1 transfers. That
// bound is not a global optimum (a min-cost-flow formulation can beat it on
// some inputs); the sweep is kept for its simplicity and linear cost.
package netting

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

type position struct {
	userID    string
	remaining decimal.Decimal
}

// Optimize returns the settlements realizing balances. Amounts are rounded
// to places decimals at output only; remaining amounts are tracked at full
// precision. A transfer that rounds to zero is dropped.
func Optimize(balances ir.Balances, places int32) []ir.Settlement {
	var creditors, debtors []position
	for _, b := range balances {
		switch {
		case b.Amount.IsPositive():
			creditors = append(creditors, position{userID: b.UserID, remaining: b.Amount})
		case b.Amount.IsNegative():
			debtors = append(debtors, position{userID: b.UserID, remaining: b.Amount.Neg()})
		}
	}

	settlements := make([]ir.Settlement, 0)
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		debtor := &debtors[i]
		creditor := &creditors[j]

		settle := decimal.Min(debtor.remaining, creditor.remaining)
		if amount := settle.Round(places); amount.IsPositive() {
			settlements = append(settlements, ir.Settlement{
				FromUserID: debtor.userID,
				ToUserID:   creditor.userID,
				Amount:     amount,
			})
		}

		debtor.remaining = debtor.remaining.Sub(settle)
		creditor.remaining = creditor.remaining.Sub(settle)

		if debtor.remaining.IsZero() {
			i++
		}
		if creditor.remaining.IsZero() {
			j++
		}
	}

	return settlements
}

// Replay applies settlements to balances and returns what is left. For a
// correct settlement list every residual is within rounding tolerance of zero.
func Replay(balances ir.Balances, settlements []ir.Settlement) ir.Balances {
	residual := make(ir.Balances, len(balances))
	copy(residual, balances)
	index := make(map[string]int, len(residual))
	for i, b := range residual {
		index[b.UserID] = i
	}

	for _, s := range settlements {
		if i, ok := index[s.FromUserID]; ok {
			residual[i].Amount = residual[i].Amount.Add(s.Amount)
		}
		if i, ok := index[s.ToUserID]; ok {
			residual[i].Amount = residual[i].Amount.Sub(s.Amount)
		}
	}
	return residual
}
