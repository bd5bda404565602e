// Package governance turns warning state into structured enforcement
// decisions and plans the ledger directives that carry them out.
//
// Decisions are rule-derived and never depend on generated text; any prose
// about a decision is rendered afterwards from the decision itself.
package governance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/ir"
)

// Decide maps a member's level and balance to an action. Below the top
// level the zero action is returned. At the top level removal is always
// recommended; a deduction of the rounded absolute balance is added when
// the member owes money.
func Decide(userID string, level ir.WarningLevel, bal decimal.Decimal, places int32) ir.GovernanceAction {
	action := ir.GovernanceAction{UserID: userID, AmountToDeduct: decimal.Zero}
	if !level.IsTop() {
		return action
	}

	action.RemoveUser = true
	if bal.IsNegative() {
		if amount := bal.Abs().Round(places); amount.IsPositive() {
			action.DeductWallet = true
			action.AmountToDeduct = amount
		}
	}
	action.Reason = reason(level, action)
	return action
}

// Decisions returns one action per top-level member, in balance order.
func Decisions(balances ir.Balances, levels map[string]ir.WarningLevel, places int32) []ir.GovernanceAction {
	out := make([]ir.GovernanceAction, 0)
	for _, b := range balances {
		a := Decide(b.UserID, levels[b.UserID], b.Amount, places)
		if a.Actionable() {
			out = append(out, a)
		}
	}
	return out
}

func reason(level ir.WarningLevel, a ir.GovernanceAction) string {
	if a.DeductWallet {
		return fmt.Sprintf("warning level %s with outstanding debt of %s", level, a.AmountToDeduct.String())
	}
	return fmt.Sprintf("warning level %s", level)
}
