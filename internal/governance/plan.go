package governance

import (
	"fmt"

	"github.com/roach88/settler/internal/ir"
	"github.com/roach88/settler/internal/money"
)

// PlanConfig controls how decisions become ledger directives.
type PlanConfig struct {
	TreasuryWallet     string
	MinorUnitExponent  int32
	RequireEnforcement bool
}

// Plan builds the directives for a cycle's decisions. Only members whose
// enforcement flag is set are planned unless RequireEnforcement is off.
//
// Directives that cannot be submitted (no wallet on file, no treasury
// configured) come back as failed results and are left out of the plan.
// Deductions precede removals so a removed member is charged first.
// Members already removed get no directive.
func Plan(groupID, cycleID string, members []ir.Member, actions []ir.GovernanceAction, enforcement map[string]bool, cfg PlanConfig) (ir.ExecutionPlan, []ir.ExecutionResult, error) {
	plan := ir.ExecutionPlan{
		GroupID:   groupID,
		CycleID:   cycleID,
		Transfers: make([]ir.Transfer, 0),
		Removals:  make([]ir.Removal, 0),
	}
	rejected := make([]ir.ExecutionResult, 0)
	wallets := walletsOf(members)
	removed := make(map[string]bool)
	for _, m := range members {
		if m.Removed {
			removed[m.UserID] = true
		}
	}

	for _, a := range actions {
		if !a.Actionable() || removed[a.UserID] {
			continue
		}
		if cfg.RequireEnforcement && !enforcement[a.UserID] {
			continue
		}
		wallet := wallets[a.UserID]

		if a.DeductWallet {
			id := ActionID(cycleID, ir.DirectiveDeduction, a.UserID)
			switch {
			case wallet == "":
				rejected = append(rejected, failed(id, ir.DirectiveDeduction, a.UserID, "member has no wallet"))
			case cfg.TreasuryWallet == "":
				rejected = append(rejected, failed(id, ir.DirectiveDeduction, a.UserID, "no treasury wallet configured"))
			default:
				minor, err := money.ToMinorUnits(a.AmountToDeduct, cfg.MinorUnitExponent)
				if err != nil {
					return ir.ExecutionPlan{}, nil, fmt.Errorf("plan deduction for %s: %w", a.UserID, err)
				}
				plan.Transfers = append(plan.Transfers, ir.Transfer{
					ActionID:         id,
					Kind:             ir.DirectiveDeduction,
					UserID:           a.UserID,
					PayerWallet:      wallet,
					PayeeWallet:      cfg.TreasuryWallet,
					AmountMinorUnits: minor,
				})
			}
		}

		if a.RemoveUser {
			plan.Removals = append(plan.Removals, ir.Removal{
				ActionID:  ActionID(cycleID, ir.DirectiveRemoval, a.UserID),
				UserID:    a.UserID,
				WalletRef: wallet,
			})
		}
	}
	return plan, rejected, nil
}

// SettlementPlan builds the transfers that pay out a cycle's settlements,
// debtor wallet to creditor wallet. Settlements with a missing wallet on
// either side are rejected.
func SettlementPlan(groupID, cycleID string, members []ir.Member, settlements []ir.Settlement, exponent int32) (ir.ExecutionPlan, []ir.ExecutionResult, error) {
	plan := ir.ExecutionPlan{
		GroupID:   groupID,
		CycleID:   cycleID,
		Transfers: make([]ir.Transfer, 0, len(settlements)),
		Removals:  make([]ir.Removal, 0),
	}
	rejected := make([]ir.ExecutionResult, 0)
	wallets := walletsOf(members)

	for i, s := range settlements {
		id := SettlementActionID(cycleID, i)
		from, to := wallets[s.FromUserID], wallets[s.ToUserID]
		if from == "" || to == "" {
			rejected = append(rejected, failed(id, ir.DirectiveSettlement, s.FromUserID, "settlement party has no wallet"))
			continue
		}
		minor, err := money.ToMinorUnits(s.Amount, exponent)
		if err != nil {
			return ir.ExecutionPlan{}, nil, fmt.Errorf("plan settlement %d: %w", i, err)
		}
		plan.Transfers = append(plan.Transfers, ir.Transfer{
			ActionID:         id,
			Kind:             ir.DirectiveSettlement,
			UserID:           s.FromUserID,
			PayerWallet:      from,
			PayeeWallet:      to,
			AmountMinorUnits: minor,
		})
	}
	return plan, rejected, nil
}

// SettlementActionID is the stable identifier of the i-th settlement
// transfer of a cycle.
func SettlementActionID(cycleID string, i int) string {
	return fmt.Sprintf("%s:%s:%d", cycleID, ir.DirectiveSettlement, i)
}

// ActionID is the stable identifier of a per-member directive.
func ActionID(cycleID string, kind ir.DirectiveKind, userID string) string {
	return fmt.Sprintf("%s:%s:%s", cycleID, kind, userID)
}

func walletsOf(members []ir.Member) map[string]string {
	out := make(map[string]string, len(members))
	for _, m := range members {
		out[m.UserID] = m.WalletRef
	}
	return out
}

func failed(id string, kind ir.DirectiveKind, userID, msg string) ir.ExecutionResult {
	return ir.ExecutionResult{ActionID: id, Kind: kind, UserID: userID, Success: false, Error: msg}
}
