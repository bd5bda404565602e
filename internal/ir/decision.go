package ir

import "github.com/shopspring/decimal"

// GovernanceAction is the structured enforcement decision for one member.
// AmountToDeduct is never negative and is zero whenever DeductWallet is false.
type GovernanceAction struct {
	UserID         string          `json:"user_id"`
	RemoveUser     bool            `json:"remove_user"`
	DeductWallet   bool            `json:"deduct_wallet"`
	AmountToDeduct decimal.Decimal `json:"amount_to_deduct"`
	Reason         string          `json:"reason"`
}

// Actionable reports whether the decision asks for any external effect.
func (a GovernanceAction) Actionable() bool {
	return a.RemoveUser || a.DeductWallet
}

// DirectiveKind distinguishes the ledger directives.
type DirectiveKind string

const (
	DirectiveSettlement DirectiveKind = "settlement"
	DirectiveDeduction  DirectiveKind = "deduction"
	DirectiveRemoval    DirectiveKind = "removal"
)

// Transfer is a payment submitted to the external ledger, in integral minor units.
type Transfer struct {
	ActionID         string        `json:"action_id"`
	Kind             DirectiveKind `json:"kind"`
	UserID           string        `json:"user_id"`
	PayerWallet      string        `json:"payer_wallet"`
	PayeeWallet      string        `json:"payee_wallet"`
	AmountMinorUnits int64         `json:"amount_minor_units"`
}

// Removal asks the ledger to drop a member from the group.
type Removal struct {
	ActionID  string `json:"action_id"`
	UserID    string `json:"user_id"`
	WalletRef string `json:"wallet_ref"`
}

// ExecutionPlan is the ordered set of directives for one ledger call.
// Transfers run before removals.
type ExecutionPlan struct {
	GroupID   string     `json:"group_id"`
	CycleID   string     `json:"cycle_id"`
	Transfers []Transfer `json:"transfers"`
	Removals  []Removal  `json:"removals"`
}

// Len returns the total number of directives.
func (p ExecutionPlan) Len() int {
	return len(p.Transfers) + len(p.Removals)
}

// ExecutionResult is the outcome of one directive. Outcomes are independent.
type ExecutionResult struct {
	ActionID          string        `json:"action_id"`
	Kind              DirectiveKind `json:"kind"`
	UserID            string        `json:"user_id"`
	Success           bool          `json:"success"`
	ExternalReference string        `json:"external_reference,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// CycleStatus is the terminal state of a persisted cycle.
type CycleStatus string

const (
	CycleCompleted           CycleStatus = "completed"
	CycleCompletedWithErrors CycleStatus = "completed-with-errors"
)
