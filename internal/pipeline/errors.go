package pipeline

import (
	"errors"
	"fmt"

	"github.com/roach88/settler/internal/ir"
)

// CycleError is a failure of a settlement cycle or of the pipeline wiring.
//
// Codes:
//   - INVALID_GROUP_STATE: empty membership, malformed expense, unknown group
//   - COLLABORATOR_UNAVAILABLE: a collaborator without a fallback failed
//   - LEDGER_PARTIAL_FAILURE: some ledger directives failed
//   - CONCURRENT_CYCLE_CONFLICT: another cycle holds or changed the group
//   - WIRING: a stage reads or writes fields it must not
//   - RECONCILIATION: ledger effects happened but the cycle was not archived
type CycleError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// GroupID identifies the affected group.
	GroupID string

	// CycleID identifies the affected cycle, once one was assigned.
	CycleID string

	// Stage names the stage that failed, if any.
	Stage string

	// Err is the underlying cause.
	Err error

	// Record is the unsaved cycle record of a RECONCILIATION error.
	Record *ir.CycleRecord
}

// ErrorCode categorizes cycle errors.
type ErrorCode string

const (
	ErrCodeInvalidGroupState       ErrorCode = "INVALID_GROUP_STATE"
	ErrCodeCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"
	ErrCodeLedgerPartialFailure    ErrorCode = "LEDGER_PARTIAL_FAILURE"
	ErrCodeConcurrentCycle         ErrorCode = "CONCURRENT_CYCLE_CONFLICT"
	ErrCodeWiring                  ErrorCode = "WIRING"
	ErrCodeReconciliation          ErrorCode = "RECONCILIATION"
)

// Error implements the error interface.
func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.GroupID != "" {
		msg += fmt.Sprintf(" (group=%s", e.GroupID)
		if e.CycleID != "" {
			msg += ", cycle=" + e.CycleID
		}
		if e.Stage != "" {
			msg += ", stage=" + e.Stage
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CycleError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first CycleError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsInvalidGroupState reports whether err is an INVALID_GROUP_STATE error.
func IsInvalidGroupState(err error) bool {
	return CodeOf(err) == ErrCodeInvalidGroupState
}

// IsCollaboratorUnavailable reports whether err is a COLLABORATOR_UNAVAILABLE error.
func IsCollaboratorUnavailable(err error) bool {
	return CodeOf(err) == ErrCodeCollaboratorUnavailable
}

// IsLedgerPartialFailure reports whether err is a LEDGER_PARTIAL_FAILURE error.
func IsLedgerPartialFailure(err error) bool {
	return CodeOf(err) == ErrCodeLedgerPartialFailure
}

// IsConcurrentCycle reports whether err is a CONCURRENT_CYCLE_CONFLICT error.
func IsConcurrentCycle(err error) bool {
	return CodeOf(err) == ErrCodeConcurrentCycle
}

// IsWiring reports whether err is a WIRING error.
func IsWiring(err error) bool {
	return CodeOf(err) == ErrCodeWiring
}

// IsReconciliation reports whether err is a RECONCILIATION error.
// The caller must reconcile ledger effects by hand.
func IsReconciliation(err error) bool {
	return CodeOf(err) == ErrCodeReconciliation
}

func wiringError(stage, format string, args ...any) *CycleError {
	return &CycleError{
		Code:    ErrCodeWiring,
		Message: fmt.Sprintf(format, args...),
		Stage:   stage,
	}
}
