// Package pipeline orchestrates settlement cycles.
//
// A cycle loads a group, then runs a fixed sequence of stages over a
// RunState:
//
//	balances → netting → risk → warnings → {explanation, governance}
//	  → ledgerExecution → finalize
//
// Each stage declares the fields it reads and writes. Validate rejects a
// definition where a stage reads a field nobody wrote before it, where a
// field is written twice, or where the two branches of the fork depend on
// each other. The definition is checked when the Orchestrator is built.
//
// Failure handling:
//   - invalid group data aborts before any external call (INVALID_GROUP_STATE)
//   - a failing explainer or history load is replaced by a fallback value
//   - failed ledger directives are recorded one by one and the cycle ends
//     completed-with-errors
//   - a busy group or a concurrent counter update is a CONCURRENT_CYCLE_CONFLICT
//   - an archive failure after ledger effects is a RECONCILIATION error
//
// Nothing is persisted before finalize, so every fatal error leaves the
// stored group untouched. After the ledger stage starts, cancellation of
// the caller's context no longer interrupts the cycle.
package pipeline
