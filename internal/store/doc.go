// Package store provides SQLite-backed persistence for settlement groups
// and the cycles run against them.
//
// Tables:
//   - groups, members, expenses, payments: the group's raw data
//   - group_warning_state, warning_counts: the versioned LEVEL_3 counters,
//     the only state that outlives a cycle
//   - cycles, cycle_expenses, execution_results: archived cycle outcomes
//
// # Critical Patterns
//
// Atomic counter update: SaveCycle compares the counter version loaded by
// the cycle with the stored one inside the same transaction that writes the
// counters and the cycle record. A mismatch aborts the transaction with
// ErrVersionConflict and nothing is written.
//
// Deterministic reads: members and expenses are returned in import order
// (seq ASC), which drives balance and netting order.
//
// Amounts are decimal TEXT. Timestamps are RFC 3339 TEXT in UTC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
