// Package ir holds the data model shared by every stage of a settlement cycle.
//
// This package contains type definitions and serialization helpers only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Money is always decimal.Decimal, never float64. Rounding happens only
//     when an amount leaves the core (settlement instruction, ledger amount,
//     report output).
//   - Balances keep member insertion order; netting depends on it.
//   - Risk scores are plain float64 in [0,1]; they are scores, not money.
//   - All JSON tags use snake_case.
package ir
