// Package harness runs multi-cycle settlement scenarios against the real
// orchestrator and a fresh in-memory store.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: escalation
//	description: "A member escalates to enforcement on the third top-level warning"
//	fixtures:
//	  - ../fixtures/risky.yaml
//	policy: |
//	  ledger: treasury_wallet: "treasury"
//	clock: 2025-06-01T12:00:00Z
//	ledger:
//	  fail_users: { C: "insufficient funds" }
//	steps:
//	  - run: [g1]
//	    advance: 720h
//	    expect:
//	      - group: g1
//	        status: completed
//	        levels: { C: LEVEL_3 }
//	        counts: { C: 1 }
//	        enforced: []
//	  - execute: g1
//	    expect:
//	      - settlement_status: executed
//	  - reset: { group: g1, user: C }
//	  - import: ../fixtures/more.yaml
//	assertions:
//	  - type: trace_count
//	    event: cycle g1
//	    count: 3
//	  - type: final_state
//	    table: members
//	    where: { group_id: g1, user_id: C }
//	    expect: { is_active: 0 }
//
// # Assertion Types
//
//   - trace_contains: an event with the label ("cycle g1") has matching fields
//   - trace_order: labels first appear in the given order
//   - trace_count: a label appears exactly N times
//   - final_state: a store table row has the expected column values
//
// # Deterministic Testing
//
// Every scenario runs with a settable clock that only moves on "advance",
// sequential cycle ids, the template explainer and a scripted ledger, so
// summaries are byte-identical across runs and can be kept as golden files.
package harness
