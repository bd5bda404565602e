package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settler/internal/ir"
)

var (
	flatFixture  = filepath.Join("testdata", "fixtures", "flat.yaml")
	riskyFixture = filepath.Join("testdata", "fixtures", "risky.yaml")
)

func TestScenarios(t *testing.T) {
	for _, name := range []string{"escalation", "ledger_failures", "parallel_groups"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_SingleCycle(t *testing.T) {
	scenario := &Scenario{
		Name:        "single",
		Description: "one cycle",
		Fixtures:    []string{flatFixture},
		Steps:       []Step{{Run: []string{"g1"}}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "import g1", result.Trace[0].Label())
	assert.Equal(t, int64(1), result.Trace[0].Seq)

	e := result.Trace[1]
	assert.Equal(t, "cycle g1", e.Label())
	assert.Equal(t, int64(2), e.Seq)
	assert.Equal(t, int64(1), e.Cycle)
	assert.Equal(t, "cycle-1", e.CycleID)
	assert.Equal(t, string(ir.CycleCompleted), e.Status)
	assert.Equal(t, string(ir.SettlementPending), e.SettlementStatus)
	require.NotNil(t, e.Record)
	assert.Len(t, e.Record.Settlements, 2)
	assert.False(t, e.Record.ExplanationFallback)

	records := result.Records()
	require.Len(t, records, 1)
	assert.Same(t, e.Record, records[0])
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "parallel_groups.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, Summary(scenario.Name, first), Summary(scenario.Name, second))
}

func TestRun_FreshStorePerRun(t *testing.T) {
	scenario := &Scenario{
		Name:        "fresh",
		Description: "cycle numbers restart",
		Fixtures:    []string{flatFixture},
		Steps:       []Step{{Run: []string{"g1"}}},
	}

	for i := 0; i < 2; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)
		require.Len(t, result.Trace, 2)
		assert.Equal(t, int64(1), result.Trace[1].Cycle)
	}
}

func TestRun_ExpectationMismatch(t *testing.T) {
	transfers := 5
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "wrong expectations are reported",
		Fixtures:    []string{flatFixture},
		Steps: []Step{{
			Run: []string{"g1"},
			Expect: []Expectation{{
				Group:     "g1",
				Status:    string(ir.CycleCompletedWithErrors),
				Levels:    map[string]string{"A": "LEVEL_1"},
				Transfers: &transfers,
			}},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], `steps[0]: cycle g1 status: expected "completed-with-errors", got "completed"`)
	assert.Contains(t, result.Errors[1], "level A: expected LEVEL_1, got NONE")
	assert.Contains(t, result.Errors[2], "transfers: expected 5, got 2")
}

func TestRun_ExpectationWithoutEvent(t *testing.T) {
	scenario := &Scenario{
		Name:        "no_event",
		Description: "expectation for a group the step did not touch",
		Fixtures:    []string{flatFixture},
		Steps: []Step{{
			Run:    []string{"g1"},
			Expect: []Expectation{{Group: "g9", Status: "completed"}},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{`steps[0]: no event for group "g9"`}, result.Errors)
}

func TestRun_AssertionFailure(t *testing.T) {
	scenario := &Scenario{
		Name:        "assertion",
		Description: "final state mismatch is reported",
		Fixtures:    []string{flatFixture},
		Steps:       []Step{{Run: []string{"g1"}}},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "cycle g1", Count: 1},
			{
				Type:   AssertFinalState,
				Table:  "expenses",
				Where:  map[string]interface{}{"id": "e1"},
				Expect: map[string]interface{}{"settled": 1},
			},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: final_state")
	assert.Contains(t, result.Errors[0], `field "settled" = 0`)
}

func TestRun_LedgerDown(t *testing.T) {
	scenario := &Scenario{
		Name:        "ledger_down",
		Description: "an unreachable ledger fails every directive",
		Fixtures:    []string{riskyFixture},
		Policy:      "ledger: treasury_wallet: \"treasury\"\nwarning: escalation_count: 1\n",
		Ledger:      LedgerScript{Down: true},
		Steps: []Step{{
			Run:    []string{"g1"},
			Expect: []Expectation{{Status: string(ir.CycleCompletedWithErrors), Enforced: []string{"C"}}},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	rec := result.Records()[0]
	require.Len(t, rec.ExecutionResults, 2)
	for _, r := range rec.ExecutionResults {
		assert.False(t, r.Success)
		assert.Equal(t, "ledger down", r.Error)
	}
}

func TestRun_ExecuteWithoutCycles(t *testing.T) {
	scenario := &Scenario{
		Name:        "no_cycles",
		Description: "nothing to execute",
		Fixtures:    []string{flatFixture},
		Steps:       []Step{{Execute: "g1"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0: execute g1: group has no cycles")
}

func TestRun_ResetUnknownMember(t *testing.T) {
	scenario := &Scenario{
		Name:        "reset_unknown",
		Description: "reset needs a member",
		Fixtures:    []string{flatFixture},
		Steps:       []Step{{Reset: &ResetStep{Group: "g1", User: "Z"}}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0")
}

func TestRun_InvalidPolicy(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_policy",
		Description: "policy does not unify",
		Fixtures:    []string{flatFixture},
		Policy:      `warning: escalation_count: "three"`,
		Steps:       []Step{{Run: []string{"g1"}}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario policy")
}

func TestRun_MissingFixture(t *testing.T) {
	scenario := &Scenario{
		Name:        "missing",
		Description: "fixture does not exist",
		Fixtures:    []string{filepath.Join("testdata", "fixtures", "nope.yaml")},
		Steps:       []Step{{Run: []string{"g1"}}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to import fixture")
}

func TestRun_ClockStartsAtScenarioClock(t *testing.T) {
	// Before January nothing is overdue, so C only carries late payments.
	scenario := &Scenario{
		Name:        "early",
		Description: "history is seen from the scenario clock",
		Fixtures:    []string{riskyFixture},
		Clock:       DefaultClock.AddDate(-1, 0, 0),
		Steps:       []Step{{Run: []string{"g1"}}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	rec := result.Records()[0]
	assert.InDelta(t, 0.7, rec.RiskScores["C"], 1e-9)
	assert.Equal(t, ir.WarningLevel2, rec.WarningLevels["C"])
	assert.Equal(t, DefaultClock.AddDate(-1, 0, 0), rec.StartedAt)
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_AddEvent(t *testing.T) {
	r := NewResult()
	first := r.AddEvent(TraceEvent{Type: EventImport, Group: "g1"})
	second := r.AddEvent(TraceEvent{Type: EventCycle, Group: "g1"})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Empty(t, r.Records())
}
