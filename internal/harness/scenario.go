package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultClock is the scenario start time when none is given.
var DefaultClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Scenario is a multi-cycle run against one store.
// Groups come from fixtures; steps run cycles, execute settlements, reset
// counters or import more data, in order.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Fixtures lists group fixture files imported before the first step.
	// Paths are relative to the scenario file location.
	Fixtures []string `yaml:"fixtures"`

	// Policy is CUE source unified with the policy schema. Empty means
	// the reference policy.
	Policy string `yaml:"policy,omitempty"`

	// Clock is the time of the first step. Defaults to DefaultClock.
	Clock time.Time `yaml:"clock,omitempty"`

	// Explainer selects "template" (default) or "disabled".
	Explainer string `yaml:"explainer,omitempty"`

	// Ledger scripts the ledger collaborator.
	Ledger LedgerScript `yaml:"ledger,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and store state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// LedgerScript controls how the scripted ledger answers.
type LedgerScript struct {
	// FailUsers maps a user id to the error its directives fail with.
	FailUsers map[string]string `yaml:"fail_users,omitempty"`

	// Down fails every ledger call before anything is submitted.
	Down bool `yaml:"down,omitempty"`
}

// Step is one scenario action. Exactly one of Import, Run, Execute or
// Reset is set.
type Step struct {
	// Import is a fixture file to import (new expenses, payments, members).
	Import string `yaml:"import,omitempty"`

	// Run lists group ids to run one cycle each, in parallel.
	Run []string `yaml:"run,omitempty"`

	// Execute pays out the latest cycle of the named group.
	Execute string `yaml:"execute,omitempty"`

	// Reset zeroes one member's warning counter.
	Reset *ResetStep `yaml:"reset,omitempty"`

	// Ledger replaces the ledger script from this step on.
	Ledger *LedgerScript `yaml:"ledger,omitempty"`

	// Advance moves the clock after the step, e.g. "720h".
	Advance string `yaml:"advance,omitempty"`

	// Expect checks the events this step produced.
	Expect []Expectation `yaml:"expect,omitempty"`
}

// ResetStep names the counter to reset.
type ResetStep struct {
	Group string `yaml:"group"`
	User  string `yaml:"user"`
}

// Expectation is a subset match over one event of a step and, for cycle
// events, its record. Unset fields are not checked.
type Expectation struct {
	// Group selects the event; empty means the step's first event.
	Group            string            `yaml:"group,omitempty"`
	Status           string            `yaml:"status,omitempty"`
	SettlementStatus string            `yaml:"settlement_status,omitempty"`
	Error            string            `yaml:"error,omitempty"`
	Levels           map[string]string `yaml:"levels,omitempty"`
	Counts           map[string]int    `yaml:"counts,omitempty"`
	Enforced         []string          `yaml:"enforced,omitempty"`
	Transfers        *int              `yaml:"transfers,omitempty"`
	Fallback         *bool             `yaml:"fallback,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with the label matches args
	// - "trace_order": labels appear in order
	// - "trace_count": label appears exactly N times
	// - "final_state": query a store table and verify expected values
	Type string `yaml:"type"`

	// Event is an event label such as "cycle g1" (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Args are the expected event fields (trace_contains). Subset match.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state). All must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state). Subset match.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected label order (trace_order).
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Fixture paths are
// resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving fixture and import paths relative to basePath.
// Unknown fields are rejected.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || basePath == "" {
			return p
		}
		return filepath.Join(basePath, p)
	}
	for i, p := range scenario.Fixtures {
		scenario.Fixtures[i] = resolve(p)
	}
	for i := range scenario.Steps {
		scenario.Steps[i].Import = resolve(scenario.Steps[i].Import)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Fixtures) == 0 {
		return fmt.Errorf("fixtures list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	switch s.Explainer {
	case "", "template", "disabled":
	default:
		return fmt.Errorf("unknown explainer %q", s.Explainer)
	}

	for _, p := range s.Fixtures {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("fixture file not found: %s", p)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	actions := 0
	if st.Import != "" {
		actions++
		if _, err := os.Stat(st.Import); os.IsNotExist(err) {
			return fmt.Errorf("steps[%d]: fixture file not found: %s", index, st.Import)
		}
	}
	if len(st.Run) > 0 {
		actions++
	}
	if st.Execute != "" {
		actions++
	}
	if st.Reset != nil {
		actions++
		if st.Reset.Group == "" || st.Reset.User == "" {
			return fmt.Errorf("steps[%d]: reset needs group and user", index)
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of import, run, execute, reset is required", index)
	}
	if st.Advance != "" {
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
