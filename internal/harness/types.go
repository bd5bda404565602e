package harness

import "github.com/roach88/settler/internal/ir"

// Trace event types.
const (
	EventImport  = "import"
	EventCycle   = "cycle"
	EventExecute = "execute"
	EventReset   = "reset"
)

// TraceEvent is one observable outcome of a scenario step.
type TraceEvent struct {
	Type             string `json:"type"`
	Group            string `json:"group"`
	User             string `json:"user,omitempty"`
	Cycle            int64  `json:"cycle,omitempty"`
	CycleID          string `json:"cycle_id,omitempty"`
	Status           string `json:"status,omitempty"`
	SettlementStatus string `json:"settlement_status,omitempty"`
	Error            string `json:"error,omitempty"`
	Seq              int64  `json:"seq"`

	// Record is the archived cycle behind cycle and execute events, when
	// one exists.
	Record *ir.CycleRecord `json:"-"`
}

// Label names the event for order and count assertions, e.g. "cycle g1".
func (e TraceEvent) Label() string {
	return e.Type + " " + e.Group
}

// fields exposes the event for subset matching.
func (e TraceEvent) fields() map[string]any {
	return map[string]any{
		"type":              e.Type,
		"group":             e.Group,
		"user":              e.User,
		"cycle":             e.Cycle,
		"cycle_id":          e.CycleID,
		"status":            e.Status,
		"settlement_status": e.SettlementStatus,
		"error":             e.Error,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per group touched by each step, in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event with the next sequence number.
func (r *Result) AddEvent(e TraceEvent) TraceEvent {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
	return e
}

// Records returns the cycle records of the trace in order.
func (r *Result) Records() []*ir.CycleRecord {
	var out []*ir.CycleRecord
	for _, e := range r.Trace {
		if e.Type == EventCycle && e.Record != nil {
			out = append(out, e.Record)
		}
	}
	return out
}
