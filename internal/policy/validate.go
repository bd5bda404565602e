package policy

import (
	"fmt"
	"math"
	"time"
)

// Validation error codes (P100-P199)
const (
	ErrNegativeWeight    = "P101" // risk weight below zero
	ErrWeightSum         = "P102" // risk weights do not sum to 1
	ErrThreshold         = "P103" // outstanding threshold not positive
	ErrFactorCap         = "P104" // warning or missed cap below 1
	ErrLevelOrder        = "P105" // level thresholds not ascending in [0,1]
	ErrEscalationCount   = "P106" // escalation count below 1
	ErrPrecision         = "P107" // precision outside -1..12
	ErrMinorUnitExponent = "P108" // minor unit exponent outside 0..18
	ErrTimeout           = "P109" // unparsable or non-positive timeout
	ErrExplanationModel  = "P110" // empty explanation model
	ErrPrecisionExponent = "P111" // precision finer than the ledger minor unit
)

const (
	weightSumTolerance   = 1e-9
	maxPrecision         = 12
	maxMinorUnitExponent = 18
)

// ValidationError is a semantic policy error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks p and fills the parsed durations. All errors are returned.
func Validate(p *Policy) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	w := p.Risk.Weights
	weights := []struct {
		name  string
		value float64
	}{
		{"late", w.Late},
		{"outstanding", w.Outstanding},
		{"warning", w.Warning},
		{"missed", w.Missed},
	}
	sum := 0.0
	for _, wt := range weights {
		if wt.value < 0 {
			add(ErrNegativeWeight, "risk.weights."+wt.name, "must be non-negative, got %v", wt.value)
		}
		sum += wt.value
	}
	if math.Abs(sum-1) > weightSumTolerance {
		add(ErrWeightSum, "risk.weights", "must sum to 1, got %v", sum)
	}

	if p.Risk.OutstandingThreshold <= 0 {
		add(ErrThreshold, "risk.outstanding_threshold", "must be positive, got %v", p.Risk.OutstandingThreshold)
	}
	if p.Risk.WarningCap < 1 {
		add(ErrFactorCap, "risk.warning_cap", "must be at least 1, got %d", p.Risk.WarningCap)
	}
	if p.Risk.MissedCap < 1 {
		add(ErrFactorCap, "risk.missed_cap", "must be at least 1, got %d", p.Risk.MissedCap)
	}

	lv := p.Warning
	if lv.Level1 < 0 || lv.Level3 > 1 || !(lv.Level1 < lv.Level2 && lv.Level2 < lv.Level3) {
		add(ErrLevelOrder, "warning", "levels must satisfy 0 <= level1 < level2 < level3 <= 1, got %v/%v/%v", lv.Level1, lv.Level2, lv.Level3)
	}
	if lv.EscalationCount < 1 {
		add(ErrEscalationCount, "warning.escalation_count", "must be at least 1, got %d", lv.EscalationCount)
	}

	if p.Currency.Precision < -1 || p.Currency.Precision > maxPrecision {
		add(ErrPrecision, "currency.precision", "must be -1 (auto) or 0..%d, got %d", maxPrecision, p.Currency.Precision)
	}
	if p.Ledger.MinorUnitExponent < 0 || p.Ledger.MinorUnitExponent > maxMinorUnitExponent {
		add(ErrMinorUnitExponent, "ledger.minor_unit_exponent", "must be in 0..%d, got %d", maxMinorUnitExponent, p.Ledger.MinorUnitExponent)
	}
	if p.Currency.Precision > p.Ledger.MinorUnitExponent {
		add(ErrPrecisionExponent, "currency.precision", "must not exceed ledger.minor_unit_exponent %d, got %d", p.Ledger.MinorUnitExponent, p.Currency.Precision)
	}

	if d, err := parseTimeout(p.Ledger.TimeoutText); err != nil {
		add(ErrTimeout, "ledger.timeout", "%v", err)
	} else {
		p.Ledger.Timeout = d
	}
	if d, err := parseTimeout(p.Explanation.TimeoutText); err != nil {
		add(ErrTimeout, "explanation.timeout", "%v", err)
	} else {
		p.Explanation.Timeout = d
	}

	if p.Explanation.Model == "" {
		add(ErrExplanationModel, "explanation.model", "must not be empty")
	}

	return errs
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}
