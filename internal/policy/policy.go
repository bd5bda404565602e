// Package policy loads the tunable parameters of the settlement pipeline.
//
// A policy is a CUE document unified with the embedded #Policy schema,
// which carries the reference defaults. An empty document yields the
// reference policy. The decoded value is then validated in Go.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/shopspring/decimal"

	"github.com/roach88/settler/internal/governance"
	"github.com/roach88/settler/internal/money"
	"github.com/roach88/settler/internal/risk"
	"github.com/roach88/settler/internal/warning"
)

//go:embed schema.cue
var schemaSource string

// Policy is the decoded, validated configuration.
type Policy struct {
	Risk        RiskPolicy        `json:"risk"`
	Warning     WarningPolicy     `json:"warning"`
	Currency    CurrencyPolicy    `json:"currency"`
	Ledger      LedgerPolicy      `json:"ledger"`
	Explanation ExplanationPolicy `json:"explanation"`
}

type RiskPolicy struct {
	Weights              risk.Weights `json:"weights"`
	OutstandingThreshold float64      `json:"outstanding_threshold"`
	WarningCap           int          `json:"warning_cap"`
	MissedCap            int          `json:"missed_cap"`
}

type WarningPolicy struct {
	Level1          float64 `json:"level1"`
	Level2          float64 `json:"level2"`
	Level3          float64 `json:"level3"`
	EscalationCount int     `json:"escalation_count"`
}

type CurrencyPolicy struct {
	Precision int `json:"precision"`
}

type LedgerPolicy struct {
	MinorUnitExponent  int    `json:"minor_unit_exponent"`
	TimeoutText        string `json:"timeout"`
	TreasuryWallet     string `json:"treasury_wallet"`
	RequireEnforcement bool   `json:"require_enforcement"`

	Timeout time.Duration `json:"-"`
}

type ExplanationPolicy struct {
	Model       string `json:"model"`
	TimeoutText string `json:"timeout"`
	Fallback    string `json:"fallback"`

	Timeout time.Duration `json:"-"`
}

// LoadError is a CUE-level failure with its source position when known.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the reference policy.
func Default() (*Policy, error) {
	return Parse(nil, "default.cue")
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(src, path)
}

// Parse unifies src with the schema, decodes it and validates the result.
// Validation failures are returned joined; each is a ValidationError.
func Parse(src []byte, filename string) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	merged := def.Unify(user)
	if err := merged.Validate(); err != nil {
		return nil, formatCUEError(err)
	}

	var p Policy
	if err := merged.Decode(&p); err != nil {
		return nil, formatCUEError(err)
	}

	if errs := Validate(&p); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, errors.Join(joined...)
	}
	return &p, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Message: err.Error()}
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Message: first.Error()}
}

// RiskConfig returns the parameters of the risk engine.
func (p *Policy) RiskConfig() risk.Config {
	return risk.Config{
		Weights:              p.Risk.Weights,
		OutstandingThreshold: decimal.NewFromFloat(p.Risk.OutstandingThreshold),
		WarningCap:           p.Risk.WarningCap,
		MissedCap:            p.Risk.MissedCap,
	}
}

// WarningConfig returns the parameters of the warning engine.
func (p *Policy) WarningConfig() warning.Config {
	return warning.Config{
		Level1:          p.Warning.Level1,
		Level2:          p.Warning.Level2,
		Level3:          p.Warning.Level3,
		EscalationCount: p.Warning.EscalationCount,
	}
}

// PlanConfig returns the ledger planning parameters.
func (p *Policy) PlanConfig() governance.PlanConfig {
	return governance.PlanConfig{
		TreasuryWallet:     p.Ledger.TreasuryWallet,
		MinorUnitExponent:  int32(p.Ledger.MinorUnitExponent),
		RequireEnforcement: p.Ledger.RequireEnforcement,
	}
}

// Precision resolves the rounding precision for a currency tag.
func (p *Policy) Precision(currencyTag string) int32 {
	return money.ResolvePrecision(p.Currency.Precision, currencyTag)
}
