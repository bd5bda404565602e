package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 0.4, p.Risk.Weights.Late)
	assert.Equal(t, 0.3, p.Risk.Weights.Outstanding)
	assert.Equal(t, 0.2, p.Risk.Weights.Warning)
	assert.Equal(t, 0.1, p.Risk.Weights.Missed)
	assert.Equal(t, 10000.0, p.Risk.OutstandingThreshold)
	assert.Equal(t, 5, p.Risk.WarningCap)
	assert.Equal(t, 5, p.Risk.MissedCap)

	assert.Equal(t, 0.4, p.Warning.Level1)
	assert.Equal(t, 0.6, p.Warning.Level2)
	assert.Equal(t, 0.8, p.Warning.Level3)
	assert.Equal(t, 3, p.Warning.EscalationCount)

	assert.Equal(t, 2, p.Currency.Precision)
	assert.Equal(t, 6, p.Ledger.MinorUnitExponent)
	assert.Equal(t, 30*time.Second, p.Ledger.Timeout)
	assert.True(t, p.Ledger.RequireEnforcement)
	assert.Equal(t, "gemini-2.5-flash", p.Explanation.Model)
	assert.Equal(t, 20*time.Second, p.Explanation.Timeout)
	assert.NotEmpty(t, p.Explanation.Fallback)
}

func TestParse_Overrides(t *testing.T) {
	src := `
warning: escalation_count: 2
currency: precision: -1
ledger: {
	treasury_wallet: "TREASURY"
	timeout:         "5s"
}
`
	p, err := Parse([]byte(src), "override.cue")
	require.NoError(t, err)

	assert.Equal(t, 2, p.Warning.EscalationCount)
	assert.Equal(t, 0.8, p.Warning.Level3)
	assert.Equal(t, "TREASURY", p.Ledger.TreasuryWallet)
	assert.Equal(t, 5*time.Second, p.Ledger.Timeout)
	assert.Equal(t, int32(0), p.Precision("JPY"))
	assert.Equal(t, int32(2), p.Precision("USD"))
}

func TestParse_WeightsMustSumToOne(t *testing.T) {
	_, err := Parse([]byte(`risk: weights: late: 0.5`), "bad.cue")
	require.Error(t, err)

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, ErrWeightSum, ve.Code)
}

func TestParse_TypeMismatch(t *testing.T) {
	_, err := Parse([]byte(`warning: escalation_count: "three"`), "bad.cue")
	require.Error(t, err)

	var le *LoadError
	assert.True(t, errors.As(err, &le))
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse([]byte(`risk: {`), "broken.cue")
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`risk: outstanding_threshold: 500`), 0o644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 500.0, p.Risk.OutstandingThreshold)
	assert.Equal(t, "500", p.RiskConfig().OutstandingThreshold.String())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestValidate_Codes(t *testing.T) {
	base := func() *Policy {
		p, err := Default()
		require.NoError(t, err)
		return p
	}

	tests := []struct {
		name   string
		mutate func(p *Policy)
		code   string
	}{
		{"negative weight", func(p *Policy) { p.Risk.Weights.Late = -0.1; p.Risk.Weights.Outstanding = 0.8 }, ErrNegativeWeight},
		{"weight sum", func(p *Policy) { p.Risk.Weights.Missed = 0.5 }, ErrWeightSum},
		{"threshold", func(p *Policy) { p.Risk.OutstandingThreshold = 0 }, ErrThreshold},
		{"cap", func(p *Policy) { p.Risk.MissedCap = 0 }, ErrFactorCap},
		{"level order", func(p *Policy) { p.Warning.Level2 = 0.9 }, ErrLevelOrder},
		{"level range", func(p *Policy) { p.Warning.Level3 = 1.5 }, ErrLevelOrder},
		{"escalation", func(p *Policy) { p.Warning.EscalationCount = 0 }, ErrEscalationCount},
		{"precision", func(p *Policy) { p.Currency.Precision = 13 }, ErrPrecision},
		{"exponent", func(p *Policy) { p.Ledger.MinorUnitExponent = 19 }, ErrMinorUnitExponent},
		{"timeout", func(p *Policy) { p.Ledger.TimeoutText = "soon" }, ErrTimeout},
		{"negative timeout", func(p *Policy) { p.Explanation.TimeoutText = "-1s" }, ErrTimeout},
		{"model", func(p *Policy) { p.Explanation.Model = "" }, ErrExplanationModel},
		{"precision above exponent", func(p *Policy) { p.Currency.Precision = 8 }, ErrPrecisionExponent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			errs := Validate(p)
			require.NotEmpty(t, errs)
			codes := make([]string, len(errs))
			for i, e := range errs {
				codes[i] = e.Code
			}
			assert.Contains(t, codes, tt.code)
		})
	}
}

func TestValidate_PrecisionWithinExponent(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	p.Currency.Precision = p.Ledger.MinorUnitExponent
	assert.Empty(t, Validate(p))

	p.Currency.Precision = -1
	p.Ledger.MinorUnitExponent = 0
	assert.Empty(t, Validate(p), "auto precision is checked per amount")
}

func TestConfigs(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	rc := p.RiskConfig()
	assert.Equal(t, "10000", rc.OutstandingThreshold.String())
	assert.Equal(t, 5, rc.WarningCap)

	wc := p.WarningConfig()
	assert.Equal(t, 3, wc.EscalationCount)

	pc := p.PlanConfig()
	assert.Equal(t, int32(6), pc.MinorUnitExponent)
	assert.True(t, pc.RequireEnforcement)
}
