// Package money holds the decimal-safe helpers used wherever an amount leaves
// the core: rounding to currency precision, conversion to integral ledger
// minor units and human formatting.
//
// Amounts inside the core stay full-precision decimal.Decimal values;
// nothing here is applied mid-computation.
package money

import (
	"errors"
	"fmt"
	"math"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// AutoPrecision asks for the precision registered for the currency tag.
const AutoPrecision = -1

// DefaultPrecision is used when the currency tag is unknown.
const DefaultPrecision = 2

var (
	// ErrOverflow is returned when an amount does not fit a ledger integer.
	ErrOverflow = errors.New("amount overflows int64 minor units")

	// ErrNotIntegral is returned when an amount is finer than one minor unit.
	ErrNotIntegral = errors.New("amount is not a whole number of minor units")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ResolvePrecision returns configured if it is explicit, otherwise the
// fraction digits go-money knows for currencyTag, otherwise DefaultPrecision.
func ResolvePrecision(configured int, currencyTag string) int32 {
	if configured >= 0 {
		return int32(configured)
	}
	if cur := gomoney.GetCurrency(currencyTag); cur != nil {
		return int32(cur.Fraction)
	}
	return DefaultPrecision
}

// Round rounds half away from zero to places decimals.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Tolerance is half a unit of the last kept decimal. Two amounts within
// tolerance of each other round to the same output value or to neighbors.
func Tolerance(places int32) decimal.Decimal {
	return decimal.New(5, -(places + 1))
}

// ToMinorUnits converts a major-unit amount into integral minor units,
// e.g. 1.5 with exponent 6 gives 1500000. Amounts are never rounded here.
func ToMinorUnits(d decimal.Decimal, exponent int32) (int64, error) {
	minor := d.Shift(exponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%s at exponent %d: %w", d.String(), exponent, ErrNotIntegral)
	}
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%s at exponent %d: %w", d.String(), exponent, ErrOverflow)
	}
	return minor.IntPart(), nil
}

// Format renders an amount for reports. Known ISO currencies use the
// go-money formatter; opaque tags fall back to "<amount> <tag>".
func Format(d decimal.Decimal, currencyTag string, places int32) string {
	rounded := d.Round(places)
	if cur := gomoney.GetCurrency(currencyTag); cur != nil && int32(cur.Fraction) == places {
		return cur.Formatter().Format(rounded.Shift(places).IntPart())
	}
	if currencyTag == "" {
		return rounded.StringFixed(places)
	}
	return rounded.StringFixed(places) + " " + currencyTag
}
