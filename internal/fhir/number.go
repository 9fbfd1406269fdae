package fhir

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// NumberRange is the half-open interval [Low, High) a FHIR number operand
// denotes at its written precision: 100 means [99.5, 100.5), 100.00 means
// [99.995, 100.005). Value keeps the exact operand for the ordered prefixes.
type NumberRange struct {
	Value decimal.Decimal
	Low   decimal.Decimal
	High  decimal.Decimal
}

// ParseNumberRange parses a decimal operand and computes its implicit
// precision range. Scientific notation is accepted; its precision is taken
// from the significand.
func ParseNumberRange(value string) (NumberRange, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return NumberRange{}, fmt.Errorf("empty number value")
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return NumberRange{}, fmt.Errorf("unparseable number %q: %w", value, err)
	}

	// Half a unit in the last written decimal place.
	half := decimal.New(5, -(decimalPlaces(v) + 1))

	return NumberRange{
		Value: d,
		Low:   d.Sub(half),
		High:  d.Add(half),
	}, nil
}

// decimalPlaces counts the digits after the decimal point as written,
// ignoring any exponent suffix.
func decimalPlaces(v string) int32 {
	if i := strings.IndexAny(v, "eE"); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return int32(len(v) - i - 1)
	}
	return 0
}

// ApproxRange widens the operand by ±fraction of its magnitude, the window
// the ap prefix matches against.
func (n NumberRange) ApproxRange(fraction float64) (decimal.Decimal, decimal.Decimal) {
	delta := n.Value.Abs().Mul(decimal.NewFromFloat(fraction))
	return n.Value.Sub(delta), n.Value.Add(delta)
}
