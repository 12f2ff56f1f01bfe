package model

import "github.com/shopspring/decimal"

// Cents is a monetary amount in minor units.
type Cents int64

// centsExp is the decimal exponent of one minor unit.
const centsExp = -2

// Decimal returns the amount as a decimal in major units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), centsExp)
}

// String formats the amount in major units with two fraction digits.
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// CentsFromDecimal converts a major-unit decimal to Cents, rounding half
// away from zero.
func CentsFromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Shift(-centsExp).Round(0).IntPart())
}
