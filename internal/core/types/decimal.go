// Package types holds value types shared by domain packages.
package types

import (
	"github.com/shopspring/decimal"
)

// Money is an exact decimal amount. Binary floats are never used for money.
type Money = decimal.Decimal

// MustMoney parses s, e.g. "10.50", and panics if it is not a number.
func MustMoney(s string) Money {
	return decimal.RequireFromString(s)
}

// Zero returns a zero amount.
func Zero() Money { return decimal.Zero }

// minorUnits is the number of decimal places per ISO 4217 currency. Others use 2.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// Scale returns the number of decimal places of currency.
func Scale(currency string) int32 {
	if s, ok := minorUnits[currency]; ok {
		return s
	}
	return 2
}

// FitsCurrency reports whether m has no more decimal places than currency allows.
func FitsCurrency(m Money, currency string) bool {
	return m.Equal(m.Truncate(Scale(currency)))
}
