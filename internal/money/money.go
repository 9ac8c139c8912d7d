package money

import "github.com/shopspring/decimal"

const scale = 2

// FromMinor converts integer minor units (cents) to a decimal amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -scale)
}

func Format(value decimal.Decimal) string {
	return value.StringFixed(scale)
}

// Debit returns -|value|.
func Debit(value decimal.Decimal) decimal.Decimal {
	return value.Abs().Neg()
}

// Credit returns +|value|.
func Credit(value decimal.Decimal) decimal.Decimal {
	return value.Abs()
}
