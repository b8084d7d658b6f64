// Package money holds the rounding and parsing rules for monetary amounts.
// All amounts are shopspring decimals; floats never cross a package boundary.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPrecision is used when a currency has no explicit configuration.
const DefaultPrecision int32 = 2

// Round rounds half away from zero to precision decimal places.
func Round(amount decimal.Decimal, precision int32) decimal.Decimal {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return amount.Round(precision)
}

// ParseFloat parses user or gateway supplied amounts such as "1,234.50" or "$ 99".
// Anything that is not a digit, a dot or a leading minus is discarded.
func ParseFloat(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}

	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0 && i < len(raw)-1:
			b.WriteRune(r)
		}
	}

	value, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero
	}
	return value
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
