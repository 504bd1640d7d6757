package core

import "github.com/shopspring/decimal"

// RoundDownPrice truncates a price to the symbol's price precision. Grid
// trigger and rebound arithmetic compares against exchange-quoted
// prices, so rounding always truncates rather than rounds-to-nearest —
// it must never make an order look cheaper/larger than it will actually
// execute at.
func RoundDownPrice(price decimal.Decimal, precision int32) decimal.Decimal {
	return price.Truncate(precision)
}

// RoundDownBase truncates a base-asset quantity to the symbol's base
// precision (spec §4.3: "round base_size down to base_precision digits").
func RoundDownBase(qty decimal.Decimal, precision int32) decimal.Decimal {
	return qty.Truncate(precision)
}

// RoundDownQuote truncates a quote-asset amount to the symbol's quote
// precision.
func RoundDownQuote(amount decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Truncate(precision)
}

// PercentOf returns pct/100 * base, where pct is a "100x ratio" value as
// defined throughout spec.md (e.g. interval_percent = 1.0 means 1%).
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(decimal.NewFromInt(100))
}

// ReboundRatio returns (numerator / denominator), the ratio used by both
// the open-rebound and close-rebound checks in spec §4.3. Returns zero if
// denominator is zero to avoid a division panic on an unset extreme.
func ReboundRatio(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator)
}
