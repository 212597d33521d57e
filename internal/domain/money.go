/**
 * @description
 * Currency and amount primitives shared by every component of the ledger engine.
 *
 * @notes
 * - Amounts are fixed-point decimals with two minor digits. Rounding is half-up, which for
 *   the non-negative amounts the ledger handles is the same as decimal.Round (half away
 *   from zero).
 */

package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO code for one of the two currencies the ledger holds.
type Currency string

const (
	CurrencyCDF Currency = "CDF"
	CurrencyUSD Currency = "USD"
)

// LocalCurrency is the currency the exchange rate is quoted in (local per USD).
const LocalCurrency = CurrencyCDF

// MinorUnits is the number of decimal digits kept on every stored amount.
const MinorUnits = 2

// RatePlaces is the precision of a stored exchange rate.
const RatePlaces = 6

// Currencies lists supported currencies in a stable order.
func Currencies() []Currency {
	return []Currency{CurrencyCDF, CurrencyUSD}
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyCDF || c == CurrencyUSD
}

// ParseCurrency normalises a currency code and rejects unsupported values.
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrValidation, raw)
	}
	return c, nil
}

// RoundAmount rounds to the ledger precision.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnits)
}

// RoundRate rounds an exchange rate to its stored precision.
func RoundRate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// Percent returns pct % of amount, rounded to the ledger precision.
func Percent(amount decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return RoundAmount(amount.Mul(pct).Div(decimal.NewFromInt(100)))
}

// RequirePositive validates a movement amount.
func RequirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero, got %s", ErrInvalidAmount, amount.StringFixed(MinorUnits))
	}
	return nil
}
