// Package types holds the value types shared by every Tollgate package.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Money is an amount in the smallest unit of its currency.
// Arithmetic is integer-only; ledger math never touches floating point.
type Money struct {
	Amount   int64  `json:"amount"`   // Minor units (cents, pence, kobo)
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// New creates a Money value from minor units.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money { return New(0, currency) }

// ParseMoney converts a decimal major-unit string such as "49.90" into
// minor units. Amounts with more fractional digits than the currency
// carries are rejected rather than rounded.
func ParseMoney(s, currency string) (Money, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(strings.TrimSpace(s)); err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}

	d.Exponent += int32(currencyDecimals(currency))

	var minor apd.Decimal
	cond, err := apd.BaseContext.WithPrecision(34).RoundToIntegralExact(&minor, &d)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	if cond.Inexact() {
		return Money{}, fmt.Errorf("money: parse %q: too many decimal places for %s", s, currency)
	}

	amount, err := minor.Int64()
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}

	return New(amount, currency), nil
}

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Sub subtracts other. Panics if currencies don't match.
func (m Money) Sub(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Negate returns the negative of m.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal reports whether amount and currency both match.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// Min returns the smaller of two Money values. Panics if currencies don't match.
func (m Money) Min(other Money) Money {
	m.assertSameCurrency(other)
	if m.Amount < other.Amount {
		return m
	}
	return other
}

// FormatMajor renders the amount in major units without a symbol:
// "49.00" for New(4900, "usd"), "100" for New(100, "jpy").
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	var d apd.Decimal
	d.SetFinite(m.Amount, -int32(decimals))
	return d.Text('f')
}

// String renders "49.00 USD".
func (m Money) String() string {
	return m.FormatMajor() + " " + strings.ToUpper(m.Currency)
}

// MarshalJSON implements json.Marshaler and adds a display field.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// zero-decimal currencies common among our operators' markets
var zeroDecimal = map[string]bool{
	"jpy": true,
	"krw": true,
	"vnd": true,
	"clp": true,
	"pyg": true,
	"idr": true,
	"ugx": true,
	"rwf": true,
	"xaf": true,
	"xof": true,
}

func currencyDecimals(currency string) int {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// Sum adds values in currency. Panics on a currency mismatch.
func Sum(currency string, values ...Money) Money {
	total := Zero(currency)
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
