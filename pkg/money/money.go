// Package money represents monetary values in integer minor units.
// Floats never enter the arithmetic path; currency codes are validated
// against ISO 4217.
package money

import (
	"fmt"

	"golang.org/x/text/currency"
)

// Money is an amount in a specific currency, held in minor units
// (cents for USD, yen for JPY).
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // minor-unit digits, e.g. 2 for USD, 0 for JPY
}

// New creates a Money value after validating the currency code.
// The scale is taken from the ISO 4217 registry.
func New(amountMinor int64, code string) (Money, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Money{}, fmt.Errorf("currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return Money{
		AmountMinor: amountMinor,
		Currency:    unit.String(),
		Scale:       scale,
	}, nil
}

// MustNew is New for package-level defaults and tests. Panics on a bad code.
func MustNew(amountMinor int64, code string) Money {
	m, err := New(amountMinor, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Add adds two Money amounts. Returns an error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// Equal reports whether two values are the same amount of the same currency.
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// String renders the amount with the currency's minor-unit scale,
// e.g. "12.34 USD", "1200 JPY".
func (m Money) String() string {
	if m.Scale <= 0 {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	amount := m.AmountMinor
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, amount/div, m.Scale, amount%div, m.Currency)
}
