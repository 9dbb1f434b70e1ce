// Package money provides minor-unit monetary amounts for payment math.
package money

import (
	"fmt"
	"math"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	SEK Currency = "SEK"
	NOK Currency = "NOK"
	DKK Currency = "DKK"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	USD Currency = "USD"
)

// minorUnits maps currencies to their number of decimal places.
var minorUnits = map[Currency]int{
	SEK: 2,
	NOK: 2,
	DKK: 2,
	EUR: 2,
	GBP: 2,
	USD: 2,
}

// Amount is a monetary amount in minor units (öre, cents, pence).
type Amount struct {
	Minor    int64    `json:"minor"`
	Currency Currency `json:"currency"`
}

// New creates an Amount from minor units.
func New(minor int64, currency Currency) Amount {
	return Amount{Minor: minor, Currency: currency}
}

// Zero returns a zero amount for a currency.
func Zero(currency Currency) Amount {
	return Amount{Currency: currency}
}

// IsZero returns true if the amount is zero.
func (a Amount) IsZero() bool {
	return a.Minor == 0
}

// IsPositive returns true if the amount is strictly positive.
func (a Amount) IsPositive() bool {
	return a.Minor > 0
}

// Add adds two amounts (must be same currency).
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, b.Currency)
	}
	return Amount{Minor: a.Minor + b.Minor, Currency: a.Currency}, nil
}

// MustAdd adds two amounts, panics on currency mismatch.
func (a Amount) MustAdd(b Amount) Amount {
	sum, err := a.Add(b)
	if err != nil {
		panic(err)
	}
	return sum
}

// Sub subtracts b from a (must be same currency).
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, b.Currency)
	}
	return Amount{Minor: a.Minor - b.Minor, Currency: a.Currency}, nil
}

// MustSub subtracts b from a, panics on currency mismatch.
func (a Amount) MustSub(b Amount) Amount {
	diff, err := a.Sub(b)
	if err != nil {
		panic(err)
	}
	return diff
}

// Equal checks equality.
func (a Amount) Equal(b Amount) bool {
	return a.Minor == b.Minor && a.Currency == b.Currency
}

// GreaterThan checks if a > b, false on currency mismatch.
func (a Amount) GreaterThan(b Amount) bool {
	return a.Currency == b.Currency && a.Minor > b.Minor
}

// LessThan checks if a < b, false on currency mismatch.
func (a Amount) LessThan(b Amount) bool {
	return a.Currency == b.Currency && a.Minor < b.Minor
}

// Major converts to major units as a float.
func (a Amount) Major() float64 {
	units, ok := minorUnits[a.Currency]
	if !ok {
		units = 2
	}
	return float64(a.Minor) / math.Pow(10, float64(units))
}

// String returns a human-readable representation.
func (a Amount) String() string {
	units, ok := minorUnits[a.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", a.Minor, a.Currency)
	}
	return fmt.Sprintf("%.*f %s", units, a.Major(), a.Currency)
}

// Sum adds up multiple amounts.
func Sum(amounts ...Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, nil
	}
	total := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}
