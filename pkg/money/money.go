// Package money implements fixed-point amounts held as integer minor units.
//
// All balance arithmetic in the ledger goes through this package. Amounts never pass
// through floating point: decimal input is shifted by the currency exponent and must
// land on an exact integer.
package money

import (
	"fmt"
	"math"
	"strings"

	pkgerrors "poseidon/pkg/errors"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	NGN Currency = "NGN"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	GHS Currency = "GHS"
	KES Currency = "KES"
	ZAR Currency = "ZAR"
	MWK Currency = "MWK"
	CNY Currency = "CNY"
	JPY Currency = "JPY"
	UGX Currency = "UGX"
	XOF Currency = "XOF"
)

// exponents maps each supported currency to its number of minor-unit digits.
var exponents = map[Currency]int32{
	NGN: 2,
	USD: 2,
	EUR: 2,
	GBP: 2,
	GHS: 2,
	KES: 2,
	ZAR: 2,
	MWK: 2,
	CNY: 2,
	JPY: 0,
	UGX: 0,
	XOF: 0,
}

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ParseCurrency normalizes a currency code and checks that it is supported.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := exponents[c]; !ok {
		return "", fmt.Errorf("%w: %q", pkgerrors.ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Supported reports whether c has a registered exponent.
func (c Currency) Supported() bool {
	_, ok := exponents[c]
	return ok
}

// Exponent returns the minor-unit digits for c, defaulting to 2.
func (c Currency) Exponent() int32 {
	if e, ok := exponents[c]; ok {
		return e
	}
	return 2
}

// Money is an amount in minor units of a single currency.
type Money struct {
	Amount   int64    `json:"amount_minor"`
	Currency Currency `json:"currency"`
}

// New creates a Money from minor units.
func New(amount int64, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// FromDecimal converts a major-unit decimal into minor units. It rejects amounts
// with more fractional digits than the currency allows and amounts that do not fit
// in int64.
func FromDecimal(amount decimal.Decimal, currency Currency) (Money, error) {
	if !currency.Supported() {
		return Money{}, fmt.Errorf("%w: %q", pkgerrors.ErrUnsupportedCurrency, currency)
	}
	shifted := amount.Shift(currency.Exponent())
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimal places for %s",
			pkgerrors.ErrInvalidAmount, amount.String(), currency.Exponent(), currency)
	}
	if shifted.Abs().GreaterThan(maxMinor) {
		return Money{}, pkgerrors.ErrAmountOverflow
	}
	return Money{Amount: shifted.IntPart(), Currency: currency}, nil
}

// Parse converts a decimal string such as "50.25" into minor units.
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", pkgerrors.ErrInvalidAmount, amount)
	}
	return FromDecimal(d, currency)
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -m.Currency.Exponent())
}

// Major formats the amount in major units with the currency's fixed precision.
func (m Money) Major() string {
	return m.Decimal().StringFixed(m.Currency.Exponent())
}

func (m Money) String() string {
	return m.Major() + " " + string(m.Currency)
}

func (m Money) IsPositive() bool {
	return m.Amount > 0
}

// Add adds two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: cannot add %s to %s", pkgerrors.ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	sum, err := AddMinor(m.Amount, other.Amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// AddMinor adds minor-unit integers, failing on overflow.
func AddMinor(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, pkgerrors.ErrAmountOverflow
	}
	return a + b, nil
}
