// Package money holds monetary amounts as integer cents.
//
// Amounts never pass through floating point: parsing, scaling and formatting go
// through apd decimals, and the wire format is a fixed-point decimal string
// ("2.97"), so aggregation over many claims cannot drift.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Amount is a monetary value in cents.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

var (
	// ErrInvalidAmount is returned when a string is not a decimal money value.
	ErrInvalidAmount = errors.New("invalid monetary amount")

	// ErrNegativeAmount is returned when a parsed amount is below zero.
	ErrNegativeAmount = errors.New("monetary amount must not be negative")
)

// decimalCtx rounds half-up to whole cents.
var decimalCtx = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

var hundred = apd.New(100, 0)

// FromCents builds an amount from a count of cents.
func FromCents(cents int64) Amount {
	return Amount(cents)
}

// Cents returns the amount as a count of cents.
func (a Amount) Cents() int64 {
	return int64(a)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// Parse reads a non-negative decimal amount such as "3", "3.00" or "$2.97".
// Sub-cent digits are rounded half-up.
func Parse(s string) (Amount, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	d, _, err := apd.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Form != apd.Finite {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Negative && !d.IsZero() {
		return 0, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}

	return fromDecimal(d)
}

// MustParse is Parse for constants; it panics on bad input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Scale returns a * num / den rounded half-up to whole cents.
func (a Amount) Scale(num, den int64) (Amount, error) {
	if den == 0 {
		return 0, fmt.Errorf("%w: zero denominator", ErrInvalidAmount)
	}

	var product, quotient apd.Decimal
	if _, err := decimalCtx.Mul(&product, apd.New(int64(a), -2), apd.New(num, 0)); err != nil {
		return 0, fmt.Errorf("scale amount: %w", err)
	}
	if _, err := decimalCtx.Quo(&quotient, &product, apd.New(den, 0)); err != nil {
		return 0, fmt.Errorf("scale amount: %w", err)
	}
	return fromDecimal(&quotient)
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds up amounts.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total += a
	}
	return total
}

// String formats the amount as a fixed-point decimal with two places.
func (a Amount) String() string {
	return apd.New(int64(a), -2).Text('f')
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only decimal strings; JSON numbers are rejected so
// floats never enter the ledger.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amounts must be JSON strings", ErrInvalidAmount)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func fromDecimal(d *apd.Decimal) (Amount, error) {
	var cents, quantized apd.Decimal
	if _, err := decimalCtx.Quantize(&quantized, d, -2); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	if _, err := decimalCtx.Mul(&cents, &quantized, hundred); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	v, err := cents.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Amount(v), nil
}
