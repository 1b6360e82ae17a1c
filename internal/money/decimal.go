// Package money provides exact fixed-precision decimal arithmetic for
// monetary quantities (balances, reservations, order sizes). Internally a
// value is a math/big.Rat; float64 is only produced at observability
// boundaries (JSON payloads, metrics), never used in arithmetic that
// affects a reservation or balance decision.
package money

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/joeycumines/floater"
)

// MinScale is the minimum number of decimal digits a Decimal must be able
// to represent without loss, per the data model's scale >= 8 requirement.
const MinScale = 8

// Decimal wraps an exact rational number.
type Decimal struct {
	rat *big.Rat
}

// Zero is the additive identity.
var Zero = Decimal{rat: new(big.Rat)}

// NewFromString parses a base-10 string into a Decimal. An error is
// returned if the string cannot be parsed, or encodes more fractional
// precision than can be represented without loss (never the case for
// big.Rat, which is exact; this guards against non-finite inputs such as
// "NaN" or "Inf" sneaking in via a float round-trip upstream).
func NewFromString(s string) (Decimal, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Decimal{}, fmt.Errorf("money: invalid decimal string %q", s)
	}
	return Decimal{rat: r}, nil
}

// NewFromFloat constructs a Decimal from a float64. Only safe to use at
// ingestion boundaries (e.g. decoding an exchange API response); never
// construct a Decimal this way from a value a caller computed using
// floating point arithmetic that will feed into a reservation or balance
// decision.
func NewFromFloat(f float64) (Decimal, error) {
	r := new(big.Rat)
	if r.SetFloat64(f) == nil {
		return Decimal{}, fmt.Errorf("money: float %v is not finite", f)
	}
	return Decimal{rat: r}, nil
}

// MustFromString is NewFromString, panicking on error. Intended for
// constants and tests only.
func MustFromString(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) ratOrZero() *big.Rat {
	if d.rat == nil {
		return new(big.Rat)
	}
	return d.rat
}

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Add(d.ratOrZero(), other.ratOrZero())}
}

// Sub returns d - other.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Sub(d.ratOrZero(), other.ratOrZero())}
}

// Cmp compares d to other: -1, 0, or 1.
func (d Decimal) Cmp(other Decimal) int {
	return d.ratOrZero().Cmp(other.ratOrZero())
}

// Sign returns -1, 0, or 1.
func (d Decimal) Sign() int {
	return d.ratOrZero().Sign()
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool {
	return d.Sign() == 0
}

// GreaterThanOrEqual reports whether d >= other.
func (d Decimal) GreaterThanOrEqual(other Decimal) bool {
	return d.Cmp(other) >= 0
}

// String formats d with floater's big.Rat formatter (never through
// float64), without padding to a fixed number of decimal places: 0.1+0.2
// renders as "0.3".
func (d Decimal) String() string {
	return floater.FormatDecimalRat(d.ratOrZero(), -1, 0)
}

// Float64 converts to a float64, for observability/serialization
// boundaries only. Never feed this back into a reservation/balance
// decision.
func (d Decimal) Float64() float64 {
	f, _ := d.ratOrZero().Float64()
	return f
}

// MarshalJSON renders the decimal as a JSON string, preserving full
// precision (a JSON number would silently round-trip through float64 on
// most decoders).
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a JSON string or JSON number.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := NewFromString(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("money: cannot unmarshal %s as decimal: %w", b, err)
	}
	v, err := NewFromFloat(f)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
