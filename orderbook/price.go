package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNegative is returned when a price or size string is below zero.
var ErrNegative = errors.New("negative value")

// Price is an exact decimal price. Values keep every digit the feed sends, so
// there is no upper bound and no rounding. The zero value is 0.
type Price struct{ d decimal.Decimal }

// Size is an exact decimal resting quantity. Zero means "remove the level".
type Size struct{ d decimal.Decimal }

// NewPrice wraps d as a price.
func NewPrice(d decimal.Decimal) Price { return Price{d: d} }

// NewSize wraps d as a size.
func NewSize(d decimal.Decimal) Size { return Size{d: d} }

// ParsePrice decodes a decimal string such as "22356.270000".
func ParsePrice(s string) (Price, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return Price{}, fmt.Errorf("price %q: %w", s, err)
	}
	return Price{d: d}, nil
}

// ParseSize decodes a decimal string such as "0.45054140".
func ParseSize(s string) (Size, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return Size{}, fmt.Errorf("size %q: %w", s, err)
	}
	return Size{d: d}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// Cmp compares p and o: -1 if p < o, 0 if equal, +1 if p > o.
func (p Price) Cmp(o Price) int { return p.d.Cmp(o.d) }

// Equal reports numeric equality, so "100" equals "100.00".
func (p Price) Equal(o Price) bool { return p.d.Equal(o.d) }

// IsZero reports whether p is 0.
func (p Price) IsZero() bool { return p.d.IsZero() }

// Decimal returns the exact decimal value of p.
func (p Price) Decimal() decimal.Decimal { return p.d }

// Float64 returns p as a float for display and ratio maths.
func (p Price) Float64() float64 { return p.d.InexactFloat64() }

func (p Price) String() string { return p.d.String() }

// MarshalText renders the price as a decimal string so JSON output never loses precision.
func (p Price) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Price) UnmarshalText(text []byte) error {
	v, err := ParsePrice(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (s Size) Cmp(o Size) int { return s.d.Cmp(o.d) }

func (s Size) Equal(o Size) bool { return s.d.Equal(o.d) }

func (s Size) IsZero() bool { return s.d.IsZero() }

// Decimal returns the exact decimal value of s.
func (s Size) Decimal() decimal.Decimal { return s.d }

// Float64 returns s as a float for display.
func (s Size) Float64() float64 { return s.d.InexactFloat64() }

func (s Size) String() string { return s.d.String() }

func (s Size) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
