package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// BidAmount represents a monetary bid value with exact decimal precision.
// Amounts are compared exactly; float64 never enters the bid path.
type BidAmount struct {
	amount decimal.Decimal
}

// NewBidAmount creates a BidAmount from a decimal
func NewBidAmount(d decimal.Decimal) BidAmount {
	return BidAmount{amount: d}
}

// NewBidAmountFromString parses a BidAmount from its string form
func NewBidAmountFromString(s string) (BidAmount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return BidAmount{}, fmt.Errorf("invalid amount: %w", err)
	}
	return BidAmount{amount: d}, nil
}

// NewBidAmountFromFloat creates a BidAmount from a float64.
// Used only at the wire boundary where clients may send JSON numbers.
func NewBidAmountFromFloat(f float64) BidAmount {
	return BidAmount{amount: decimal.NewFromFloat(f)}
}

// MustBidAmount parses a BidAmount and panics on error (for tests)
func MustBidAmount(s string) BidAmount {
	a, err := NewBidAmountFromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Zero returns the zero amount
func Zero() BidAmount {
	return BidAmount{amount: decimal.Zero}
}

// Decimal returns the underlying decimal
func (a BidAmount) Decimal() decimal.Decimal {
	return a.amount
}

// String returns the canonical decimal string
func (a BidAmount) String() string {
	return a.amount.String()
}

// IsPositive reports whether the amount is strictly greater than zero
func (a BidAmount) IsPositive() bool {
	return a.amount.IsPositive()
}

// IsZero reports whether the amount is zero
func (a BidAmount) IsZero() bool {
	return a.amount.IsZero()
}

// Cmp returns -1, 0, or 1 comparing a to other
func (a BidAmount) Cmp(other BidAmount) int {
	return a.amount.Cmp(other.amount)
}

// GreaterThan reports a > other
func (a BidAmount) GreaterThan(other BidAmount) bool {
	return a.amount.GreaterThan(other.amount)
}

// LessThan reports a < other
func (a BidAmount) LessThan(other BidAmount) bool {
	return a.amount.LessThan(other.amount)
}

// Equal reports exact equality
func (a BidAmount) Equal(other BidAmount) bool {
	return a.amount.Equal(other.amount)
}

// MarshalJSON encodes the amount as a JSON string to preserve precision
func (a BidAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.amount.String())
}

// UnmarshalJSON accepts both string and number forms
func (a *BidAmount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := decimal.NewFromString(s)
		if perr != nil {
			return fmt.Errorf("invalid amount: %w", perr)
		}
		a.amount = parsed
		return nil
	}

	var d decimal.Decimal
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	a.amount = d
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns
func (a *BidAmount) Scan(value interface{}) error {
	if value == nil {
		a.amount = decimal.Zero
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	case float64:
		a.amount = decimal.NewFromFloat(v)
		return nil
	case int64:
		a.amount = decimal.NewFromInt(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BidAmount", value)
	}
}

// Value implements driver.Valuer; stored as a decimal string
func (a BidAmount) Value() (driver.Value, error) {
	return a.amount.String(), nil
}

func (a *BidAmount) scanString(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}
	a.amount = d
	return nil
}
