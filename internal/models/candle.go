// Package models provides data structures and validation for OHLCV market data.
// This package contains the core data models of the updater: candles, candle
// intervals, fetch windows and broker instruments.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one symbol at one interval.
// Prices and volume are canonical decimal strings; an empty string marks a
// value that is absent and may be forward-filled by the cleaner.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
	Symbol    string    `json:"symbol,omitempty"`
	Interval  string    `json:"interval,omitempty"`
}

// ValidationError represents a candle validation error with specific field context.
// It provides structured error information including the field name that failed
// validation and a descriptive error message.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Values holds the parsed OHLCV fields of a candle.
type Values struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Parse parses all value fields. It fails with a ValidationError naming the
// first field that is absent or not a decimal number.
func (c *Candle) Parse() (Values, error) {
	var v Values
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", c.Open, &v.Open},
		{"high", c.High, &v.High},
		{"low", c.Low, &v.Low},
		{"close", c.Close, &v.Close},
		{"volume", c.Volume, &v.Volume},
	}

	for _, f := range fields {
		if f.raw == "" {
			return v, &ValidationError{Field: f.name, Message: "value is missing"}
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return v, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s format: %v", f.name, err)}
		}
		*f.dst = d
	}

	return v, nil
}

// IsComplete reports whether every value field is present and parseable.
func (c *Candle) IsComplete() bool {
	_, err := c.Parse()
	return err == nil
}

// Validate checks the candle against the dataset invariants: a non-zero
// timestamp, all values present, high >= max(open, close, low),
// low <= min(open, close, high) and volume >= 0.
// Returns a ValidationError for the first violated rule.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be null or zero"}
	}

	v, err := c.Parse()
	if err != nil {
		return err
	}

	return v.Validate()
}

// Validate checks OHLC ordering and volume sign on parsed values.
func (v Values) Validate() error {
	if v.High.LessThan(v.Low) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to low (%s)", v.High, v.Low),
		}
	}

	maxOpenClose := decimal.Max(v.Open, v.Close)
	if v.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", v.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(v.Open, v.Close)
	if v.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", v.Low, minOpenClose),
		}
	}

	if v.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	return nil
}

// Canonical returns a copy of the candle with every present value rewritten
// in canonical decimal form. Unparseable values are left untouched.
func (c Candle) Canonical() Candle {
	c.Open = CanonicalDecimal(c.Open)
	c.High = CanonicalDecimal(c.High)
	c.Low = CanonicalDecimal(c.Low)
	c.Close = CanonicalDecimal(c.Close)
	c.Volume = CanonicalDecimal(c.Volume)
	return c
}

// CanonicalDecimal normalises a decimal string ("101.50" -> "101.5").
func CanonicalDecimal(s string) string {
	if s == "" {
		return s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.String()
}

// FormatFloat renders a float64 in canonical decimal form.
func FormatFloat(f float64) string {
	return decimal.NewFromFloat(f).String()
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Interval: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Interval, c.Timestamp.Format(DateTimeLayout), c.Open, c.High, c.Low, c.Close, c.Volume)
}
