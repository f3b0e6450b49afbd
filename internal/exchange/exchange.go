// Package exchange defines the broker boundary used by the updater.
//
// A CandleSource returns the candles of one instrument over one bounded
// window. A Session establishes and tears down the authenticated broker
// session that a source relies on. The SmartAPI client in this package
// satisfies both.
package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// CandleSource retrieves OHLCV candle data from a broker.
type CandleSource interface {
	// FetchCandles retrieves the candles of req.Token between req.Start and
	// req.End inclusive, ordered by timestamp.
	//
	// An empty slice with a nil error means the broker had no data for the
	// window. Errors are either *errors.APIError values describing a broker
	// response, transport errors, or errors wrapping errors.ErrMalformedResponse.
	FetchCandles(ctx context.Context, req FetchRequest) ([]models.Candle, error)
}

// Session manages the authenticated broker session.
type Session interface {
	// Login authenticates and stores the session token for later requests.
	Login(ctx context.Context) error

	// Logout terminates the session. It is a no-op when no session exists.
	Logout(ctx context.Context) error
}

// Broker combines a candle source with its session.
type Broker interface {
	CandleSource
	Session
}

// FetchRequest specifies parameters for fetching OHLCV candle data.
type FetchRequest struct {
	// Symbol is the display symbol stamped onto returned candles (e.g. "RELIANCE")
	Symbol string `json:"symbol"`

	// Token is the broker's instrument token (e.g. "2885")
	Token string `json:"token"`

	// Interval is the candle granularity
	Interval models.Interval `json:"interval"`

	// Start is the beginning of the time range to fetch (inclusive)
	Start time.Time `json:"start"`

	// End is the end of the time range to fetch (inclusive)
	End time.Time `json:"end"`
}

// Validate checks if the FetchRequest has valid parameters.
func (r *FetchRequest) Validate() error {
	if r.Token == "" {
		return &ValidationError{Field: "token", Message: "instrument token cannot be empty"}
	}

	if !r.Interval.Valid() {
		return &ValidationError{Field: "interval", Message: "unsupported interval " + string(r.Interval)}
	}

	if r.Start.IsZero() {
		return &ValidationError{Field: "start", Message: "start time cannot be zero"}
	}

	if r.End.IsZero() {
		return &ValidationError{Field: "end", Message: "end time cannot be zero"}
	}

	if r.End.Before(r.Start) {
		return &ValidationError{Field: "end", Message: "end time must not be before start time"}
	}

	return nil
}

// Window returns the requested range.
func (r *FetchRequest) Window() models.Window {
	return models.Window{Start: r.Start, End: r.End}
}

// ValidationError represents a validation error for exchange types.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation error for field " + e.Field + ": " + e.Message
}
