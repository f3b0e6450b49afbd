// Package collector runs the incremental update of symbol datasets.
//
// For each instrument the collector loads the stored dataset, works out the
// window still missing, fetches it in chunks, merges and cleans the combined
// series and writes it back. Symbols are processed one at a time; a failure
// in one symbol never stops the run.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/fetcher"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/storage"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/validator"
)

// CandleFetcher retrieves an instrument's candles over a window.
type CandleFetcher interface {
	Fetch(ctx context.Context, inst models.Instrument, interval models.Interval, w models.Window) (fetcher.Result, error)
}

// DatasetPersister loads and saves complete symbol datasets.
type DatasetPersister interface {
	Load(ctx context.Context, symbol string) ([]models.Candle, storage.LoadResult)
	Save(ctx context.Context, symbol string, candles []models.Candle) error
	Repair(ctx context.Context, symbol string, candles []models.Candle, formats []storage.Format) error
	Primary() storage.Format
}

// SeriesCleaner brings a merged series to the dataset invariants.
type SeriesCleaner interface {
	Clean(ctx context.Context, candles []models.Candle) ([]models.Candle, validator.CleanReport)
}

// CollectionError represents a symbol update that stopped at a given stage.
// It provides structured information about the error context including the
// stage and the symbol involved.
type CollectionError struct {
	Stage     State     // Stage at which the update stopped
	Symbol    string    // Symbol being updated
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// Error implements the error interface for CollectionError.
func (e *CollectionError) Error() string {
	return fmt.Sprintf("update of %s failed at %s: %v", e.Symbol, e.Stage, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *CollectionError) Unwrap() error {
	return e.Err
}

// NewCollectionError creates a new CollectionError with the provided details.
// Automatically sets the timestamp to the current time.
func NewCollectionError(stage State, symbol string, err error) *CollectionError {
	return &CollectionError{
		Stage:     stage,
		Symbol:    symbol,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ErrPanic marks a symbol update that panicked.
var ErrPanic = errors.New("panic during symbol update")

// Config configures the collector.
type Config struct {
	Interval        models.Interval
	StartDate       time.Time     // window start for symbols with no dataset
	FreshnessBuffer time.Duration // window end is now minus this
	SymbolDelay     time.Duration // pause between symbols
	ShowProgress    bool
}

// ValidateConfig checks the collector configuration and returns an error
// listing every problem found.
func ValidateConfig(cfg Config) error {
	var problems []string

	if !cfg.Interval.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported interval %q", cfg.Interval))
	}
	if cfg.StartDate.IsZero() {
		problems = append(problems, "start date is required")
	}
	if cfg.FreshnessBuffer < 0 {
		problems = append(problems, "freshness buffer must not be negative")
	}
	if cfg.SymbolDelay < 0 {
		problems = append(problems, "symbol delay must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid collector config: %s", strings.Join(problems, "; "))
	}
	return nil
}
