// Package validator cleans merged OHLCV series before they are persisted.
//
// Cleaning brings a series to the dataset invariants: timestamps unique and
// ascending, every value present, high >= max(open, close, low),
// low <= min(open, close, high) and volume >= 0. Missing prices are
// forward-filled from the previous candle; rows that still cannot satisfy the
// invariants are dropped and counted in a CleanReport.
package validator

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// CleanReport counts what a Clean call changed.
type CleanReport struct {
	Input            int `json:"input"`
	Output           int `json:"output"`
	Duplicates       int `json:"duplicates"`        // rows replaced by a later row with the same timestamp
	Filled           int `json:"filled"`            // rows with at least one forward-filled price
	Incomplete       int `json:"incomplete"`        // rows dropped for a missing or unparseable value
	OHLCViolations   int `json:"ohlc_violations"`   // rows dropped for inconsistent prices
	NegativeVolume   int `json:"negative_volume"`   // rows dropped for volume < 0
	InvalidTimestamp int `json:"invalid_timestamp"` // rows dropped for a zero timestamp
}

// Dropped returns the number of rows removed by validation rules. Collapsed
// duplicates are not counted.
func (r CleanReport) Dropped() int {
	return r.Incomplete + r.OHLCViolations + r.NegativeVolume + r.InvalidTimestamp
}

// Cleaner applies the cleaning rules.
type Cleaner struct {
	logger *slog.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(log *slog.Logger) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	return &Cleaner{logger: log}
}

// Clean returns a new series satisfying the dataset invariants. The input
// slice is not modified.
func (c *Cleaner) Clean(ctx context.Context, candles []models.Candle) ([]models.Candle, CleanReport) {
	report := CleanReport{Input: len(candles)}

	rows := make([]models.Candle, 0, len(candles))
	for _, candle := range candles {
		if candle.Timestamp.IsZero() {
			report.InvalidTimestamp++
			continue
		}
		rows = append(rows, normalize(candle))
	}

	slices.SortStableFunc(rows, func(a, b models.Candle) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	rows, report.Duplicates = dedupLastWins(rows)
	report.Filled = forwardFill(rows)

	out := rows[:0]
	for i := range rows {
		switch err := rows[i].Validate(); {
		case err == nil:
			out = append(out, rows[i])
		case !rows[i].IsComplete():
			report.Incomplete++
		case isField(err, "volume"):
			report.NegativeVolume++
		default:
			report.OHLCViolations++
		}
	}
	report.Output = len(out)

	log := logger.FromContext(ctx, c.logger)
	log.Debug("cleaned candles",
		"input", report.Input,
		"output", report.Output,
		"duplicates", report.Duplicates,
		"filled", report.Filled)

	if report.Dropped() > 0 {
		log.Warn("dropped invalid candles",
			"dropped", report.Dropped(),
			"incomplete", report.Incomplete,
			"ohlc_violations", report.OHLCViolations,
			"negative_volume", report.NegativeVolume,
			"invalid_timestamp", report.InvalidTimestamp)
	}

	return out, report
}

// normalize canonicalises each value and blanks the ones that do not parse,
// so they are treated as missing.
func normalize(c models.Candle) models.Candle {
	c = c.Canonical()
	for _, v := range []*string{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		if *v != "" && !isDecimal(*v) {
			*v = ""
		}
	}
	return c
}

// dedupLastWins collapses runs of equal timestamps in a sorted series,
// keeping the last row of each run.
func dedupLastWins(rows []models.Candle) ([]models.Candle, int) {
	if len(rows) < 2 {
		return rows, 0
	}

	out := rows[:0]
	dups := 0
	for i := range rows {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(rows[i].Timestamp) {
			out[len(out)-1] = rows[i]
			dups++
			continue
		}
		out = append(out, rows[i])
	}
	return out, dups
}

// forwardFill copies each missing price from the previous row's value for
// the same field. Volume is never filled.
func forwardFill(rows []models.Candle) int {
	filled := 0
	for i := 1; i < len(rows); i++ {
		prev, cur := &rows[i-1], &rows[i]
		changed := false
		for _, f := range []struct{ dst, src *string }{
			{&cur.Open, &prev.Open},
			{&cur.High, &prev.High},
			{&cur.Low, &prev.Low},
			{&cur.Close, &prev.Close},
		} {
			if *f.dst == "" && *f.src != "" {
				*f.dst = *f.src
				changed = true
			}
		}
		if changed {
			filled++
		}
	}
	return filled
}

func isField(err error, field string) bool {
	var ve *models.ValidationError
	return errors.As(err, &ve) && ve.Field == field
}

func isDecimal(s string) bool {
	_, err := decimal.NewFromString(s)
	return err == nil
}
