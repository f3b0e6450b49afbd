package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

const utf8BOM = "\ufeff"

// CSVHeader is the column layout written to every CSV dataset.
var CSVHeader = []string{"DateTime", "Open", "High", "Low", "Close", "Volume"}

// Timestamp layouts accepted when reading, tried in order. Zones are
// discarded and the wall clock kept.
var csvTimeLayouts = []string{
	models.DateTimeLayout,
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04",
	models.DateLayout,
}

// CSVStore keeps datasets as CSV files.
type CSVStore struct {
	dir    string
	logger *slog.Logger
}

// NewCSVStore creates a CSV backend rooted at dir.
func NewCSVStore(dir string, opts ...StoreOption) *CSVStore {
	o := applyStoreOptions(opts)
	return &CSVStore{dir: dir, logger: o.logger}
}

func (s *CSVStore) Format() Format { return FormatCSV }

func (s *CSVStore) Path(symbol string) string { return symbolPath(s.dir, symbol, FormatCSV) }

func (s *CSVStore) Exists(symbol string) bool { return fileExists(s.Path(symbol)) }

// Load reads a CSV dataset.
func (s *CSVStore) Load(ctx context.Context, symbol string) ([]models.Candle, error) {
	path := s.Path(symbol)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, NewLoadError(FormatCSV, path, ErrNotFound)
	}
	if err != nil {
		return nil, NewLoadError(FormatCSV, path, err)
	}
	defer f.Close()

	candles, skipped, err := ReadCSV(f)
	if err != nil {
		return nil, NewLoadError(FormatCSV, path, err)
	}

	if skipped > 0 {
		logger.FromContext(ctx, s.logger).Warn("skipped CSV rows with unparseable timestamps",
			"path", path,
			"skipped", skipped)
	}

	return candles, nil
}

// Save writes candles to symbol's CSV file.
func (s *CSVStore) Save(ctx context.Context, symbol string, candles []models.Candle) error {
	path := s.Path(symbol)
	if err := ctx.Err(); err != nil {
		return NewSaveError(FormatCSV, path, err)
	}

	err := writeAtomic(path, 0o644, func(w io.Writer) error {
		return WriteCSV(w, candles)
	})
	if err != nil {
		return NewSaveError(FormatCSV, path, err)
	}

	logger.FromContext(ctx, s.logger).Debug("saved CSV dataset", "path", path, "rows", len(candles))
	return nil
}

// WriteCSV writes candles under CSVHeader.
func WriteCSV(w io.Writer, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	for _, c := range candles {
		record := []string{
			c.Timestamp.Format(models.DateTimeLayout),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// csvColumns maps dataset fields to record indexes; -1 means absent.
type csvColumns struct {
	dateTime, date, clock          int
	open, high, low, close, volume int
}

func mapCSVHeader(header []string) (csvColumns, error) {
	cols := csvColumns{-1, -1, -1, -1, -1, -1, -1, -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, utf8BOM))) {
		case "datetime", "timestamp":
			cols.dateTime = i
		case "date":
			cols.date = i
		case "time":
			cols.clock = i
		case "open":
			cols.open = i
		case "high":
			cols.high = i
		case "low":
			cols.low = i
		case "close":
			cols.close = i
		case "volume":
			cols.volume = i
		}
	}

	if cols.dateTime < 0 && (cols.date < 0 || cols.clock < 0) {
		return cols, fmt.Errorf("no DateTime column (columns: %v)", header)
	}
	return cols, nil
}

// ReadCSV parses a CSV dataset. It accepts a DateTime column or the legacy
// Date and Time column pair. Rows whose timestamp cannot be parsed are
// skipped and counted; missing or non-numeric values load as absent.
func ReadCSV(r io.Reader) (candles []models.Candle, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	cols, err := mapCSVHeader(header)
	if err != nil {
		return nil, 0, err
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("failed to read row: %w", err)
		}

		var stamp string
		if cols.dateTime >= 0 {
			stamp = cell(record, cols.dateTime)
		} else {
			stamp = cell(record, cols.date) + " " + cell(record, cols.clock)
		}

		ts, ok := parseTimestamp(stamp)
		if !ok {
			skipped++
			continue
		}

		candles = append(candles, models.Candle{
			Timestamp: ts,
			Open:      numericCell(record, cols.open),
			High:      numericCell(record, cols.high),
			Low:       numericCell(record, cols.low),
			Close:     numericCell(record, cols.close),
			Volume:    numericCell(record, cols.volume),
		})
	}

	return candles, skipped, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range csvTimeLayouts {
		if t, err := models.ParseNaive(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func cell(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func numericCell(record []string, i int) string {
	v := cell(record, i)
	if v == "" {
		return ""
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return ""
	}
	return d.String()
}
