package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// LoadResult describes where a loaded dataset came from.
type LoadResult struct {
	// Source is the format that was read, or empty when nothing was loaded.
	Source Format
	// Err joins the failures that were skipped over, if any.
	Err error
	// Stale lists the representations that were missing or unreadable
	// while another one could be read.
	Stale []Format
}

// Fallback reports whether the authoritative representation could not be used.
func (r LoadResult) Fallback(primary Format) bool {
	return r.Source != primary
}

// Persister reads a symbol from the authoritative backend and writes it to
// every backend.
type Persister struct {
	primary   DatasetStore
	secondary []DatasetStore
	logger    *slog.Logger
}

// NewPersister composes backends. primary is authoritative on read.
func NewPersister(primary DatasetStore, secondary []DatasetStore, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{primary: primary, secondary: secondary, logger: log}
}

// Open builds the CSV and Parquet backends under dir with primary as the
// authoritative format.
func Open(dir string, primary Format, log *slog.Logger) (*Persister, error) {
	stores := make(map[Format]DatasetStore, 2)
	for _, f := range []Format{FormatCSV, FormatParquet} {
		store, err := NewStore(f, dir, WithLogger(log))
		if err != nil {
			closeStores(stores)
			return nil, err
		}
		stores[f] = store
	}

	main, ok := stores[primary]
	if !ok {
		closeStores(stores)
		return nil, fmt.Errorf("unsupported primary format: %q", primary)
	}

	var rest []DatasetStore
	for _, f := range []Format{FormatCSV, FormatParquet} {
		if f != primary {
			rest = append(rest, stores[f])
		}
	}

	return NewPersister(main, rest, log), nil
}

func closeStores(stores map[Format]DatasetStore) {
	for _, s := range stores {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
}

// Primary returns the authoritative format.
func (p *Persister) Primary() Format {
	return p.primary.Format()
}

// Stores returns every backend, primary first.
func (p *Persister) Stores() []DatasetStore {
	return append([]DatasetStore{p.primary}, p.secondary...)
}

// Load reads symbol from the first backend that has a readable file. Read
// failures are logged and the next backend is tried. When nothing could be
// read the dataset is empty and the result says why.
func (p *Persister) Load(ctx context.Context, symbol string) ([]models.Candle, LoadResult) {
	log := logger.FromContext(ctx, p.logger)

	var (
		errs  []error
		stale []Format
	)
	stores := p.Stores()
	for i, s := range stores {
		if !s.Exists(symbol) {
			stale = append(stale, s.Format())
			continue
		}

		candles, err := s.Load(ctx, symbol)
		if err != nil {
			log.Error("failed to read dataset",
				"format", s.Format(),
				"path", s.Path(symbol),
				"error", err)
			errs = append(errs, err)
			stale = append(stale, s.Format())
			continue
		}

		for _, rest := range stores[i+1:] {
			if !rest.Exists(symbol) {
				stale = append(stale, rest.Format())
			}
		}
		return candles, LoadResult{Source: s.Format(), Err: errors.Join(errs...), Stale: stale}
	}

	return nil, LoadResult{Err: errors.Join(errs...)}
}

// Save writes candles to every backend. Failures are logged per backend;
// an error is returned only when every backend failed.
func (p *Persister) Save(ctx context.Context, symbol string, candles []models.Candle) error {
	log := logger.FromContext(ctx, p.logger)

	var errs []error
	stores := p.Stores()
	for _, s := range stores {
		if err := s.Save(ctx, symbol, candles); err != nil {
			log.Warn("failed to write dataset",
				"format", s.Format(),
				"path", s.Path(symbol),
				"error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) == len(stores) {
		return fmt.Errorf("all representations failed for %s: %w", symbol, errors.Join(errs...))
	}
	return nil
}

// Repair rewrites the listed representations of symbol from candles, the
// dataset read from a healthy one.
func (p *Persister) Repair(ctx context.Context, symbol string, candles []models.Candle, formats []Format) error {
	log := logger.FromContext(ctx, p.logger)

	var errs []error
	for _, s := range p.Stores() {
		if !slices.Contains(formats, s.Format()) {
			continue
		}
		if err := s.Save(ctx, symbol, candles); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("rebuilt dataset representation",
			"format", s.Format(),
			"path", s.Path(symbol),
			"rows", len(candles))
	}
	return errors.Join(errs...)
}

// Close releases backends that hold resources.
func (p *Persister) Close() error {
	var errs []error
	for _, s := range p.Stores() {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
