package collector

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/config"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/exchange"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/fetcher"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/storage"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/validator"
)

// ConfigFromApp derives the collector configuration from the application
// configuration.
func ConfigFromApp(cfg *config.AppConfig) Config {
	return Config{
		Interval:        cfg.Interval(),
		StartDate:       cfg.StartTime(),
		FreshnessBuffer: cfg.Updater.FreshnessBuffer,
		SymbolDelay:     cfg.Updater.RequestDelay,
		ShowProgress:    cfg.Updater.ShowProgress,
	}
}

// CollectorBuilder provides a builder pattern for creating collectors
type CollectorBuilder struct {
	app       *config.AppConfig
	source    exchange.CandleSource
	fetcher   CandleFetcher
	persister DatasetPersister
	cleaner   SeriesCleaner
	logger    *slog.Logger
	opts      []Option
}

// NewBuilder creates a new collector builder
func NewBuilder(app *config.AppConfig) *CollectorBuilder {
	return &CollectorBuilder{
		app:    app,
		logger: slog.Default(),
	}
}

// WithSource sets the candle source the default fetcher reads from
func (b *CollectorBuilder) WithSource(source exchange.CandleSource) *CollectorBuilder {
	b.source = source
	return b
}

// WithFetcher replaces the default chunked fetcher
func (b *CollectorBuilder) WithFetcher(f CandleFetcher) *CollectorBuilder {
	b.fetcher = f
	return b
}

// WithPersister replaces the default CSV and Parquet persister
func (b *CollectorBuilder) WithPersister(p DatasetPersister) *CollectorBuilder {
	b.persister = p
	return b
}

// WithCleaner replaces the default cleaner
func (b *CollectorBuilder) WithCleaner(cl SeriesCleaner) *CollectorBuilder {
	b.cleaner = cl
	return b
}

// WithLogger sets the logger
func (b *CollectorBuilder) WithLogger(logger *slog.Logger) *CollectorBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithOptions appends collector options
func (b *CollectorBuilder) WithOptions(opts ...Option) *CollectorBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build creates the collector, filling in the default fetcher, persister and
// cleaner for any component not set explicitly. The persister opened here is
// released by Collector.Close.
func (b *CollectorBuilder) Build() (*Collector, error) {
	if b.app == nil {
		return nil, fmt.Errorf("application config is required")
	}

	cfg := ConfigFromApp(b.app)
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := b.fetcher
	if f == nil {
		if b.source == nil {
			return nil, fmt.Errorf("candle source or fetcher is required")
		}
		f = fetcher.New(b.source, fetcher.ConfigFrom(b.app), b.logger.With("component", "fetcher"))
	}

	cl := b.cleaner
	if cl == nil {
		cl = validator.NewCleaner(b.logger.With("component", "cleaner"))
	}

	p := b.persister
	if p == nil {
		primary, err := storage.ParseFormat(b.app.Storage.PrimaryFormat)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		opened, err := storage.Open(b.app.DataFolder(), primary, b.logger.With("component", "storage"))
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		p = opened
	}

	c, err := New(f, p, cl, cfg, b.logger.With("component", "collector"), b.opts...)
	if err != nil {
		if closer, ok := p.(io.Closer); ok && b.persister == nil {
			closer.Close()
		}
		return nil, err
	}
	c.ownsPersister = b.persister == nil
	return c, nil
}
