package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/schollz/progressbar/v3"

	apperrors "github.com/johnayoung/nifty-ohlcv-updater/internal/errors"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/storage"
)

// State is a step of the per-symbol update.
type State string

const (
	StateStart         State = "START"
	StateLoadExisting  State = "LOAD_EXISTING"
	StateComputeWindow State = "COMPUTE_WINDOW"
	StateSkip          State = "SKIP"
	StateFetchChunks   State = "FETCH_CHUNKS"
	StateMerge         State = "MERGE"
	StateClean         State = "CLEAN"
	StatePersist       State = "PERSIST"
	StateDone          State = "DONE"
)

// Outcome is the result class of one symbol update.
type Outcome string

const (
	OutcomeUpdated     Outcome = "updated"     // dataset rewritten with new rows
	OutcomeSkipped     Outcome = "skipped"     // dataset already up to date
	OutcomeUnchanged   Outcome = "unchanged"   // window fetched but nothing new
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted" // run cancelled mid-update, dataset untouched
)

// SymbolResult reports one symbol update.
type SymbolResult struct {
	Symbol     string
	State      State // last state reached
	Outcome    Outcome
	Window     models.Window
	LoadSource string // representation the existing dataset came from
	Existing   int    // rows loaded
	Fetched    int    // rows returned by the API
	Added      int    // net rows added
	Rows       int    // rows written
	Requests   int
	Err        error
	Duration   time.Duration
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a Collector.
type Option func(*Collector)

// WithClock sets the source of the current naive time.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithSleeper sets the function used for the pause between symbols.
func WithSleeper(s Sleeper) Option {
	return func(c *Collector) { c.sleep = s }
}

// WithProgressWriter sets where the progress bar is drawn.
func WithProgressWriter(w io.Writer) Option {
	return func(c *Collector) { c.progressOut = w }
}

// Collector updates symbol datasets.
type Collector struct {
	fetcher   CandleFetcher
	persister DatasetPersister
	cleaner   SeriesCleaner
	cfg       Config
	logger    *slog.Logger

	now         func() time.Time
	sleep       Sleeper
	progressOut io.Writer

	ownsPersister bool
}

// New creates a Collector.
func New(f CandleFetcher, p DatasetPersister, cl SeriesCleaner, cfg Config, log *slog.Logger, opts ...Option) (*Collector, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if f == nil || p == nil || cl == nil {
		return nil, errors.New("fetcher, persister and cleaner are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.FreshnessBuffer == 0 {
		cfg.FreshnessBuffer = DefaultFreshnessBuffer
	}

	c := &Collector{
		fetcher:     f,
		persister:   p,
		cleaner:     cl,
		cfg:         cfg,
		logger:      log,
		now:         models.NaiveNow,
		sleep:       sleepContext,
		progressOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run updates every instrument in order, pausing between symbols. It stops
// early only when ctx is cancelled.
func (c *Collector) Run(ctx context.Context, instruments []models.Instrument) *RunSummary {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	ctx = logger.WithInterval(ctx, c.cfg.Interval.String())
	log := logger.FromContext(ctx, c.logger)

	summary := newRunSummary(runID, c.cfg.Interval.String(), len(instruments))
	log.Info("starting update run",
		"instruments", len(instruments),
		"start_date", c.cfg.StartDate.Format(models.DateLayout),
		"primary_format", c.persister.Primary())

	bar := c.newProgressBar(len(instruments))

	for i, inst := range instruments {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		bar.Describe(inst.Symbol)
		result := c.UpdateSymbol(ctx, inst)
		summary.record(result)
		bar.Add(1)

		if i == len(instruments)-1 {
			break
		}
		if err := c.sleep(ctx, c.cfg.SymbolDelay); err != nil {
			summary.Interrupted = true
			break
		}
	}

	bar.Finish()
	if ctx.Err() != nil {
		summary.Interrupted = true
	}

	if es, ok := c.fetcher.(interface {
		ErrorStats() map[apperrors.ErrorType]apperrors.ErrorStats
	}); ok {
		summary.ErrorStats = es.ErrorStats()
	}

	summary.finish()
	summary.Log(log)
	return summary
}

// UpdateSymbol runs the update for one instrument:
// START, LOAD_EXISTING, COMPUTE_WINDOW, then SKIP or FETCH_CHUNKS, MERGE,
// CLEAN, PERSIST and DONE. Errors and panics fail only this symbol.
func (c *Collector) UpdateSymbol(ctx context.Context, inst models.Instrument) (result SymbolResult) {
	started := time.Now()
	ctx = logger.WithSymbol(ctx, inst.Symbol)
	log := logger.FromContext(ctx, c.logger)

	result = SymbolResult{Symbol: inst.Symbol, State: StateStart}

	defer func() {
		if r := recover(); r != nil {
			log.Error("symbol update panicked",
				"state", result.State,
				"panic", r,
				"stack", string(debug.Stack()))
			result.Outcome = OutcomeFailed
			result.Err = NewCollectionError(result.State, inst.Symbol, fmt.Errorf("%w: %v", ErrPanic, r))
		}
		result.Duration = time.Since(started)
	}()

	fail := func(err error) SymbolResult {
		result.Err = NewCollectionError(result.State, inst.Symbol, err)
		if ctx.Err() != nil {
			result.Outcome = OutcomeInterrupted
			log.Warn("symbol update interrupted", "state", result.State, "error", err)
			return result
		}
		result.Outcome = OutcomeFailed
		log.Error("symbol update failed", "state", result.State, "error", err)
		return result
	}

	if err := inst.Validate(); err != nil {
		return fail(err)
	}

	result.State = StateLoadExisting
	existing, loaded := c.persister.Load(ctx, inst.Symbol)
	result.LoadSource = string(loaded.Source)
	result.Existing = len(existing)
	switch {
	case loaded.Source == "" && loaded.Err != nil:
		log.Error("existing dataset unreadable, refetching from start date",
			"start_date", c.cfg.StartDate.Format(models.DateLayout),
			"error", loaded.Err)
	case loaded.Source == "":
		log.Info("no existing dataset, fetching from start date",
			"start_date", c.cfg.StartDate.Format(models.DateLayout))
	case loaded.Fallback(c.persister.Primary()):
		log.Warn("loaded existing dataset from secondary representation",
			"source", loaded.Source,
			"primary", c.persister.Primary(),
			"rows", len(existing),
			"error", loaded.Err)
	default:
		log.Debug("loaded existing dataset", "source", loaded.Source, "rows", len(existing))
	}

	result.State = StateComputeWindow
	window, ok := ResumeWindow(existing, c.cfg.StartDate, c.now(), c.cfg.FreshnessBuffer)
	result.Window = window
	if !ok {
		result.State = StateSkip
		result.Outcome = OutcomeSkipped
		result.Rows = len(existing)
		log.Info("dataset up to date, skipping",
			"resume_from", window.Start.Format(models.DateTimeLayout),
			"until", window.End.Format(models.DateTimeLayout))
		c.repair(ctx, log, inst.Symbol, existing, loaded)
		return result
	}

	result.State = StateFetchChunks
	log.Info("fetching new candles", "window", window.String())
	fetched, err := c.fetcher.Fetch(ctx, inst, c.cfg.Interval, window)
	result.Fetched = len(fetched.Candles)
	result.Requests = fetched.Requests
	if err != nil {
		return fail(err)
	}
	if fetched.Chunks > 0 && fetched.FailedChunks == fetched.Chunks {
		return fail(fmt.Errorf("all %d chunks failed", fetched.Chunks))
	}
	if len(fetched.Candles) == 0 {
		result.Outcome = OutcomeUnchanged
		result.Rows = len(existing)
		log.Info("no new candles returned", "failed_chunks", fetched.FailedChunks)
		c.repair(ctx, log, inst.Symbol, existing, loaded)
		return result
	}

	result.State = StateMerge
	merged := Merge(existing, fetched.Candles)

	result.State = StateClean
	cleaned, report := c.cleaner.Clean(ctx, merged)
	if len(cleaned) == 0 {
		return fail(errors.New("no valid candles after cleaning"))
	}
	if sameSeries(cleaned, existing) {
		result.Outcome = OutcomeUnchanged
		result.Rows = len(existing)
		log.Info("fetched candles added nothing new", "dropped", report.Dropped())
		c.repair(ctx, log, inst.Symbol, existing, loaded)
		return result
	}

	result.State = StatePersist
	err = logger.TimedOperationWithContext(ctx, c.logger, "persist", func() error {
		return c.persister.Save(ctx, inst.Symbol, cleaned)
	})
	if err != nil {
		return fail(err)
	}

	result.State = StateDone
	result.Outcome = OutcomeUpdated
	result.Rows = len(cleaned)
	result.Added = len(cleaned) - len(existing)
	log.Info("dataset updated",
		"fetched", result.Fetched,
		"added", result.Added,
		"rows", result.Rows,
		"first", cleaned[0].Timestamp.Format(models.DateTimeLayout),
		"last", cleaned[len(cleaned)-1].Timestamp.Format(models.DateTimeLayout))

	return result
}

// repair rewrites the representations that were missing or unreadable when
// the dataset was loaded, so a run that leaves the data as is still restores
// every format. Failures are logged and do not change the outcome.
func (c *Collector) repair(ctx context.Context, log *slog.Logger, symbol string, existing []models.Candle, loaded storage.LoadResult) {
	if len(existing) == 0 || len(loaded.Stale) == 0 {
		return
	}
	if err := c.persister.Repair(ctx, symbol, existing, loaded.Stale); err != nil {
		log.Warn("failed to rebuild dataset representation", "formats", loaded.Stale, "error", err)
	}
}

// Close releases the persister when the collector opened it.
func (c *Collector) Close() error {
	if !c.ownsPersister {
		return nil
	}
	if closer, ok := c.persister.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Collector) newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(c.progressOut),
		progressbar.OptionSetVisibility(c.cfg.ShowProgress),
		progressbar.OptionSetDescription("updating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
