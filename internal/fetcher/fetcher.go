// Package fetcher retrieves a symbol's candles over an arbitrary window by
// splitting it into broker-sized chunks and requesting them one at a time,
// with per-chunk retry and pacing between requests.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/config"
	apperrors "github.com/johnayoung/nifty-ohlcv-updater/internal/errors"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/exchange"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// Step is the API's timestamp resolution. Consecutive chunks are separated by one step.
const Step = time.Minute

const day = 24 * time.Hour

// Config controls retry and pacing.
type Config struct {
	MaxRetries     int           // attempts per chunk, including the first
	RetryDelay     time.Duration // wait after a transient failure
	RateLimitDelay time.Duration // wait after a rate-limit failure; 0 means 2 x RetryDelay
	RequestDelay   time.Duration // pause between chunks
	MaxChunkDays   int           // cap on the per-request span; 0 means the interval limit
}

// ConfigFrom builds a fetcher Config from the application settings.
func ConfigFrom(app *config.AppConfig) Config {
	return Config{
		MaxRetries:     app.Updater.MaxRetries,
		RetryDelay:     app.Updater.RetryDelay,
		RateLimitDelay: app.EffectiveRateLimitDelay(),
		RequestDelay:   app.Updater.RequestDelay,
		MaxChunkDays:   app.Updater.MaxChunkDays,
	}
}

func (c Config) rateLimitDelay() time.Duration {
	if c.RateLimitDelay > 0 {
		return c.RateLimitDelay
	}
	return 2 * c.RetryDelay
}

func (c Config) maxRetries() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}

// Span returns the effective chunk span for interval.
func (c Config) Span(interval models.Interval) time.Duration {
	span := interval.MaxSpan()
	if c.MaxChunkDays > 0 {
		if capped := time.Duration(c.MaxChunkDays) * day; span == 0 || capped < span {
			span = capped
		}
	}
	return span
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithTimer sets the timer used between retry attempts.
func WithTimer(t backoff.Timer) Option {
	return func(f *Fetcher) { f.timer = t }
}

// WithSleeper sets the function used for inter-chunk pacing.
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithClassifier shares an error classifier so failures are counted across symbols.
func WithClassifier(c *apperrors.ErrorClassifier) Option {
	return func(f *Fetcher) { f.classifier = c }
}

// Fetcher performs chunked, retried candle retrieval.
type Fetcher struct {
	source     exchange.CandleSource
	cfg        Config
	logger     *slog.Logger
	classifier *apperrors.ErrorClassifier
	timer      backoff.Timer
	sleep      Sleeper
}

// Result is the outcome of one Fetch.
type Result struct {
	Candles      []models.Candle
	Chunks       int // chunks requested
	FailedChunks int // chunks that exhausted retries or failed permanently
	EmptyChunks  int // chunks that returned no usable rows
	Requests     int // total API calls, retries included
}

// New creates a Fetcher over source.
func New(source exchange.CandleSource, cfg Config, log *slog.Logger, opts ...Option) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	f := &Fetcher{
		source: source,
		cfg:    cfg,
		logger: log,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.classifier == nil {
		f.classifier = apperrors.NewErrorClassifier(log)
	}
	return f
}

// ErrorStats returns the failures observed so far, by type.
func (f *Fetcher) ErrorStats() map[apperrors.ErrorType]apperrors.ErrorStats {
	return f.classifier.GetStats()
}

// SplitWindow splits w into consecutive inclusive chunks no longer than span.
// Each chunk starts one Step after the previous chunk's end.
func SplitWindow(w models.Window, span time.Duration) []models.Window {
	if w.Empty() || span <= 0 {
		return nil
	}

	var chunks []models.Window
	for start := w.Start; !start.After(w.End); {
		end := start.Add(span)
		if end.After(w.End) {
			end = w.End
		}
		chunks = append(chunks, models.Window{Start: start, End: end})
		start = end.Add(Step)
	}
	return chunks
}

// Fetch retrieves inst's candles over w. Chunk failures are logged and
// skipped; the only error returned is the context's.
func (f *Fetcher) Fetch(ctx context.Context, inst models.Instrument, interval models.Interval, w models.Window) (Result, error) {
	log := logger.FromContext(ctx, f.logger)

	chunks := SplitWindow(w, f.cfg.Span(interval))
	res := Result{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return res, nil
	}

	log.Info("fetching candles in chunks",
		"window", w.String(),
		"chunks", len(chunks),
		"span_days", f.cfg.Span(interval).Hours()/24)

	for i, chunk := range chunks {
		rows, attempts, err := f.fetchChunk(ctx, inst, interval, chunk)
		res.Requests += attempts
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		switch {
		case err == nil:
			kept := filterWindow(rows, chunk)
			if dropped := len(rows) - len(kept); dropped > 0 {
				log.Warn("dropped rows outside requested chunk",
					"chunk", chunk.String(),
					"dropped", dropped)
			}
			if len(kept) == 0 {
				res.EmptyChunks++
				log.Info("no data returned for chunk", "chunk", chunk.String())
			} else {
				log.Debug("chunk fetched", "chunk", chunk.String(), "rows", len(kept), "attempts", attempts)
			}
			res.Candles = append(res.Candles, kept...)
		case apperrors.GetErrorType(err) == apperrors.ErrorTypeMalformed:
			res.EmptyChunks++
			log.Warn("malformed response treated as empty chunk",
				"chunk", chunk.String(),
				"error", err)
		default:
			res.FailedChunks++
			log.Error("chunk failed permanently",
				"chunk", chunk.String(),
				"attempts", attempts,
				"error", err)
		}

		delay := f.cfg.RequestDelay
		if i == len(chunks)-1 {
			if len(res.Candles) == 0 {
				break
			}
			delay = 2 * f.cfg.RequestDelay
		}
		if err := f.sleep(ctx, delay); err != nil {
			return res, err
		}
	}

	log.Info("chunked fetch complete",
		"rows", len(res.Candles),
		"chunks", res.Chunks,
		"failed_chunks", res.FailedChunks,
		"empty_chunks", res.EmptyChunks,
		"requests", res.Requests)

	return res, nil
}

// fetchChunk requests one chunk with retry. It returns the rows, the number
// of attempts made and the final classified error, if any.
func (f *Fetcher) fetchChunk(ctx context.Context, inst models.Instrument, interval models.Interval, chunk models.Window) ([]models.Candle, int, error) {
	log := logger.FromContext(ctx, f.logger)
	req := exchange.FetchRequest{
		Symbol:   inst.Symbol,
		Token:    inst.Token,
		Interval: interval,
		Start:    chunk.Start,
		End:      chunk.End,
	}

	maxRetries := f.cfg.maxRetries()
	policy := &chunkBackOff{retryDelay: f.cfg.RetryDelay, rateLimitDelay: f.cfg.rateLimitDelay()}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx)

	attempts := 0
	operation := func() ([]models.Candle, error) {
		attempts++
		rows, err := f.source.FetchCandles(ctx, req)
		if err == nil {
			return rows, nil
		}

		classified := f.classifier.Classify(err, "fetcher", "fetch_chunk")
		classified.Attempts = attempts
		policy.last = classified
		if !classified.Retryable {
			return nil, backoff.Permanent(classified)
		}
		return nil, classified
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("chunk request failed, retrying",
			"chunk", chunk.String(),
			"attempt", attempts,
			"max_attempts", maxRetries,
			"error_type", apperrors.GetErrorType(err),
			"wait", wait,
			"error", err)
	}

	rows, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, f.timer)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, attempts, err
		}
		return nil, attempts, fmt.Errorf("chunk %s: %w", chunk, err)
	}
	return rows, attempts, nil
}

// chunkBackOff waits a fixed delay between attempts, or the longer
// rate-limit delay when the last failure was a rate limit.
type chunkBackOff struct {
	retryDelay     time.Duration
	rateLimitDelay time.Duration
	last           error
}

func (b *chunkBackOff) NextBackOff() time.Duration {
	if apperrors.IsRateLimit(b.last) {
		return b.rateLimitDelay
	}
	return b.retryDelay
}

func (b *chunkBackOff) Reset() { b.last = nil }

func filterWindow(rows []models.Candle, w models.Window) []models.Candle {
	kept := rows[:0:0]
	for _, c := range rows {
		if w.Contains(c.Timestamp) {
			kept = append(kept, c)
		}
	}
	return kept
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
