package collector

import (
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/nifty-ohlcv-updater/internal/errors"
)

// RunSummary aggregates the symbol results of one run.
type RunSummary struct {
	RunID       string
	Interval    string
	StartedAt   time.Time
	Duration    time.Duration
	Total       int // instruments requested
	Processed   int // instruments attempted before the run ended
	Updated     int
	Skipped     int
	Unchanged   int
	Failed      int
	Interrupted bool

	FetchedRows int // rows returned by the API
	AddedRows   int // net rows added across datasets
	Requests    int // API calls, retries included

	Results    []SymbolResult
	ErrorStats map[apperrors.ErrorType]apperrors.ErrorStats
}

// newRunSummary starts a summary for total instruments.
func newRunSummary(runID, interval string, total int) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		Interval:  interval,
		StartedAt: time.Now(),
		Total:     total,
		Results:   make([]SymbolResult, 0, total),
	}
}

// record adds one symbol result.
func (s *RunSummary) record(r SymbolResult) {
	s.Processed++
	s.Results = append(s.Results, r)
	s.FetchedRows += r.Fetched
	s.AddedRows += r.Added
	s.Requests += r.Requests

	switch r.Outcome {
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeUnchanged:
		s.Unchanged++
	case OutcomeFailed:
		s.Failed++
	case OutcomeInterrupted:
		s.Interrupted = true
	}
}

// finish stamps the run duration.
func (s *RunSummary) finish() {
	s.Duration = time.Since(s.StartedAt)
}

// FailedSymbols lists the symbols whose update failed, in run order.
func (s *RunSummary) FailedSymbols() []string {
	var out []string
	for _, r := range s.Results {
		if r.Outcome == OutcomeFailed {
			out = append(out, r.Symbol)
		}
	}
	return out
}

// SuccessRate returns the share of processed symbols that did not fail.
func (s *RunSummary) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Processed-s.Failed) / float64(s.Processed)
}

// OK reports whether every requested symbol was processed without failure.
func (s *RunSummary) OK() bool {
	return !s.Interrupted && s.Failed == 0 && s.Processed == s.Total
}

// Log writes the summary at info level, or warn when anything failed.
func (s *RunSummary) Log(logger *slog.Logger) {
	attrs := []any{
		"run_id", s.RunID,
		"interval", s.Interval,
		"duration", s.Duration,
		"total", s.Total,
		"processed", s.Processed,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"unchanged", s.Unchanged,
		"failed", s.Failed,
		"fetched_rows", s.FetchedRows,
		"added_rows", s.AddedRows,
		"requests", s.Requests,
		"success_rate", s.SuccessRate(),
	}

	for errType, stats := range s.ErrorStats {
		attrs = append(attrs, "errors_"+string(errType), stats.Count)
	}

	if s.Failed > 0 || s.Interrupted {
		attrs = append(attrs, "failed_symbols", s.FailedSymbols(), "interrupted", s.Interrupted)
		logger.Warn("update run finished with problems", attrs...)
		return
	}
	logger.Info("update run finished", attrs...)
}
