package collector

import (
	"slices"
	"time"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/fetcher"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

// DefaultFreshnessBuffer keeps the window end clear of the still-forming candle.
const DefaultFreshnessBuffer = time.Minute

// ResumeWindow computes the range still missing from existing. With no
// dataset the window starts at defaultStart; otherwise one step after the
// last stored candle. The window ends buffer before now. ok is false when
// the dataset is already up to date.
func ResumeWindow(existing []models.Candle, defaultStart, now time.Time, buffer time.Duration) (w models.Window, ok bool) {
	if buffer <= 0 {
		buffer = DefaultFreshnessBuffer
	}

	start := defaultStart
	if last, found := lastTimestamp(existing); found {
		start = last.Add(fetcher.Step)
	}

	w = models.Window{Start: start, End: now.Add(-buffer)}
	if !w.Start.Before(w.End) {
		return w, false
	}
	return w, true
}

// lastTimestamp returns the latest timestamp in candles, which need not be sorted.
func lastTimestamp(candles []models.Candle) (time.Time, bool) {
	var last time.Time
	for _, c := range candles {
		if c.Timestamp.After(last) {
			last = c.Timestamp
		}
	}
	return last, !last.IsZero()
}

// Merge combines existing and fetched rows into one series sorted by
// timestamp. When both contain a timestamp the fetched row wins.
func Merge(existing, fetched []models.Candle) []models.Candle {
	merged := make([]models.Candle, 0, len(existing)+len(fetched))
	merged = append(merged, existing...)
	merged = append(merged, fetched...)

	slices.SortStableFunc(merged, func(a, b models.Candle) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	out := merged[:0]
	for _, c := range merged {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(c.Timestamp) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// sameSeries reports whether a and b hold the same rows. Symbol and interval
// tags are ignored since datasets do not store them.
func sameSeries(a, b []models.Candle) bool {
	return slices.EqualFunc(a, b, func(x, y models.Candle) bool {
		return x.Timestamp.Equal(y.Timestamp) &&
			x.Open == y.Open &&
			x.High == y.High &&
			x.Low == y.Low &&
			x.Close == y.Close &&
			x.Volume == y.Volume
	})
}
