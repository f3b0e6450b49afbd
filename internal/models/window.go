package models

import (
	"fmt"
	"time"
)

const (
	// DateTimeLayout is the on-disk timestamp format.
	DateTimeLayout = "2006-01-02 15:04:05"
	// DateLayout is the format of configured start dates.
	DateLayout = "2006-01-02"
)

// Naive drops the zone of t and keeps its wall clock. All timestamps in the
// updater are naive and carried in time.UTC so that comparisons and on-disk
// representations never shift.
func Naive(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// NaiveNow returns the current local wall clock as a naive time.
func NaiveNow() time.Time {
	return Naive(time.Now())
}

// ParseNaive parses s with layout and returns the naive wall clock it names.
func ParseNaive(layout, s string) (time.Time, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Naive(t), nil
}

// Window is an inclusive date-time range requested from the API.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window covers nothing.
func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(DateTimeLayout), w.End.Format(DateTimeLayout))
}
