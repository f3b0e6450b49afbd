package models

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a SmartAPI candle granularity.
type Interval string

const (
	IntervalOneMinute     Interval = "ONE_MINUTE"
	IntervalThreeMinute   Interval = "THREE_MINUTE"
	IntervalFiveMinute    Interval = "FIVE_MINUTE"
	IntervalTenMinute     Interval = "TEN_MINUTE"
	IntervalFifteenMinute Interval = "FIFTEEN_MINUTE"
	IntervalThirtyMinute  Interval = "THIRTY_MINUTE"
	IntervalOneHour       Interval = "ONE_HOUR"
	IntervalOneDay        Interval = "ONE_DAY"
)

const day = 24 * time.Hour

type intervalSpec struct {
	width   time.Duration
	maxSpan time.Duration
}

// Per-request range limits published for the historical candle endpoint.
var intervalSpecs = map[Interval]intervalSpec{
	IntervalOneMinute:     {time.Minute, 30 * day},
	IntervalThreeMinute:   {3 * time.Minute, 60 * day},
	IntervalFiveMinute:    {5 * time.Minute, 100 * day},
	IntervalTenMinute:     {10 * time.Minute, 100 * day},
	IntervalFifteenMinute: {15 * time.Minute, 200 * day},
	IntervalThirtyMinute:  {30 * time.Minute, 200 * day},
	IntervalOneHour:       {time.Hour, 400 * day},
	IntervalOneDay:        {day, 2000 * day},
}

// Intervals lists every supported interval from finest to coarsest.
func Intervals() []Interval {
	return []Interval{
		IntervalOneMinute,
		IntervalThreeMinute,
		IntervalFiveMinute,
		IntervalTenMinute,
		IntervalFifteenMinute,
		IntervalThirtyMinute,
		IntervalOneHour,
		IntervalOneDay,
	}
}

// ParseInterval parses an interval name case-insensitively.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := intervalSpecs[iv]; !ok {
		return "", fmt.Errorf("unsupported interval: %q", s)
	}
	return iv, nil
}

// Valid reports whether the interval is one the API accepts.
func (i Interval) Valid() bool {
	_, ok := intervalSpecs[i]
	return ok
}

// Duration returns the width of one candle.
func (i Interval) Duration() time.Duration {
	return intervalSpecs[i].width
}

// MaxSpan returns the largest date range a single candle request may cover.
func (i Interval) MaxSpan() time.Duration {
	return intervalSpecs[i].maxSpan
}

func (i Interval) String() string {
	return string(i)
}
