package collector

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

func TestResumeWindow(t *testing.T) {
	defaultStart := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 10, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		existing  []models.Candle
		buffer    time.Duration
		wantStart time.Time
		wantEnd   time.Time
		wantOK    bool
	}{
		{
			name:      "no dataset starts at default start",
			buffer:    time.Minute,
			wantStart: defaultStart,
			wantEnd:   now.Add(-time.Minute),
			wantOK:    true,
		},
		{
			name:      "resumes one minute after last candle",
			existing:  hourlySeries(time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC), 7),
			buffer:    time.Minute,
			wantStart: time.Date(2024, 1, 9, 15, 16, 0, 0, time.UTC),
			wantEnd:   now.Add(-time.Minute),
			wantOK:    true,
		},
		{
			name: "unsorted dataset uses latest timestamp",
			existing: []models.Candle{
				{Timestamp: time.Date(2024, 1, 9, 14, 15, 0, 0, time.UTC)},
				{Timestamp: time.Date(2024, 1, 9, 15, 15, 0, 0, time.UTC)},
				{Timestamp: time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC)},
			},
			buffer:    5 * time.Minute,
			wantStart: time.Date(2024, 1, 9, 15, 16, 0, 0, time.UTC),
			wantEnd:   now.Add(-5 * time.Minute),
			wantOK:    true,
		},
		{
			name:      "zero buffer uses default",
			wantStart: defaultStart,
			wantEnd:   now.Add(-DefaultFreshnessBuffer),
			wantOK:    true,
		},
		{
			name:      "up to date",
			existing:  []models.Candle{{Timestamp: now.Add(-2 * time.Minute)}},
			buffer:    time.Minute,
			wantStart: now.Add(-time.Minute),
			wantEnd:   now.Add(-time.Minute),
			wantOK:    false,
		},
		{
			name:      "last candle in the future",
			existing:  []models.Candle{{Timestamp: now.Add(time.Hour)}},
			buffer:    time.Minute,
			wantStart: now.Add(time.Hour + time.Minute),
			wantEnd:   now.Add(-time.Minute),
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := ResumeWindow(tt.existing, defaultStart, now, tt.buffer)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStart, w.Start)
			assert.Equal(t, tt.wantEnd, w.End)
		})
	}
}

func TestMerge_FetchedWinsOnOverlap(t *testing.T) {
	start := time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC)
	existing := hourlySeries(start, 4)
	fetched := hourlySeries(start.Add(2*time.Hour), 4)
	fetched[0].Close = "9999"

	merged := Merge(existing, fetched)

	require.Len(t, merged, 6)
	assert.Equal(t, "9999", merged[2].Close)
	assert.Equal(t, existing[1], merged[1])
	assert.Equal(t, fetched[3], merged[5])
	assert.NotEqual(t, "9999", existing[2].Close, "inputs are not modified")
}

func TestMerge_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	base := time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		existing := randomRows(rng, base, 30)
		fetched := randomRows(rng, base, 30)

		merged := Merge(existing, fetched)

		want := make(map[time.Time]models.Candle)
		for _, c := range existing {
			want[c.Timestamp] = c
		}
		for _, c := range fetched {
			want[c.Timestamp] = c
		}

		require.Len(t, merged, len(want), "round %d", round)
		for i, c := range merged {
			if i > 0 {
				assert.True(t, merged[i-1].Timestamp.Before(c.Timestamp), "round %d: strictly ascending", round)
			}
			assert.Equal(t, want[c.Timestamp], c, "round %d", round)
		}
	}
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))

	rows := hourlySeries(time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC), 3)
	assert.Equal(t, rows, Merge(nil, rows))
	assert.Equal(t, rows, Merge(rows, nil))
}

func TestSameSeries(t *testing.T) {
	rows := hourlySeries(time.Date(2024, 1, 9, 9, 15, 0, 0, time.UTC), 3)

	tagged := append([]models.Candle(nil), rows...)
	for i := range tagged {
		tagged[i].Symbol = "INFY"
		tagged[i].Interval = "ONE_HOUR"
	}
	assert.True(t, sameSeries(rows, tagged))

	changed := append([]models.Candle(nil), rows...)
	changed[1].Volume = "1"
	assert.False(t, sameSeries(rows, changed))
	assert.False(t, sameSeries(rows, rows[:2]))
}

// randomRows returns up to n rows on a minute grid, in random order and
// possibly repeating timestamps.
func randomRows(rng *rand.Rand, base time.Time, n int) []models.Candle {
	rows := make([]models.Candle, rng.IntN(n))
	for i := range rows {
		open := 100 + rng.Float64()*10
		rows[i] = models.Candle{
			Timestamp: base.Add(time.Duration(rng.IntN(60)) * time.Minute),
			Open:      models.FormatFloat(open),
			High:      models.FormatFloat(open + 1),
			Low:       models.FormatFloat(open - 1),
			Close:     models.FormatFloat(open),
			Volume:    models.FormatFloat(float64(rng.IntN(5000))),
		}
	}
	return rows
}
