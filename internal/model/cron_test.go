package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC)
	type then struct {
		next time.Time
		err  string
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"every 5 minutes", "*/5 * * * *", then{next: from.Add(3 * time.Minute)}},
		{"nightly", "0 3 * * *", then{next: time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)}},
		{"macro hourly", "@hourly", then{next: time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)}},
		{"macro every", "@every 30s", then{next: from.Add(30 * time.Second)}},
		{"invalid token", "* * 32 * *", then{err: "above maximum"}},
		{"seconds field", "0 */5 * * * *", then{err: "expected exactly 5 fields"}},
		{"empty", " ", then{err: "empty cron expression"}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			schedule, err := model.ParseCron(tc.given)
			if tc.then.err != "" {
				require.ErrorContains(t, err, tc.then.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.next, schedule.Next(from))
		})
	}
}

func TestIsCron(t *testing.T) {
	t.Parallel()
	require.True(t, model.IsCron("@daily"))
	require.True(t, model.IsCron("0 3 * * *"))
	require.False(t, model.IsCron("1m"))
	require.False(t, model.IsCron("PT1H"))
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"go", "90s", 90 * time.Second},
		{"go compound", "1h30m", 90 * time.Minute},
		{"days", "2d", 48 * time.Hour},
		{"days and hours", "1d12h", 36 * time.Hour},
		{"days and minutes", "1d30m", 24*time.Hour + 30*time.Minute},
		{"iso hours", "PT2H", 2 * time.Hour},
		{"iso day", "P1D", 24 * time.Hour},
		{"iso day and time", "P1DT1H30M", 25*time.Hour + 30*time.Minute},
		{"iso fraction", "PT1,5S", 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseDuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		for _, s := range []string{"", "soon", "1h1d", "1d-1h", "P", "PT", "P1DT", "P1W", "PT1X", "99999999999d"} {
			_, err := model.ParseDuration(s)
			require.Error(t, err, s)
		}
	})
}
