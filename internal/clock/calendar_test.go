package clock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestIsTradingDay(t *testing.T) {
	cal := NewCalendar()
	loc := eastern(t)

	monday := time.Date(2024, 6, 3, 12, 0, 0, 0, loc)
	assert.True(t, cal.IsTradingDay(monday))

	saturday := time.Date(2024, 6, 8, 12, 0, 0, 0, loc)
	assert.False(t, cal.IsTradingDay(saturday))

	juneteenth := time.Date(2024, 6, 19, 12, 0, 0, 0, loc)
	assert.False(t, cal.IsTradingDay(juneteenth), "2024-06-19 is a market holiday")
}

func TestAddTradingDaysSkipsWeekendAndHoliday(t *testing.T) {
	cal := NewCalendar()
	loc := eastern(t)

	// Monday 2024-06-03 plus 6 trading days: Tue..Fri (4), then the
	// following Mon and Tue, landing on 2024-06-11. The start day is not
	// counted.
	start := time.Date(2024, 6, 3, 15, 35, 0, 0, loc)
	got := cal.AddTradingDays(start, 6)
	assert.Equal(t, "2024-06-11", got.Format(DateLayout))

	// Friday 2024-06-14 plus 3: Mon 17, Tue 18, then over the Wednesday
	// holiday to Thu 20.
	friday := time.Date(2024, 6, 14, 10, 0, 0, 0, loc)
	got = cal.AddTradingDays(friday, 3)
	assert.Equal(t, "2024-06-20", got.Format(DateLayout))

	// From a Saturday, one trading day is the coming Monday.
	saturday := time.Date(2024, 6, 8, 10, 0, 0, 0, loc)
	got = cal.AddTradingDays(saturday, 1)
	assert.Equal(t, "2024-06-10", got.Format(DateLayout))
}

func TestTradingDaysBetween(t *testing.T) {
	cal := NewCalendar()
	loc := eastern(t)

	from := time.Date(2024, 6, 3, 0, 0, 0, 0, loc)
	to := time.Date(2024, 6, 11, 0, 0, 0, 0, loc)
	assert.Equal(t, 6, cal.TradingDaysBetween(from, to))

	assert.Equal(t, 0, cal.TradingDaysBetween(from, from))
}

func TestSessionHours(t *testing.T) {
	cal := NewCalendar()
	loc := eastern(t)

	regular := time.Date(2024, 6, 3, 12, 0, 0, 0, loc)
	assert.Equal(t, "09:30", cal.SessionOpen(regular).Format("15:04"))
	assert.Equal(t, "16:00", cal.SessionClose(regular).Format("15:04"))

	// Day after Thanksgiving closes at 13:00.
	half := time.Date(2024, 11, 29, 12, 0, 0, 0, loc)
	assert.True(t, cal.IsHalfDay(half))
	assert.Equal(t, "13:00", cal.SessionClose(half).Format("15:04"))

	assert.True(t, cal.InSession(regular))
	assert.False(t, cal.InSession(time.Date(2024, 6, 3, 9, 29, 0, 0, loc)))
	assert.False(t, cal.InSession(time.Date(2024, 6, 3, 16, 0, 0, 0, loc)), "close is exclusive")
	assert.False(t, cal.InSession(time.Date(2024, 11, 29, 14, 0, 0, 0, loc)), "half day afternoon")
}

func TestLoadOverrides(t *testing.T) {
	cal := NewCalendar()
	loc := eastern(t)

	path := filepath.Join(t.TempDir(), "calendar.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"holidays":["2027-01-01"],"half_days":["2027-11-26"]}`), 0o644))
	require.NoError(t, cal.LoadOverrides(path))

	assert.False(t, cal.IsTradingDay(time.Date(2027, 1, 1, 12, 0, 0, 0, loc)))
	assert.True(t, cal.IsHalfDay(time.Date(2027, 11, 26, 12, 0, 0, 0, loc)))

	require.NoError(t, os.WriteFile(path, []byte(`{"holidays":["not-a-date"]}`), 0o644))
	assert.Error(t, cal.LoadOverrides(path))
}

func TestSimClock(t *testing.T) {
	start := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	c := NewSimClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}
