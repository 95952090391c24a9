package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

func openPosition(loc *time.Location) *models.Position {
	open := time.Date(2024, 6, 3, 14, 0, 0, 0, loc)
	return &models.Position{
		ID: "01P", Symbol: "XYZ", Shares: 100, CostPrice: 100,
		HighWaterPrice: 100, Status: models.PositionOpen,
		OpenEastern:          open,
		ScheduledExitEastern: time.Date(2024, 6, 11, 15, 0, 0, 0, loc),
		LastCheckedEastern:   open,
	}
}

func bar(loc *time.Location, day, hour, minute int, open, high, low, close float64) models.Bar {
	return models.Bar{
		Time: time.Date(2024, 6, day, hour, minute, 0, 0, loc),
		Open: open, High: high, Low: low, Close: close,
	}
}

func TestGapThroughTakesProfitNotStop(t *testing.T) {
	// One bar spans both the stop (90) and take-profit (140) levels.
	// Take-profit outranks the stop, so the exit is TP at 140.
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()
	pos := openPosition(loc)

	res := s.CheckExits(pos, []models.Bar{
		bar(loc, 3, 14, 1, 100, 145, 80, 120),
	})
	require.NotNil(t, res.Exit)
	assert.Equal(t, models.ExitTakeProfit, res.Exit.Reason)
	assert.InDelta(t, 140.0, res.Exit.Price, 1e-9)
}

func TestExitPriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Version = "v8"
	env, _ := testEnv(t, cfg)
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()

	t.Run("timed beats everything", func(t *testing.T) {
		pos := openPosition(loc)
		pos.Strike = 120
		// Bar at the scheduled exit time also satisfies STRIKE, TP and SL.
		res := s.CheckExits(pos, []models.Bar{
			bar(loc, 11, 15, 0, 101, 150, 80, 120),
		})
		require.NotNil(t, res.Exit)
		assert.Equal(t, models.ExitTimed, res.Exit.Reason)
		assert.InDelta(t, 120.0, res.Exit.Price, 1e-9, "timed exits fill at the bar close")
	})

	t.Run("strike beats take profit", func(t *testing.T) {
		pos := openPosition(loc)
		pos.Strike = 120
		res := s.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 100, 150, 95, 120), // high through strike and TP
		})
		require.NotNil(t, res.Exit)
		assert.Equal(t, models.ExitStrike, res.Exit.Reason)
		assert.InDelta(t, 120.0, res.Exit.Price, 1e-9)
	})

	t.Run("no strike exit without a stored strike", func(t *testing.T) {
		pos := openPosition(loc)
		pos.Strike = 0
		res := s.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 100, 150, 95, 120),
		})
		require.NotNil(t, res.Exit)
		assert.Equal(t, models.ExitTakeProfit, res.Exit.Reason)
	})
}

func TestTrailingStopArming(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()

	t.Run("not armed at a loss", func(t *testing.T) {
		pos := openPosition(loc)
		// Never in profit: drop to 93 is inside the stop (90) but would
		// trip an unarmed trailing stop computed from cost (92).
		res := s.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 99, 99.5, 93, 93),
		})
		assert.Nil(t, res.Exit, "trailing must not fire before the position has been in profit")
	})

	t.Run("armed after profit", func(t *testing.T) {
		pos := openPosition(loc)
		res := s.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 100, 110, 100, 109), // raises high water to 110
			bar(loc, 3, 14, 2, 109, 109, 100, 101), // low 100 <= 110*0.92=101.2
		})
		require.NotNil(t, res.Exit)
		assert.Equal(t, models.ExitTrailing, res.Exit.Reason)
		assert.InDelta(t, 101.2, res.Exit.Price, 1e-9)
		assert.Equal(t, 110.0, pos.HighWaterPrice)
	})

	t.Run("v6 has no trailing stop", func(t *testing.T) {
		cfg := testConfig()
		cfg.Strategy.Version = "v6"
		env2, _ := testEnv(t, cfg)
		s2, err := New(env2)
		require.NoError(t, err)

		pos := openPosition(loc)
		res := s2.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 100, 110, 100, 109), // raises high water to 110
			bar(loc, 3, 14, 2, 109, 109, 100, 101), // would trip the v7 trail
		})
		assert.Nil(t, res.Exit)
		assert.Equal(t, 110.0, pos.HighWaterPrice)
	})

	t.Run("arming disabled trails from cost", func(t *testing.T) {
		cfg := testConfig()
		disarmed := false
		cfg.Strategy.TrailingArmRequired = &disarmed
		env2, _ := testEnv(t, cfg)
		s2, err := New(env2)
		require.NoError(t, err)

		pos := openPosition(loc)
		res := s2.CheckExits(pos, []models.Bar{
			bar(loc, 3, 14, 1, 99, 99.5, 91.5, 93), // low 91.5 <= 100*0.92
		})
		require.NotNil(t, res.Exit)
		assert.Equal(t, models.ExitTrailing, res.Exit.Reason)
	})
}

func TestHighWaterMonotoneThroughWalk(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()
	pos := openPosition(loc)

	bars := []models.Bar{
		bar(loc, 3, 14, 1, 100, 105, 99, 104),
		bar(loc, 3, 14, 2, 104, 112, 103, 111),
		bar(loc, 3, 14, 3, 111, 108, 104, 105), // lower high
		bar(loc, 3, 14, 4, 105, 109, 104, 108),
	}

	prev := pos.HighWaterPrice
	for i := range bars {
		res := s.CheckExits(pos, bars[i:i+1])
		require.Nil(t, res.Exit)
		assert.GreaterOrEqual(t, pos.HighWaterPrice, prev, "high water never decreases")
		prev = pos.HighWaterPrice
	}
	assert.Equal(t, 112.0, pos.HighWaterPrice)
}

func TestStopLossGapDownFillsAtOpen(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()
	pos := openPosition(loc)

	res := s.CheckExits(pos, []models.Bar{
		bar(loc, 3, 14, 1, 85, 88, 84, 86), // opens far below the 90 stop
	})
	require.NotNil(t, res.Exit)
	assert.Equal(t, models.ExitStopLoss, res.Exit.Reason)
	assert.InDelta(t, 85.0, res.Exit.Price, 1e-9, "gap-down stops fill at the open")
}

func TestTimedExitBoundary(t *testing.T) {
	// Holds at 14:59 on the exit day, exits TIMED at 15:00.
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()
	pos := openPosition(loc)

	res := s.CheckExits(pos, []models.Bar{
		bar(loc, 11, 14, 59, 100, 101, 99, 100),
	})
	assert.Nil(t, res.Exit, "one minute before the scheduled exit the position holds")

	res = s.CheckExits(pos, []models.Bar{
		bar(loc, 11, 15, 0, 100, 101, 99, 100),
	})
	require.NotNil(t, res.Exit)
	assert.Equal(t, models.ExitTimed, res.Exit.Reason)
}

func TestCheckExitsSkipsAlreadySeenBars(t *testing.T) {
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()
	pos := openPosition(loc)
	pos.LastCheckedEastern = time.Date(2024, 6, 3, 14, 2, 0, 0, loc)

	res := s.CheckExits(pos, []models.Bar{
		bar(loc, 3, 14, 1, 100, 145, 80, 120), // would exit, but already seen
		bar(loc, 3, 14, 3, 100, 101, 99, 100),
	})
	assert.Nil(t, res.Exit)
	assert.True(t, res.LastChecked.Equal(time.Date(2024, 6, 3, 14, 3, 0, 0, loc)))
}

func TestScheduledExitAndBlacklist(t *testing.T) {
	// Opened Monday 2024-06-03 with holding_days=6: Tue 4, Wed 5, Thu 6,
	// Fri 7, Mon 10, Tue 11. Exit 2024-06-11 at 15:00.
	env, _ := testEnv(t, testConfig())
	s, err := New(env)
	require.NoError(t, err)
	loc := env.Calendar.Location()

	open := time.Date(2024, 6, 3, 14, 5, 0, 0, loc)
	exit := s.ScheduledExit(open)
	assert.Equal(t, "2024-06-11 15:00", exit.Format("2006-01-02 15:04"))

	until := s.BlacklistUntil(open)
	assert.Equal(t, "2024-06-11", until.Format("2006-01-02"))
	assert.Equal(t, 23, until.Hour(), "block runs to end of day")
}
