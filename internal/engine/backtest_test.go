package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

func TestRunBacktestRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Backtest.StartDate = "2024-06-03"
	cfg.Backtest.EndDate = "2024-06-04"
	f := newFixture(t, cfg)
	ctx := context.Background()
	loc := f.cal.Location()

	// Day one: flat session, entry fills at 100.
	f.bars.Add("XYZ", "2024-06-03", flatBars(loc, 3, 9, 30, 390, 100))

	// Day two: spike through the take-profit level mid-morning.
	day2 := flatBars(loc, 4, 9, 30, 390, 100)
	day2[90].High = 145 // 11:00
	day2[90].Close = 142
	f.bars.Add("XYZ", "2024-06-04", day2)

	signals := []*models.Signal{
		signalAt("XYZ", time.Date(2024, 6, 3, 13, 30, 0, 0, loc), 150000),
		// Outside the entry window, rejected without a trade.
		signalAt("ABC", time.Date(2024, 6, 3, 9, 0, 0, 0, loc), 150000),
	}

	res, err := f.engine.RunBacktest(ctx, signals)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Days)
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Opened)
	assert.Equal(t, 1, res.Closed)
	assert.Zero(t, res.OpenPositions)
	assert.Greater(t, res.FinalEquity, cfg.Backtest.InitialCash,
		"the take-profit round trip nets a gain")
	assert.Equal(t, res.FinalCash, res.FinalEquity, "all positions closed")

	// Daily reconciliation ran and stayed clean.
	history, err := f.store.ReconciliationHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, r := range history {
		assert.True(t, r.Clean())
	}
}

func TestRunBacktestSkipsNonTradingDays(t *testing.T) {
	cfg := testConfig()
	cfg.Backtest.StartDate = "2024-06-07" // Friday
	cfg.Backtest.EndDate = "2024-06-10"   // Monday, weekend in between
	f := newFixture(t, cfg)
	loc := f.cal.Location()

	// A Saturday print still flows through the pipeline and is stored with
	// its rejection, even though the day contributes no session.
	sat := signalAt("WKND", time.Date(2024, 6, 8, 13, 30, 0, 0, loc), 150000)

	res, err := f.engine.RunBacktest(context.Background(), []*models.Signal{sat})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Days)
	assert.Equal(t, 1, res.Signals)

	stored, err := f.store.SignalExists(context.Background(), sat.ID)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Contains(t, f.store.SignalOutcome(sat.ID), "non-trading day")
}

func TestRunBacktestRequiresSimClock(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	e := New(Deps{
		Cfg: cfg, Store: f.store, Gateway: f.sim, Orders: f.engine.orders,
		Strategy: f.engine.strat, Clock: realClockStub{}, Calendar: f.cal,
		Bars: f.bars, Logger: f.engine.logger,
	})
	_, err := e.RunBacktest(context.Background(), nil)
	assert.Error(t, err)
}

type realClockStub struct{}

func (realClockStub) Now() time.Time { return time.Now() }
