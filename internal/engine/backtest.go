package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/models"
)

// BacktestResult summarizes a completed simulated run.
type BacktestResult struct {
	Days          int
	Signals       int
	Opened        int
	Closed        int
	FinalEquity   float64
	FinalCash     float64
	OpenPositions int
}

// RunBacktest drives the engine over the configured date range against the
// simulator. Signals are loaded up front and replayed in time order; the
// clock is stepped to each signal's timestamp, and the monitor runs once at
// each session close so intraday exits resolve with full-day bars.
//
// The engine's clock must be a SimClock; the driver owns its time.
func (e *Engine) RunBacktest(ctx context.Context, signals []*models.Signal) (*BacktestResult, error) {
	sim, ok := e.clk.(*clock.SimClock)
	if !ok {
		return nil, fmt.Errorf("backtest requires a simulated clock")
	}

	loc := e.cal.Location()
	start, err := time.ParseInLocation(clock.DateLayout, e.cfg.Backtest.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("backtest start date: %w", err)
	}
	end, err := time.ParseInLocation(clock.DateLayout, e.cfg.Backtest.EndDate, loc)
	if err != nil {
		return nil, fmt.Errorf("backtest end date: %w", err)
	}

	sort.Slice(signals, func(i, j int) bool {
		return signals[i].EasternTime.Before(signals[j].EasternTime)
	})

	res := &BacktestResult{}
	idx := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		dayKey := e.cal.DateKey(day)
		if !e.cal.IsTradingDay(day) {
			// Off-day signals still run the pipeline so they are stored
			// with their rejection outcome like any other record.
			e.processDaySignals(ctx, sim, signals, dayKey, res, &idx)
			continue
		}
		res.Days++

		sessionClose := e.cal.SessionClose(day)
		e.processDaySignals(ctx, sim, signals, dayKey, res, &idx)

		// One monitor pass at the close covers the whole session; the exit
		// walk is per-bar, so intraday ordering is preserved.
		sim.Set(sessionClose)
		if err := e.MonitorOnce(ctx); err != nil {
			e.logger.Printf("Backtest: monitor pass on %s failed: %v", dayKey, err)
		}

		hour, minute := e.cfg.ReconClock()
		sim.Set(time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc))
		if _, err := e.Reconcile(ctx); err != nil {
			e.logger.Printf("Backtest: reconciliation on %s failed: %v", dayKey, err)
		}

		// Committed reservations are exactly the day's fills.
		if usage, err := e.store.DailyUsage(ctx, dayKey); err == nil {
			res.Opened += usage.TradeCount
		}
	}

	acct, err := e.gw.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("final account snapshot: %w", err)
	}
	res.FinalEquity = acct.Equity
	res.FinalCash = acct.Cash

	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("final open positions: %w", err)
	}
	res.OpenPositions = len(open)
	res.Closed = res.Opened - res.OpenPositions

	e.logger.Printf("Backtest complete: %d days, %d signals, %d opened, %d closed, equity %.2f",
		res.Days, res.Signals, res.Opened, res.Closed, res.FinalEquity)
	return res, nil
}

// processDaySignals replays every signal stamped dayKey or earlier,
// stepping the clock to each one's timestamp.
func (e *Engine) processDaySignals(ctx context.Context, sim *clock.SimClock,
	signals []*models.Signal, dayKey string, res *BacktestResult, idx *int) {

	for *idx < len(signals) && e.cal.DateKey(signals[*idx].EasternTime) <= dayKey {
		sig := signals[*idx]
		*idx++
		res.Signals++
		sim.Set(sig.EasternTime)
		if err := e.ProcessSignal(ctx, sig); err != nil {
			e.logger.Printf("Backtest: signal %s failed: %v", sig.ID, err)
		}
	}
}
