package strategy

import (
	"time"

	"optionflow/internal/models"
)

// ExitDecision is the first exit rule satisfied while walking a position's
// bars, with the fill price that rule implies.
type ExitDecision struct {
	Reason models.ExitReason
	Price  float64
	Time   time.Time
}

// WalkResult is the outcome of one monitor pass over a position.
type WalkResult struct {
	// Exit is non-nil when an exit rule fired.
	Exit *ExitDecision
	// HighWater is the mark after the walk; persisted when raised.
	HighWater bool
	// LastChecked is the final bar processed, exit or not.
	LastChecked time.Time
}

// CheckExits walks bars in order and returns the first exit the rules
// produce. pos is mutated: its high water mark advances as profitable bars
// pass without an exit.
//
// Within a single bar the rules are evaluated in strict priority order:
// TIMED, then STRIKE, then take-profit, then trailing, then stop-loss. A
// bar whose range satisfies several rules exits by the highest-priority
// one; a gap through both the take-profit and the stop levels is a
// take-profit, never a stop.
func (s *Strategy) CheckExits(pos *models.Position, bars []models.Bar) *WalkResult {
	cfg := s.env.Cfg
	res := &WalkResult{LastChecked: pos.LastCheckedEastern}

	tpLevel := pos.CostPrice * (1 + cfg.Strategy.TakeProfit)
	slLevel := pos.CostPrice * (1 - cfg.Strategy.StopLoss)

	for i := range bars {
		bar := &bars[i]
		if !bar.Time.After(pos.LastCheckedEastern) {
			continue
		}
		res.LastChecked = bar.Time

		if d := s.checkBar(pos, bar, tpLevel, slLevel); d != nil {
			res.Exit = d
			return res
		}

		// Only bars that did not exit advance the trailing reference.
		if pos.RaiseHighWater(bar.High) {
			res.HighWater = true
		}
	}
	return res
}

func (s *Strategy) checkBar(pos *models.Position, bar *models.Bar, tpLevel, slLevel float64) *ExitDecision {
	cfg := s.env.Cfg

	// 1. Scheduled exit, filled at the close of the triggering bar.
	if !pos.ScheduledExitEastern.IsZero() && !bar.Time.Before(pos.ScheduledExitEastern) {
		return &ExitDecision{Reason: models.ExitTimed, Price: bar.Close, Time: bar.Time}
	}

	// 2. Underlying reached the triggering option's strike.
	if s.traits.strikeExit && pos.Strike > 0 && bar.High >= pos.Strike {
		return &ExitDecision{Reason: models.ExitStrike, Price: fillUp(pos.Strike, bar.Open), Time: bar.Time}
	}

	// 3. Take profit.
	if bar.High >= tpLevel {
		return &ExitDecision{Reason: models.ExitTakeProfit, Price: fillUp(tpLevel, bar.Open), Time: bar.Time}
	}

	// 4. Trailing stop (v7+), armed only once the position has been in
	// profit (unless arming is disabled).
	if s.traits.trailingStop {
		armed := !cfg.TrailingArmed() || pos.HighWaterPrice > pos.CostPrice
		if armed {
			trailLevel := pos.HighWaterPrice * (1 - cfg.Strategy.TrailingStop)
			if bar.Low <= trailLevel {
				return &ExitDecision{Reason: models.ExitTrailing, Price: fillDown(trailLevel, bar.Open), Time: bar.Time}
			}
		}
	}

	// 5. Stop loss.
	if bar.Low <= slLevel {
		return &ExitDecision{Reason: models.ExitStopLoss, Price: fillDown(slLevel, bar.Open), Time: bar.Time}
	}

	return nil
}

// fillUp models selling into a rising trigger: a bar opening above the
// level fills at the open, otherwise at the level.
func fillUp(level, open float64) float64 {
	if open > level {
		return open
	}
	return level
}

// fillDown models selling into a falling trigger: a bar gapping below the
// level fills at the open, otherwise at the level.
func fillDown(level, open float64) float64 {
	if open < level {
		return open
	}
	return level
}

// ScheduledExit computes a position's timed exit: holding_days trading days
// after the open date, at the configured exit clock time.
func (s *Strategy) ScheduledExit(openEastern time.Time) time.Time {
	cfg := s.env.Cfg
	day := s.env.Calendar.AddTradingDays(openEastern, cfg.Strategy.HoldingDays)
	hour, minute := cfg.ExitClock()
	loc := s.env.Calendar.Location()
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
}

// BlacklistUntil computes the re-entry block expiry after a buy:
// blacklist_days trading days after the buy date, end of day.
func (s *Strategy) BlacklistUntil(buyEastern time.Time) time.Time {
	day := s.env.Calendar.AddTradingDays(buyEastern, s.env.Cfg.Strategy.BlacklistDays)
	loc := s.env.Calendar.Location()
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, loc)
}
