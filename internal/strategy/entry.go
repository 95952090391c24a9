package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"optionflow/internal/models"
)

// OnSignal runs the entry filter pipeline. A nil rejection with a non-nil
// plan means the signal is admitted and should proceed to pricing, sizing
// and the capacity reservation. Errors are infrastructure failures only.
func (s *Strategy) OnSignal(ctx context.Context, sig *models.Signal) (*EntryPlan, *Rejection, error) {
	cfg := s.env.Cfg

	if !s.env.Calendar.IsTradingDay(sig.EasternTime) {
		return nil, Reject("non-trading day: %s", s.env.Calendar.DateKey(sig.EasternTime)), nil
	}
	if !cfg.InEntryWindow(sig.EasternTime) {
		return nil, Reject("outside entry window: %s", sig.EasternTime.Format("15:04")), nil
	}

	execAt := sig.EasternTime.Add(time.Duration(cfg.Strategy.EntryDelayMinutes) * time.Minute)

	// No entries close enough to the bell that the exit machinery cannot
	// manage them the same day.
	if buffer := cfg.Strategy.MarketCloseBufferMinutes; buffer > 0 {
		cutoff := s.env.Calendar.SessionClose(sig.EasternTime).Add(-time.Duration(buffer) * time.Minute)
		if !execAt.Before(cutoff) {
			return nil, Reject("within %dm of close", buffer), nil
		}
	}

	if sig.PremiumUSD < cfg.Strategy.MinPremiumUSD {
		return nil, Reject("premium %.0f below minimum %.0f", sig.PremiumUSD, cfg.Strategy.MinPremiumUSD), nil
	}
	if cfg.Strategy.PremiumMaxUSD > 0 && sig.PremiumUSD > cfg.Strategy.PremiumMaxUSD {
		return nil, Reject("premium %.0f above maximum %.0f", sig.PremiumUSD, cfg.Strategy.PremiumMaxUSD), nil
	}

	if s.traits.contractFilters {
		if rej := s.checkContract(sig); rej != nil {
			return nil, rej, nil
		}
	}

	blocked, err := s.env.Store.IsBlacklisted(ctx, sig.Symbol, sig.EasternTime)
	if err != nil {
		return nil, nil, fmt.Errorf("blacklist lookup: %w", err)
	}
	if blocked {
		return nil, Reject("blacklisted"), nil
	}

	held, err := s.env.Store.HasOpenPosition(ctx, sig.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("open position lookup: %w", err)
	}
	if held {
		return nil, Reject("position already open"), nil
	}

	pendingSell, err := s.env.Store.PendingSellExists(ctx, sig.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("pending sell lookup: %w", err)
	}
	if pendingSell {
		return nil, Reject("sell in flight"), nil
	}

	if s.traits.historicalFilter && cfg.Strategy.HistoricalPremiumEnabled {
		rej, err := s.checkHistoricalPremium(ctx, sig)
		if err != nil {
			return nil, nil, err
		}
		if rej != nil {
			return nil, rej, nil
		}
	}

	for _, f := range s.aux {
		rej, err := f.Check(ctx, sig)
		if err != nil {
			return nil, nil, fmt.Errorf("%s filter: %w", f.Name(), err)
		}
		if rej != nil {
			return nil, rej, nil
		}
	}

	plan := &EntryPlan{ExecEastern: execAt}
	if s.traits.strikeExit {
		plan.Strike = sig.Strike
		plan.OptionAsk = sig.Ask
	}
	return plan, nil, nil
}

// checkContract applies the v8 DTE and out-of-the-money requirements.
func (s *Strategy) checkContract(sig *models.Signal) *Rejection {
	cfg := s.env.Cfg.Strategy

	if cfg.MaxDTE > 0 && sig.DTE > cfg.MaxDTE {
		return Reject("dte %d above maximum %d", sig.DTE, cfg.MaxDTE)
	}
	if cfg.MinOTMRatio > 0 && sig.StockPrice > 0 && sig.Strike > 0 {
		var otm float64
		switch sig.OptionType {
		case "put":
			otm = (sig.StockPrice - sig.Strike) / sig.StockPrice
		default: // call
			otm = (sig.Strike - sig.StockPrice) / sig.StockPrice
		}
		if otm < cfg.MinOTMRatio {
			return Reject("otm ratio %.4f below minimum %.4f", otm, cfg.MinOTMRatio)
		}
	}
	return nil
}

// checkHistoricalPremium requires the premium to strictly exceed the
// symbol's recent average times the configured multiplier. No history means
// no basis for comparison, so the signal passes.
func (s *Strategy) checkHistoricalPremium(ctx context.Context, sig *models.Signal) (*Rejection, error) {
	cfg := s.env.Cfg.Strategy

	to := s.env.Calendar.DateKey(sig.EasternTime.AddDate(0, 0, -1))
	from := s.env.Calendar.DateKey(sig.EasternTime.AddDate(0, 0, -cfg.HistoricalLookbackDays))
	premiums, err := s.env.Store.HistoricalPremiums(ctx, sig.Symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("historical premiums: %w", err)
	}
	if len(premiums) == 0 {
		return nil, nil
	}

	var sum float64
	for _, p := range premiums {
		sum += p
	}
	mean := sum / float64(len(premiums))
	threshold := mean * cfg.HistoricalMultiplier
	if sig.PremiumUSD <= threshold {
		return Reject("premium %.0f not above %.1fx historical mean %.0f",
			sig.PremiumUSD, cfg.HistoricalMultiplier, mean), nil
	}
	return nil, nil
}

// Size converts the signal's premium into shares at the execution price.
// The premium over the divisor is the fraction of equity to deploy, clipped
// by the per-trade cap. Returns a rejection when the position would be
// smaller than the configured minimum.
func (s *Strategy) Size(sig *models.Signal, price float64, acct *models.Account) (*Sizing, *Rejection) {
	cfg := s.env.Cfg
	if price <= 0 || acct.Equity <= 0 {
		return nil, Reject("unusable price %.4f or equity %.2f", price, acct.Equity)
	}

	ratio := sig.PremiumUSD / cfg.Strategy.PremiumDivisor
	if ratio > cfg.Risk.PerTradeCap {
		ratio = cfg.Risk.PerTradeCap
	}
	notional := acct.Equity * ratio

	shares := int64(math.Floor(notional / price))
	minShares := cfg.Strategy.MinShares
	if minShares <= 0 {
		minShares = 1
	}
	if shares < minShares {
		return nil, Reject("sized %d shares below minimum %d", shares, minShares)
	}

	return &Sizing{
		Shares: shares,
		Ratio:  float64(shares) * price / acct.Equity,
	}, nil
}
