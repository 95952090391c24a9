package strategy

import (
	"math"

	"optionflow/internal/models"
)

// Portfolio is the risk simulation's view of the book before a buy.
type Portfolio struct {
	Account *models.Account
	// OpenGross is the cost-basis notional of all open positions.
	OpenGross float64
}

// FitRisk simulates the account after buying shares at price and scales the
// order down until both portfolio constraints hold: gross exposure stays
// within max leverage, and the remaining cash ratio stays above the floor.
// Returns the admitted share count, or a rejection when even the minimum
// size cannot fit.
func (s *Strategy) FitRisk(p *Portfolio, shares int64, price float64) (int64, *Rejection) {
	cfg := s.env.Cfg
	equity := p.Account.Equity
	if equity <= 0 {
		return 0, Reject("no equity")
	}

	minShares := cfg.Strategy.MinShares
	if minShares <= 0 {
		minShares = 1
	}

	perShareCash := price * (1 + cfg.Costs.Slippage)

	// Largest size the leverage ceiling admits.
	headroom := cfg.Risk.MaxLeverage*equity - p.OpenGross
	if headroom <= 0 {
		return 0, Reject("leverage %.2f at limit", p.OpenGross/equity)
	}
	byLeverage := int64(math.Floor(headroom / price))

	// Largest size the cash floor admits, fee included.
	available := p.Account.Cash - cfg.Risk.MinCashRatio*equity - s.costFee(shares)
	if available <= 0 {
		return 0, Reject("cash ratio %.4f at floor", p.Account.Cash/equity)
	}
	byCash := int64(math.Floor(available / perShareCash))

	fit := shares
	if byLeverage < fit {
		fit = byLeverage
	}
	if byCash < fit {
		fit = byCash
	}
	if fit < minShares {
		return 0, Reject("risk fit %d shares below minimum %d", fit, minShares)
	}
	return fit, nil
}

func (s *Strategy) costFee(shares int64) float64 {
	fee := s.env.Cfg.Costs.FeePerShare * float64(shares)
	if fee < s.env.Cfg.Costs.FeeMin {
		fee = s.env.Cfg.Costs.FeeMin
	}
	return fee
}
