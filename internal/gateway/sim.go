package gateway

import (
	"context"
	"fmt"
	"sync"

	"optionflow/internal/models"
)

// CostModel is the simulated execution cost: proportional slippage on the
// fill price plus a per-share commission with a minimum.
type CostModel struct {
	Slippage    float64
	FeePerShare float64
	FeeMin      float64
}

// Fee returns the commission for a fill of the given size.
func (c CostModel) Fee(shares int64) float64 {
	fee := c.FeePerShare * float64(shares)
	if fee < c.FeeMin {
		fee = c.FeeMin
	}
	return fee
}

// PriceFunc supplies the simulator's marks for equity calculation. Sim
// callers typically bind this to the backtest's current bar prices.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

type simOrder struct {
	req    OrderRequest
	result OrderResult
}

// Sim is an in-memory venue for backtests. Fills are immediate at the
// request's limit price adjusted for slippage; rejections and idempotency
// behave exactly like the live venue so the engine code paths stay shared.
type Sim struct {
	mu       sync.Mutex
	cash     float64
	holdings map[string]*models.Holding
	orders   map[string]*simOrder
	costs    CostModel
	price    PriceFunc
	seq      int
}

// NewSim returns a simulator holding only cash. price may be nil; equity
// then falls back to average cost for held symbols.
func NewSim(initialCash float64, costs CostModel, price PriceFunc) *Sim {
	return &Sim{
		cash:     initialCash,
		holdings: make(map[string]*models.Holding),
		orders:   make(map[string]*simOrder),
		costs:    costs,
		price:    price,
	}
}

// PlaceOrder implements Gateway. Buys reject on insufficient cash and sells
// on insufficient shares; both rejections are terminal results, not errors.
func (s *Sim) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.orders[req.ClientID]; ok {
		if prev.req != req {
			return nil, fmt.Errorf("%w: client_id %s", ErrIdempotencyConflict, req.ClientID)
		}
		r := prev.result
		return &r, nil
	}

	if req.Shares <= 0 || req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid order: %d shares at %.4f", req.Shares, req.LimitPrice)
	}

	s.seq++
	result := OrderResult{
		ClientID: req.ClientID,
		BrokerID: fmt.Sprintf("sim-%d", s.seq),
	}

	switch req.Side {
	case models.SideBuy:
		fill := req.LimitPrice * (1 + s.costs.Slippage)
		fee := s.costs.Fee(req.Shares)
		cost := fill*float64(req.Shares) + fee
		if cost > s.cash {
			result.Status = models.StatusRejected
			result.Reason = "insufficient funds"
			break
		}
		s.cash -= cost
		h := s.holdings[req.Symbol]
		if h == nil {
			h = &models.Holding{Symbol: req.Symbol}
			s.holdings[req.Symbol] = h
		}
		// Average in; fees are part of cost basis.
		total := h.AvgCost*float64(h.Shares) + cost
		h.Shares += req.Shares
		h.AvgCost = total / float64(h.Shares)
		result.Status = models.StatusFilled
		result.FilledShares = req.Shares
		result.AvgPrice = fill

	case models.SideSell:
		h := s.holdings[req.Symbol]
		if h == nil || h.Shares < req.Shares {
			result.Status = models.StatusRejected
			result.Reason = "insufficient shares"
			break
		}
		fill := req.LimitPrice * (1 - s.costs.Slippage)
		fee := s.costs.Fee(req.Shares)
		s.cash += fill*float64(req.Shares) - fee
		h.Shares -= req.Shares
		if h.Shares == 0 {
			delete(s.holdings, req.Symbol)
		}
		result.Status = models.StatusFilled
		result.FilledShares = req.Shares
		result.AvgPrice = fill

	default:
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	s.orders[req.ClientID] = &simOrder{req: req, result: result}
	r := result
	return &r, nil
}

// GetOrder implements Gateway.
func (s *Sim) GetOrder(_ context.Context, clientID string) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client_id %s", ErrNotFound, clientID)
	}
	r := o.result
	return &r, nil
}

// Holdings implements Gateway.
func (s *Sim) Holdings(_ context.Context) ([]models.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, *h)
	}
	return out, nil
}

// Account implements Gateway. Equity marks holdings at the price function's
// current value, falling back to average cost when no mark is available.
func (s *Sim) Account(ctx context.Context) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.cash
	for _, h := range s.holdings {
		mark := h.AvgCost
		if s.price != nil {
			if p, err := s.price(ctx, h.Symbol); err == nil && p > 0 {
				mark = p
			}
		}
		equity += mark * float64(h.Shares)
	}
	return &models.Account{Equity: equity, Cash: s.cash, BuyingPower: s.cash}, nil
}

// Quote implements Gateway.
func (s *Sim) Quote(ctx context.Context, symbol string) (float64, error) {
	if s.price == nil {
		return 0, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	p, err := s.price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSymbolUnknown, symbol)
	}
	return p, nil
}

// DropHolding removes a holding without cash movement, used by
// reconciliation auto-fix in backtests and tests.
func (s *Sim) DropHolding(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holdings, symbol)
}

var _ Gateway = (*Sim)(nil)
