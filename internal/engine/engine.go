// Package engine wires the pipeline together: signals in, orders out,
// positions monitored until an exit rule closes them. Every decision is
// persisted before and after the gateway call so a crash at any point is
// recoverable from the database plus the venue's order log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/config"
	"optionflow/internal/gateway"
	"optionflow/internal/ids"
	"optionflow/internal/models"
	"optionflow/internal/retry"
	"optionflow/internal/storage"
	"optionflow/internal/strategy"
)

// Deps are the collaborators the engine runs against. All fields are
// required except Bars, which only the pricing and monitoring paths use.
type Deps struct {
	Cfg      *config.Config
	Store    storage.Store
	Gateway  gateway.Gateway
	Orders   *retry.Client
	Strategy *strategy.Strategy
	Clock    clock.Clock
	Calendar *clock.Calendar
	Bars     gateway.BarSource
	Logger   *log.Logger
}

// Engine executes the signal pipeline and the position monitor.
type Engine struct {
	cfg    *config.Config
	store  storage.Store
	gw     gateway.Gateway
	orders *retry.Client
	strat  *strategy.Strategy
	clk    clock.Clock
	cal    *clock.Calendar
	bars   gateway.BarSource
	logger *log.Logger
}

// New builds an engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		cfg:    d.Cfg,
		store:  d.Store,
		gw:     d.Gateway,
		orders: d.Orders,
		strat:  d.Strategy,
		clk:    d.Clock,
		cal:    d.Calendar,
		bars:   d.Bars,
		logger: d.Logger,
	}
}

// ProcessSignal runs one signal through the full pipeline: dedup, filters,
// pricing, sizing, risk fit, capacity reservation, placement, and the
// position record. Errors are infrastructure failures; every strategy or
// venue decision is recorded as a signal outcome and returns nil.
func (e *Engine) ProcessSignal(ctx context.Context, sig *models.Signal) error {
	fresh, err := e.store.InsertSignalIfNew(ctx, sig)
	if err != nil {
		return fmt.Errorf("inserting signal: %w", err)
	}
	if !fresh {
		e.logger.Printf("Signal %s duplicate, dropped", sig.ID)
		return nil
	}

	plan, rej, err := e.strat.OnSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("evaluating signal %s: %w", sig.ID, err)
	}
	if rej != nil {
		return e.rejectSignal(ctx, sig, rej.Reason)
	}

	price, priced, err := e.executionPrice(ctx, sig.Symbol, plan.ExecEastern)
	if err != nil {
		return fmt.Errorf("pricing %s: %w", sig.Symbol, err)
	}
	if !priced {
		return e.rejectSignal(ctx, sig, "no execution price")
	}

	acct, err := e.gw.Account(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	sizing, rej := e.strat.Size(sig, price, acct)
	if rej != nil {
		return e.rejectSignal(ctx, sig, rej.Reason)
	}

	gross, err := e.openGross(ctx)
	if err != nil {
		return fmt.Errorf("open gross: %w", err)
	}
	shares, rej := e.strat.FitRisk(&strategy.Portfolio{Account: acct, OpenGross: gross}, sizing.Shares, price)
	if rej != nil {
		return e.rejectSignal(ctx, sig, rej.Reason)
	}
	ratio := float64(shares) * price / acct.Equity

	dateKey := e.cal.DateKey(plan.ExecEastern)
	res, err := e.store.ReserveCapacity(ctx, dateKey, ratio, storage.CapacityLimits{
		MaxTradesPerDay: e.cfg.Risk.MaxTradesPerDay,
		DailyGrossCap:   e.cfg.Risk.DailyGrossCap,
	})
	if errors.Is(err, storage.ErrCapacityExhausted) {
		return e.rejectSignal(ctx, sig, "daily capacity exhausted")
	}
	if err != nil {
		return fmt.Errorf("reserving capacity: %w", err)
	}

	return e.placeBuy(ctx, sig, plan, shares, price, res)
}

// placeBuy submits the buy and settles the reservation against the result.
func (e *Engine) placeBuy(ctx context.Context, sig *models.Signal, plan *strategy.EntryPlan,
	shares int64, price float64, res *models.Reservation) error {
	now := e.clk.Now()
	clientID := models.OrderFingerprint(sig.ID, models.SideBuy, plan.ExecEastern)

	order := &models.Order{
		ClientID:       clientID,
		Symbol:         sig.Symbol,
		Side:           models.SideBuy,
		Shares:         shares,
		LimitPrice:     price,
		Status:         models.StatusPending,
		CreatedEastern: now,
		UpdatedEastern: now,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		e.rollback(ctx, res)
		return fmt.Errorf("recording order %s: %w", clientID, err)
	}

	// The blacklist starts at submission, not at fill. A rejected buy still
	// blocks re-entry so a flapping signal cannot hammer the venue.
	if e.cfg.Strategy.BlacklistDays > 0 {
		until := e.strat.BlacklistUntil(now)
		if err := e.store.UpsertBlacklist(ctx, sig.Symbol, until); err != nil {
			e.logger.Printf("Blacklist upsert for %s failed: %v", sig.Symbol, err)
		}
	}

	result, err := e.orders.PlaceOrder(ctx, gateway.OrderRequest{
		ClientID:   clientID,
		Symbol:     sig.Symbol,
		Side:       models.SideBuy,
		Shares:     shares,
		LimitPrice: price,
	})
	if err != nil {
		// Outcome unknown: free the held capacity and leave the PENDING
		// order for startup recovery and reconciliation to resolve.
		e.rollback(ctx, res)
		e.logger.Printf("Buy %s for %s unresolved: %v", clientID, sig.Symbol, err)
		return e.rejectSignal(ctx, sig, "placement failed: "+err.Error())
	}

	if err := e.store.UpdateOrder(ctx, clientID, result.Status, result.FilledShares,
		result.AvgPrice, result.BrokerID, result.Reason, e.clk.Now()); err != nil {
		return fmt.Errorf("updating order %s: %w", clientID, err)
	}

	if result.Status != models.StatusFilled {
		e.rollback(ctx, res)
		return e.rejectSignal(ctx, sig, "venue rejected: "+result.Reason)
	}

	if err := e.store.CommitReservation(ctx, res.ID); err != nil {
		return fmt.Errorf("committing reservation %s: %w", res.ID, err)
	}

	fee := e.fee(result.FilledShares)
	costPrice := result.AvgPrice + fee/float64(result.FilledShares)
	pos := &models.Position{
		ID:                   ids.NewULID(),
		OpenOrderID:          clientID,
		SignalID:             sig.ID,
		Symbol:               sig.Symbol,
		Shares:               result.FilledShares,
		CostPrice:            costPrice,
		FeesPaid:             fee,
		OpenEastern:          plan.ExecEastern,
		ScheduledExitEastern: e.strat.ScheduledExit(plan.ExecEastern),
		HighWaterPrice:       costPrice,
		LastCheckedEastern:   plan.ExecEastern,
		Strike:               plan.Strike,
		OptionAsk:            plan.OptionAsk,
		Status:               models.PositionOpen,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("recording position for %s: %w", sig.Symbol, err)
	}

	e.logger.Printf("Opened %s: %d shares at %.4f, exit scheduled %s",
		sig.Symbol, pos.Shares, pos.CostPrice,
		pos.ScheduledExitEastern.Format("2006-01-02 15:04"))
	if err := e.store.MarkSignalOutcome(ctx, sig.ID, "filled"); err != nil {
		e.logger.Printf("Marking signal %s filled failed: %v", sig.ID, err)
	}
	return nil
}

func (e *Engine) rejectSignal(ctx context.Context, sig *models.Signal, reason string) error {
	e.logger.Printf("Signal %s (%s) rejected: %s", sig.ID, sig.Symbol, reason)
	if err := e.store.MarkSignalOutcome(ctx, sig.ID, "rejected: "+reason); err != nil {
		return fmt.Errorf("marking signal outcome: %w", err)
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, res *models.Reservation) {
	if err := e.store.RollbackReservation(ctx, res.ID); err != nil {
		e.logger.Printf("Rolling back reservation %s failed: %v", res.ID, err)
	}
}

// executionPrice finds the price at the scheduled execution minute from the
// bar source, applying the configured gap fallback when that minute has no
// bar. The bool result is false when the entry should be skipped.
func (e *Engine) executionPrice(ctx context.Context, symbol string, execAt time.Time) (float64, bool, error) {
	if e.bars == nil {
		return e.quotePrice(ctx, symbol)
	}

	bars, err := e.bars.MinuteBars(ctx, symbol, e.cal.DateKey(execAt))
	if err != nil {
		return 0, false, fmt.Errorf("minute bars for %s: %w", symbol, err)
	}

	minute := execAt.Truncate(time.Minute)
	var lastClose float64
	for i := range bars {
		b := &bars[i]
		if b.Time.Equal(minute) {
			return b.Open, true, nil
		}
		if b.Time.After(minute) {
			// The execution minute is a gap.
			switch e.cfg.Strategy.DataGapFallback {
			case config.GapNextBar:
				return b.Open, true, nil
			case config.GapUseLast:
				if lastClose > 0 {
					return lastClose, true, nil
				}
				return 0, false, nil
			case config.GapUseRealtime:
				return e.quotePrice(ctx, symbol)
			default: // skip
				return 0, false, nil
			}
		}
		lastClose = b.Close
	}

	// No bar at or after the execution minute yet.
	switch e.cfg.Strategy.DataGapFallback {
	case config.GapUseLast:
		if lastClose > 0 {
			return lastClose, true, nil
		}
	case config.GapUseRealtime:
		return e.quotePrice(ctx, symbol)
	}
	return 0, false, nil
}

func (e *Engine) quotePrice(ctx context.Context, symbol string) (float64, bool, error) {
	p, err := e.gw.Quote(ctx, symbol)
	if errors.Is(err, gateway.ErrSymbolUnknown) || errors.Is(err, gateway.ErrStaleQuote) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("quote for %s: %w", symbol, err)
	}
	return p, true, nil
}

// openGross sums the cost-basis notional of all open positions.
func (e *Engine) openGross(ctx context.Context) (float64, error) {
	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	var gross float64
	for i := range positions {
		gross += positions[i].CostPrice * float64(positions[i].Shares)
	}
	return gross, nil
}

func (e *Engine) fee(shares int64) float64 {
	fee := e.cfg.Costs.FeePerShare * float64(shares)
	if fee < e.cfg.Costs.FeeMin {
		fee = e.cfg.Costs.FeeMin
	}
	return fee
}
