package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"optionflow/internal/gateway"
	"optionflow/internal/models"
	"optionflow/internal/strategy"
)

// monitorConcurrency bounds simultaneous per-position checks; each one may
// hit the bar source and the venue.
const monitorConcurrency = 4

// MonitorOnce runs a single monitor pass: every open position is walked
// over the bars since its last check, exits are submitted, and the trailing
// state is persisted. Positions are independent, so failures are logged per
// position and the pass continues.
func (e *Engine) MonitorOnce(ctx context.Context) error {
	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(monitorConcurrency)
	for i := range positions {
		pos := positions[i]
		g.Go(func() error {
			if err := e.checkPosition(gctx, &pos); err != nil {
				e.logger.Printf("Position %s (%s) check failed: %v", pos.ID, pos.Symbol, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) checkPosition(ctx context.Context, pos *models.Position) error {
	// An unresolved sell means an exit is already in flight; touching the
	// position again could double-sell.
	pending, err := e.store.PendingSellExists(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("pending sell lookup: %w", err)
	}
	if pending {
		return nil
	}

	bars, err := e.barsSince(ctx, pos.Symbol, pos.LastCheckedEastern)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	res := e.strat.CheckExits(pos, bars)

	if res.HighWater {
		if err := e.store.UpdateHighWater(ctx, pos.ID, pos.HighWaterPrice); err != nil {
			return fmt.Errorf("persisting high water: %w", err)
		}
	}

	if res.Exit != nil {
		return e.executeExit(ctx, pos, res.Exit)
	}

	if res.LastChecked.After(pos.LastCheckedEastern) {
		if err := e.store.SetLastChecked(ctx, pos.ID, res.LastChecked); err != nil {
			return fmt.Errorf("persisting last checked: %w", err)
		}
	}
	return nil
}

// barsSince returns forward-filled session bars for every trading day from
// since through now. Bars already processed are filtered by the exit walk,
// not here.
func (e *Engine) barsSince(ctx context.Context, symbol string, since time.Time) ([]models.Bar, error) {
	now := e.clk.Now()
	if !now.After(since) {
		return nil, nil
	}
	nowKey := e.cal.DateKey(now)

	var out []models.Bar
	day := since
	if !e.cal.IsTradingDay(day) {
		day = e.cal.NextTradingDay(day)
	}
	for e.cal.DateKey(day) <= nowKey {
		key := e.cal.DateKey(day)
		raw, err := e.bars.MinuteBars(ctx, symbol, key)
		if err != nil {
			return nil, fmt.Errorf("minute bars for %s %s: %w", symbol, key, err)
		}
		end := e.cal.SessionClose(day)
		if now.Before(end) {
			end = now
		}
		out = append(out, models.ForwardFill(raw, e.cal.SessionOpen(day), end)...)
		if key == nowKey {
			break
		}
		day = e.cal.NextTradingDay(day)
	}
	return out, nil
}

// executeExit submits the sell for a triggered exit and closes the position
// on a fill. The client ID is derived from the position and the exit bar,
// so a crash between submit and record replays the same order.
func (e *Engine) executeExit(ctx context.Context, pos *models.Position, exit *strategy.ExitDecision) error {
	now := e.clk.Now()
	clientID := models.OrderFingerprint(pos.ID, models.SideSell, exit.Time)

	order := &models.Order{
		ClientID:       clientID,
		Symbol:         pos.Symbol,
		Side:           models.SideSell,
		Shares:         pos.Shares,
		LimitPrice:     exit.Price,
		Status:         models.StatusPending,
		CreatedEastern: now,
		UpdatedEastern: now,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return fmt.Errorf("recording sell %s: %w", clientID, err)
	}

	result, err := e.orders.PlaceOrder(ctx, gateway.OrderRequest{
		ClientID:   clientID,
		Symbol:     pos.Symbol,
		Side:       models.SideSell,
		Shares:     pos.Shares,
		LimitPrice: exit.Price,
	})
	if err != nil {
		// Outcome unknown: the PENDING sell blocks further exits for this
		// symbol until recovery or reconciliation resolves it.
		e.logger.Printf("Sell %s for %s unresolved: %v", clientID, pos.Symbol, err)
		return nil
	}

	// A filled sell carries its realized P&L estimate on the order record.
	reason := result.Reason
	var pnl float64
	if result.Status == models.StatusFilled {
		pnl = (result.AvgPrice-pos.CostPrice)*float64(result.FilledShares) - e.fee(result.FilledShares)
		ratio := pnl / (pos.CostPrice * float64(pos.Shares))
		reason = fmt.Sprintf("pnl %.2f (%+.2f%%)", pnl, ratio*100)
	}
	if err := e.store.UpdateOrder(ctx, clientID, result.Status, result.FilledShares,
		result.AvgPrice, result.BrokerID, reason, e.clk.Now()); err != nil {
		return fmt.Errorf("updating sell %s: %w", clientID, err)
	}

	if result.Status != models.StatusFilled {
		e.logger.Printf("Sell %s for %s rejected by venue: %s", clientID, pos.Symbol, result.Reason)
		return nil
	}

	if err := e.store.ClosePosition(ctx, pos.ID, exit.Reason, result.AvgPrice, exit.Time); err != nil {
		return fmt.Errorf("closing position %s: %w", pos.ID, err)
	}

	e.logger.Printf("Closed %s (%s): %d shares at %.4f, P&L %.2f",
		pos.Symbol, exit.Reason, result.FilledShares, result.AvgPrice, pnl)
	return nil
}
