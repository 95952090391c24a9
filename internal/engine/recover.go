package engine

import (
	"context"
	"errors"
	"fmt"

	"optionflow/internal/gateway"
	"optionflow/internal/ids"
	"optionflow/internal/models"
)

// Recover resolves orders left non-terminal by a crash. Each one is looked
// up at the venue by client ID: fills are applied to the book exactly as
// the live path would have applied them, and orders the venue never saw are
// cancelled locally. Runs before any new work starts.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	e.logger.Printf("Recovery: resolving %d open orders", len(open))

	for i := range open {
		order := &open[i]
		if err := e.recoverOrder(ctx, order); err != nil {
			e.logger.Printf("Recovery of order %s failed: %v", order.ClientID, err)
		}
	}
	return nil
}

func (e *Engine) recoverOrder(ctx context.Context, order *models.Order) error {
	result, err := e.gw.GetOrder(ctx, order.ClientID)
	if errors.Is(err, gateway.ErrNotFound) {
		// The crash happened before the venue saw the order.
		e.logger.Printf("Recovery: order %s unknown at venue, cancelling", order.ClientID)
		return e.store.UpdateOrder(ctx, order.ClientID, models.StatusCancelled,
			0, 0, "", "not found at venue", e.clk.Now())
	}
	if err != nil {
		return fmt.Errorf("venue lookup: %w", err)
	}

	if err := e.store.UpdateOrder(ctx, order.ClientID, result.Status, result.FilledShares,
		result.AvgPrice, result.BrokerID, result.Reason, e.clk.Now()); err != nil {
		return fmt.Errorf("applying venue state: %w", err)
	}
	if result.Status != models.StatusFilled {
		return nil
	}

	switch order.Side {
	case models.SideBuy:
		return e.recoverFilledBuy(ctx, order, result)
	case models.SideSell:
		return e.recoverFilledSell(ctx, order, result)
	}
	return nil
}

// recoverFilledBuy rebuilds the position record for a buy that filled
// before the crash. The originating signal's contract details are gone, so
// the position carries no strike exit; the remaining exits still apply.
func (e *Engine) recoverFilledBuy(ctx context.Context, order *models.Order, result *gateway.OrderResult) error {
	held, err := e.store.HasOpenPosition(ctx, order.Symbol)
	if err != nil {
		return fmt.Errorf("open position lookup: %w", err)
	}
	if held {
		return nil // position was recorded before the crash
	}

	fee := e.fee(result.FilledShares)
	costPrice := result.AvgPrice + fee/float64(result.FilledShares)
	pos := &models.Position{
		ID:                   ids.NewULID(),
		OpenOrderID:          order.ClientID,
		Symbol:               order.Symbol,
		Shares:               result.FilledShares,
		CostPrice:            costPrice,
		FeesPaid:             fee,
		OpenEastern:          order.CreatedEastern,
		ScheduledExitEastern: e.strat.ScheduledExit(order.CreatedEastern),
		HighWaterPrice:       costPrice,
		LastCheckedEastern:   order.CreatedEastern,
		Status:               models.PositionOpen,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("restoring position: %w", err)
	}
	e.logger.Printf("Recovery: restored position %s from filled buy %s", order.Symbol, order.ClientID)
	return nil
}

// recoverFilledSell closes the local position for a sell that filled before
// the crash. The triggering exit reason is lost, so the close is recorded
// as a reconciliation drop.
func (e *Engine) recoverFilledSell(ctx context.Context, order *models.Order, result *gateway.OrderResult) error {
	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != order.Symbol {
			continue
		}
		if err := e.store.ClosePosition(ctx, pos.ID, models.ExitReconDrop,
			result.AvgPrice, e.clk.Now()); err != nil {
			return fmt.Errorf("closing position %s: %w", pos.ID, err)
		}
		e.logger.Printf("Recovery: closed %s from filled sell %s", order.Symbol, order.ClientID)
		return nil
	}
	return nil
}
