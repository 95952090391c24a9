package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"optionflow/internal/ids"
	"optionflow/internal/models"
)

// Reconcile compares the local book against the venue's holdings and
// writes a report. With auto-fix enabled the book is brought into line
// with the venue: positions it no longer holds are closed locally,
// holdings the book never recorded are opened synthetically at the
// venue's average cost, and drifted share counts take the venue's number.
// Running it twice in a row with auto-fix on yields a clean second report.
func (e *Engine) Reconcile(ctx context.Context) (*models.ReconciliationReport, error) {
	local, err := e.store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading local positions: %w", err)
	}
	holdings, err := e.gw.Holdings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading venue holdings: %w", err)
	}

	now := e.clk.Now()
	report := &models.ReconciliationReport{
		DateEastern:    e.cal.DateKey(now),
		CreatedEastern: now,
	}

	byBroker := make(map[string]*models.Holding, len(holdings))
	for i := range holdings {
		byBroker[holdings[i].Symbol] = &holdings[i]
	}
	byLocal := make(map[string]*models.Position, len(local))
	var localValue float64
	for i := range local {
		byLocal[local[i].Symbol] = &local[i]
		localValue += local[i].CostPrice * float64(local[i].Shares)
	}
	var brokerValue float64
	for i := range holdings {
		brokerValue += holdings[i].AvgCost * float64(holdings[i].Shares)
	}
	report.AccountDelta = brokerValue - localValue

	for i := range local {
		pos := &local[i]
		h, ok := byBroker[pos.Symbol]
		if !ok {
			report.ExtrasLocal = append(report.ExtrasLocal, pos.Symbol)
			continue
		}
		if h.Shares != pos.Shares {
			report.ShareMismatches = append(report.ShareMismatches, models.ShareMismatch{
				Symbol:       pos.Symbol,
				LocalShares:  pos.Shares,
				BrokerShares: h.Shares,
			})
		}
	}
	for i := range holdings {
		if _, ok := byLocal[holdings[i].Symbol]; !ok {
			report.ExtrasBroker = append(report.ExtrasBroker, holdings[i])
		}
	}
	sort.Strings(report.ExtrasLocal)

	if e.cfg.Reconciliation.AutoFix && !report.Clean() {
		for _, symbol := range report.ExtrasLocal {
			pos := byLocal[symbol]
			price := e.reconcilePrice(ctx, pos)
			if err := e.store.ClosePosition(ctx, pos.ID, models.ExitReconDrop, price, now); err != nil {
				e.logger.Printf("Reconciliation close of %s failed: %v", symbol, err)
				continue
			}
			e.logger.Printf("Reconciliation: dropped %s, venue no longer holds it", symbol)
		}
		for i := range report.ExtrasBroker {
			if err := e.adoptHolding(ctx, &report.ExtrasBroker[i], now); err != nil {
				e.logger.Printf("Reconciliation adopt of %s failed: %v", report.ExtrasBroker[i].Symbol, err)
			}
		}
		for _, mm := range report.ShareMismatches {
			pos := byLocal[mm.Symbol]
			if err := e.store.SetPositionShares(ctx, pos.ID, mm.BrokerShares); err != nil {
				e.logger.Printf("Reconciliation share fix of %s failed: %v", mm.Symbol, err)
				continue
			}
			e.logger.Printf("Reconciliation: %s shares %d -> %d to match venue",
				mm.Symbol, mm.LocalShares, mm.BrokerShares)
		}
		report.AutoFixed = true
	}

	if !report.Clean() {
		e.logger.Printf("Reconciliation %s: %d local extras, %d broker extras, %d mismatches, delta %.2f",
			report.DateEastern, len(report.ExtrasLocal), len(report.ExtrasBroker),
			len(report.ShareMismatches), report.AccountDelta)
	}

	if err := e.store.SaveReconciliation(ctx, report); err != nil {
		return nil, fmt.Errorf("saving reconciliation report: %w", err)
	}
	return report, nil
}

// adoptHolding records a synthetic open for a holding the book is missing,
// as after a crash between a buy filling and its position insert. The
// contract details are gone, so the position carries no strike exit and its
// timed exit is scheduled from adoption time.
func (e *Engine) adoptHolding(ctx context.Context, h *models.Holding, now time.Time) error {
	pos := &models.Position{
		ID:                   ids.NewULID(),
		Symbol:               h.Symbol,
		Shares:               h.Shares,
		CostPrice:            h.AvgCost,
		OpenEastern:          now,
		ScheduledExitEastern: e.strat.ScheduledExit(now),
		HighWaterPrice:       h.AvgCost,
		LastCheckedEastern:   now,
		Status:               models.PositionOpen,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return err
	}
	e.logger.Printf("Reconciliation: adopted %s, %d shares at %.4f from venue",
		h.Symbol, h.Shares, h.AvgCost)
	return nil
}

// reconcilePrice marks a dropped position at the venue's quote, falling
// back to cost when no quote is available.
func (e *Engine) reconcilePrice(ctx context.Context, pos *models.Position) float64 {
	if p, err := e.gw.Quote(ctx, pos.Symbol); err == nil && p > 0 {
		return p
	}
	return pos.CostPrice
}
