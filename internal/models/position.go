package models

import "time"

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	// PositionOpen means the position is held and monitored for exits.
	PositionOpen PositionStatus = "OPEN"
	// PositionClosed means a close record has been written for it.
	PositionClosed PositionStatus = "CLOSED"
)

// ExitReason identifies which exit rule closed a position. The constants are
// listed in strict priority order: when one bar satisfies several rules the
// lowest-ranked reason wins.
type ExitReason string

const (
	// ExitTimed is the scheduled exit after the configured holding period.
	ExitTimed ExitReason = "TIMED"
	// ExitStrike fires when the underlying reaches the triggering option's
	// strike (v8 only; skipped when no strike was stored).
	ExitStrike ExitReason = "STRIKE"
	// ExitTakeProfit fires at cost * (1 + take_profit).
	ExitTakeProfit ExitReason = "TP"
	// ExitTrailing fires when price retraces trailing_stop from the high
	// water mark, once the position has been in profit.
	ExitTrailing ExitReason = "TRAIL"
	// ExitStopLoss fires at cost * (1 - stop_loss).
	ExitStopLoss ExitReason = "SL"
	// ExitReconDrop is a synthetic close written by reconciliation when the
	// broker no longer reports a position the local book holds.
	ExitReconDrop ExitReason = "RECON_DROP"
)

// Position is an open or closed holding managed by the engine. At most one
// open position exists per symbol; new buys for a held symbol are rejected
// at the strategy filter.
type Position struct {
	ID            string `json:"position_id"`
	OpenOrderID   string `json:"open_order_client_id"`
	SignalID      string `json:"signal_id,omitempty"`
	Symbol        string `json:"symbol"`
	Shares        int64  `json:"shares"`
	// CostPrice is per share, net of buy slippage and fees.
	CostPrice float64 `json:"cost_price"`
	FeesPaid  float64 `json:"fees_paid"`

	OpenEastern          time.Time `json:"open_time_eastern"`
	ScheduledExitEastern time.Time `json:"scheduled_exit_eastern"`

	// HighWaterPrice tracks the highest observed mark since open for the
	// trailing stop. It starts at CostPrice and only ever increases.
	HighWaterPrice float64 `json:"high_water_price"`

	// LastCheckedEastern is the timestamp of the last bar the monitor has
	// processed for this position; each tick resumes strictly after it.
	LastCheckedEastern time.Time `json:"last_checked_eastern,omitempty"`

	// Strike and OptionAsk carry the triggering option's details for the
	// v8 strike exit. Zero strike disables that exit for this position.
	Strike    float64 `json:"strike,omitempty"`
	OptionAsk float64 `json:"option_ask,omitempty"`

	Status       PositionStatus `json:"status"`
	CloseReason  ExitReason     `json:"close_reason,omitempty"`
	ClosePrice   float64        `json:"close_price,omitempty"`
	CloseEastern time.Time      `json:"close_time_eastern,omitempty"`
}

// RaiseHighWater lifts the high water mark to price if it is higher and
// reports whether the mark moved. The mark never decreases.
func (p *Position) RaiseHighWater(price float64) bool {
	if price > p.HighWaterPrice {
		p.HighWaterPrice = price
		return true
	}
	return false
}

// UnrealizedPnL returns the open P&L at the given mark, before sell costs.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.CostPrice) * float64(p.Shares)
}

// BlacklistEntry blocks re-entry into a symbol until the expiry. Expired
// entries are simply ignored; no cleanup is required.
type BlacklistEntry struct {
	Symbol            string    `json:"symbol"`
	ValidUntilEastern time.Time `json:"valid_until_eastern"`
}
