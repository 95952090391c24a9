package models

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy opens a position in the underlying.
	SideBuy OrderSide = "BUY"
	// SideSell closes a position in the underlying.
	SideSell OrderSide = "SELL"
)

// OrderStatus tracks an order through its lifecycle. FILLED, REJECTED and
// CANCELLED are terminal.
type OrderStatus string

const (
	// StatusPending means the order was accepted but has no fills yet.
	StatusPending OrderStatus = "PENDING"
	// StatusPartial means the order has partial fills outstanding.
	StatusPartial OrderStatus = "PARTIAL"
	// StatusFilled means the order filled completely.
	StatusFilled OrderStatus = "FILLED"
	// StatusRejected means the venue refused the order.
	StatusRejected OrderStatus = "REJECTED"
	// StatusCancelled means the order was cancelled before filling.
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Order is the engine-local record of an order placed at the gateway.
// Orders are append-only; only Status, FilledShares, AvgPrice, BrokerID and
// UpdatedEastern change after insert, and never out of a terminal state.
type Order struct {
	ClientID       string      `json:"client_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Shares         int64       `json:"shares"`
	LimitPrice     float64     `json:"limit_price"`
	Status         OrderStatus `json:"status"`
	FilledShares   int64       `json:"filled_shares"`
	AvgPrice       float64     `json:"avg_price,omitempty"`
	BrokerID       string      `json:"broker_id,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	CreatedEastern time.Time   `json:"created_eastern"`
	UpdatedEastern time.Time   `json:"updated_eastern"`
}

// Holding is a position as reported by the venue or simulator, used for
// reconciliation against the local book.
type Holding struct {
	Symbol  string  `json:"symbol"`
	Shares  int64   `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// Account is a snapshot of account state from the gateway.
type Account struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}
