// Package gateway abstracts the execution venue. The engine talks to the
// Gateway interface only; Live implements it over the broker's HTTP API and
// Sim implements it in memory for backtests, with identical idempotency and
// rejection semantics.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"optionflow/internal/models"
)

// Typed errors shared by both implementations. Callers branch with
// errors.Is; everything else is treated as transient and retried.
var (
	// ErrSymbolUnknown means the venue does not recognize the symbol.
	ErrSymbolUnknown = errors.New("gateway: unknown symbol")
	// ErrStaleQuote means the venue returned a quote too old to act on.
	ErrStaleQuote = errors.New("gateway: stale quote")
	// ErrNetwork wraps transport-level failures; retryable.
	ErrNetwork = errors.New("gateway: network error")
	// ErrNotFound means the requested order does not exist at the venue.
	ErrNotFound = errors.New("gateway: order not found")
	// ErrIdempotencyConflict means the client ID was reused with a
	// different payload. Never retried; the event is flagged for
	// reconciliation.
	ErrIdempotencyConflict = errors.New("gateway: idempotency conflict")
	// ErrInsufficientFunds means the account cannot carry the order.
	ErrInsufficientFunds = errors.New("gateway: insufficient funds")
)

// APIError carries a non-2xx HTTP response from the live venue.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// OrderRequest is an idempotent order submission. ClientID is the
// deterministic fingerprint of the triggering event; resubmitting the same
// request returns the original result.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       models.OrderSide
	Shares     int64
	LimitPrice float64
}

// OrderResult is the venue's view of an order. A rejection is a result with
// StatusRejected and a Reason, not an error; errors mean the submission
// outcome is unknown.
type OrderResult struct {
	ClientID     string
	BrokerID     string
	Status       models.OrderStatus
	FilledShares int64
	AvgPrice     float64
	Reason       string
}

// Gateway is the execution-venue contract. Implementations must be safe for
// concurrent use and must make PlaceOrder idempotent on ClientID.
type Gateway interface {
	// PlaceOrder submits the order. Repeating a ClientID with the same
	// payload returns the original result; with a different payload it
	// returns ErrIdempotencyConflict.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetOrder looks up a previously placed order by client ID, used by
	// the retry layer to resolve ambiguous timeouts.
	GetOrder(ctx context.Context, clientID string) (*OrderResult, error)
	// Holdings returns the venue's current positions.
	Holdings(ctx context.Context) ([]models.Holding, error)
	// Account returns the venue's account snapshot.
	Account(ctx context.Context) (*models.Account, error)
	// Quote returns the venue's latest trade price for the symbol.
	Quote(ctx context.Context, symbol string) (float64, error)
}

// BarSource supplies minute bars for one symbol and Eastern calendar date.
// Bars are returned in time order; gaps are the caller's concern.
type BarSource interface {
	MinuteBars(ctx context.Context, symbol, dateEastern string) ([]models.Bar, error)
}
