// Package storage persists every engine decision: signals, orders,
// positions, the re-entry blacklist, daily capacity accounting and
// reconciliation reports.
package storage

import (
	"context"
	"errors"
	"time"

	"optionflow/internal/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrCapacityExhausted is returned by ReserveCapacity when admitting
	// the requested ratio would exceed the daily caps.
	ErrCapacityExhausted = errors.New("storage: daily capacity exhausted")
	// ErrTerminalOrder is returned when an update targets an order already
	// in a terminal state.
	ErrTerminalOrder = errors.New("storage: order already terminal")
	// ErrDuplicateOpenPosition is returned when inserting a second open
	// position for a symbol.
	ErrDuplicateOpenPosition = errors.New("storage: open position exists for symbol")
)

// CapacityLimits are the admission thresholds checked atomically by
// ReserveCapacity.
type CapacityLimits struct {
	MaxTradesPerDay int
	DailyGrossCap   float64
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use; the engine calls these methods from the signal worker,
// the position monitor and the reconciler at once.
type Store interface {
	// InsertSignalIfNew stores the signal and reports whether it was new.
	// A false result means the signal_id was already present and the
	// caller must drop the event without side effects.
	InsertSignalIfNew(ctx context.Context, sig *models.Signal) (bool, error)
	// MarkSignalOutcome records the pipeline's decision for the signal
	// (filled, or the rejection reason) for post-hoc audit.
	MarkSignalOutcome(ctx context.Context, signalID, outcome string) error
	// SignalExists reports whether the signal_id has been stored.
	SignalExists(ctx context.Context, signalID string) (bool, error)
	// HistoricalPremiums returns the premiums of stored signals for the
	// symbol with date_eastern in [fromDate, toDate], oldest first.
	HistoricalPremiums(ctx context.Context, symbol, fromDate, toDate string) ([]float64, error)

	// InsertOrder records a new order in PENDING state.
	InsertOrder(ctx context.Context, o *models.Order) error
	// UpdateOrder applies a status transition. Transitions out of a
	// terminal state return ErrTerminalOrder.
	UpdateOrder(ctx context.Context, clientID string, status models.OrderStatus,
		filledShares int64, avgPrice float64, brokerID, reason string, at time.Time) error
	GetOrder(ctx context.Context, clientID string) (*models.Order, error)
	// OpenOrders returns orders not yet in a terminal state, used by
	// startup recovery to resolve work interrupted by a crash.
	OpenOrders(ctx context.Context) ([]models.Order, error)
	// PendingSellExists reports whether a non-terminal SELL order exists
	// for the symbol; the monitor uses it to avoid duplicate exits.
	PendingSellExists(ctx context.Context, symbol string) (bool, error)

	// InsertPosition stores a new open position. A second open position
	// for the same symbol returns ErrDuplicateOpenPosition.
	InsertPosition(ctx context.Context, p *models.Position) error
	OpenPositions(ctx context.Context) ([]models.Position, error)
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
	// ClosePosition writes the close record and flips status to CLOSED.
	ClosePosition(ctx context.Context, positionID string, reason models.ExitReason,
		price float64, at time.Time) error
	// UpdateHighWater persists a raised trailing-stop mark.
	UpdateHighWater(ctx context.Context, positionID string, price float64) error
	// SetLastChecked records the last bar timestamp the monitor processed.
	SetLastChecked(ctx context.Context, positionID string, at time.Time) error
	// SetPositionShares overwrites the share count; the reconciler uses it
	// to align a drifted local count with the venue's.
	SetPositionShares(ctx context.Context, positionID string, shares int64) error

	// UpsertBlacklist blocks re-entry for the symbol until the given time,
	// keeping the later expiry when an entry already exists.
	UpsertBlacklist(ctx context.Context, symbol string, until time.Time) error
	IsBlacklisted(ctx context.Context, symbol string, at time.Time) (bool, error)

	// ReserveCapacity atomically checks today's usage against limits and,
	// if the ratio fits, inserts a HELD reservation. It returns
	// ErrCapacityExhausted when the trade count or gross cap would be
	// exceeded.
	ReserveCapacity(ctx context.Context, dateEastern string, ratio float64,
		limits CapacityLimits) (*models.Reservation, error)
	CommitReservation(ctx context.Context, reservationID string) error
	RollbackReservation(ctx context.Context, reservationID string) error
	// DailyUsage sums committed trades and committed-plus-held gross ratio
	// for the date.
	DailyUsage(ctx context.Context, dateEastern string) (*models.DailyUsage, error)

	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	// LoadCheckpoint returns ErrNotFound when no checkpoint has been saved.
	LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error)

	SaveReconciliation(ctx context.Context, r *models.ReconciliationReport) error
	// ReconciliationHistory returns the most recent reports, newest first.
	ReconciliationHistory(ctx context.Context, limit int) ([]models.ReconciliationReport, error)

	Close() error
}

// Ensure implementations satisfy the contract.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
