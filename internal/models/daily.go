package models

import "time"

// ReservationStatus is the state of a daily-capacity reservation.
type ReservationStatus string

const (
	// ReservationHeld counts against admission checks while an order is in
	// flight.
	ReservationHeld ReservationStatus = "HELD"
	// ReservationCommitted is a filled order's permanent claim on the day.
	ReservationCommitted ReservationStatus = "COMMITTED"
	// ReservationRolledBack frees the held ratio after a reject or cancel.
	ReservationRolledBack ReservationStatus = "ROLLED_BACK"
)

// Reservation is a provisional hold on daily gross-exposure capacity,
// created before order placement and committed only on a FILLED result.
type Reservation struct {
	ID             string            `json:"reservation_id"`
	DateEastern    string            `json:"date_eastern"` // YYYY-MM-DD
	Ratio          float64           `json:"ratio"`
	Status         ReservationStatus `json:"status"`
	CreatedEastern time.Time         `json:"created_eastern"`
}

// DailyUsage sums today's committed capacity plus currently-held
// reservations; admission checks run against this total.
type DailyUsage struct {
	TradeCount int     `json:"trade_count"`
	GrossRatio float64 `json:"gross_ratio"`
}

// Checkpoint records how far the external file watcher has progressed, so a
// restart resumes without re-reading completed files.
type Checkpoint struct {
	LastFile   string    `json:"last_processed_file"`
	LastOffset int64     `json:"last_offset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ShareMismatch is a per-symbol share-count difference between the local
// book and the broker.
type ShareMismatch struct {
	Symbol       string `json:"symbol"`
	LocalShares  int64  `json:"local_shares"`
	BrokerShares int64  `json:"broker_shares"`
}

// ReconciliationReport is the outcome of one end-of-day comparison of the
// local book against the gateway.
type ReconciliationReport struct {
	DateEastern string `json:"date_eastern"` // YYYY-MM-DD
	// ExtrasLocal are symbols the local book holds but the broker does not.
	ExtrasLocal []string `json:"extras_local,omitempty"`
	// ExtrasBroker are holdings the broker reports but the local book lacks.
	ExtrasBroker    []Holding       `json:"extras_broker,omitempty"`
	ShareMismatches []ShareMismatch `json:"share_mismatches,omitempty"`
	AccountDelta    float64         `json:"account_delta"`
	AutoFixed       bool            `json:"auto_fixed"`
	CreatedEastern  time.Time       `json:"created_eastern"`
}

// Clean reports whether the two sides matched exactly.
func (r *ReconciliationReport) Clean() bool {
	return len(r.ExtrasLocal) == 0 && len(r.ExtrasBroker) == 0 && len(r.ShareMismatches) == 0
}
