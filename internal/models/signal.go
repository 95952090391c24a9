// Package models defines the core data types shared by the trading engine:
// signals, orders, positions, daily capacity state, and reconciliation
// reports. Types here are plain values with no I/O; persistence and gateway
// concerns live in their own packages.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signal is a single options-flow record after ingestion. Signals are
// immutable once inserted; ID is a deterministic fingerprint so a re-parsed
// file produces the same IDs and duplicates are dropped at the persistence
// boundary.
type Signal struct {
	ID         string  `json:"signal_id"`
	Symbol     string  `json:"symbol"`
	PremiumUSD float64 `json:"premium_usd"`
	// Ask is the option ask price at signal time; zero when the producer
	// did not report one.
	Ask        float64 `json:"ask,omitempty"`
	ContractID string  `json:"contract_id,omitempty"`

	// Option details carried for the v8 strike-exit and DTE/OTM filters.
	Strike     float64   `json:"strike,omitempty"`
	OptionType string    `json:"option_type,omitempty"` // call | put
	Expiry     time.Time `json:"expiry,omitempty"`
	DTE        int       `json:"dte,omitempty"`
	StockPrice float64   `json:"stock_price,omitempty"`

	// SourceTime is the timestamp as written by the producer, in the
	// producer's zone. EasternTime is the one-time conversion done on
	// ingestion; all engine logic uses EasternTime.
	SourceTime  time.Time `json:"source_time"`
	EasternTime time.Time `json:"eastern_time"`
	SourceFile  string    `json:"source_file,omitempty"`
}

// fingerprintTimeLayout is the canonical timestamp encoding used in
// fingerprint strings. Second precision; minute bars make anything finer
// meaningless.
const fingerprintTimeLayout = "20060102150405"

// SignalFingerprint derives the deterministic signal ID from the identifying
// fields. Two records differing only in source file or row position map to
// the same ID and the second insert is a no-op.
func SignalFingerprint(symbol string, easternTime time.Time, premiumUSD, ask float64, contractID string) string {
	canonical := fmt.Sprintf("sig|%s|%s|%.2f|%.4f|%s",
		symbol, easternTime.Format(fingerprintTimeLayout), premiumUSD, ask, contractID)
	return fingerprint(canonical)
}

// OrderFingerprint derives the idempotency key for an order from the
// triggering event (signal ID for buys, position ID for sells), the side,
// and the execution time. The gateway treats a repeated client ID as the
// same order.
func OrderFingerprint(eventID string, side OrderSide, execEastern time.Time) string {
	canonical := fmt.Sprintf("ord|%s|%s|%s",
		eventID, side, execEastern.Format(fingerprintTimeLayout))
	return fingerprint(canonical)
}

func fingerprint(canonical string) string {
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])[:16]
}
