package engine

import (
	"context"
	"fmt"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/gateway"
)

// BarCloses adapts the minute-bar source into the daily-close series the
// auxiliary entry filters consume. Each trading day's close is the last
// minute bar's close.
type BarCloses struct {
	bars gateway.BarSource
	cal  *clock.Calendar
}

// NewBarCloses builds a close provider over the bar source.
func NewBarCloses(bars gateway.BarSource, cal *clock.Calendar) *BarCloses {
	return &BarCloses{bars: bars, cal: cal}
}

// DailyCloses returns up to `days` daily closes ending at the trading day
// before endEastern, oldest first. Days with no bars are skipped.
func (b *BarCloses) DailyCloses(ctx context.Context, symbol string, endEastern time.Time, days int) ([]float64, error) {
	closes := make([]float64, 0, days)
	day := endEastern
	// Walk backwards; a generous scan bound covers holiday clusters.
	for scanned := 0; len(closes) < days && scanned < days*2+10; scanned++ {
		day = day.AddDate(0, 0, -1)
		if !b.cal.IsTradingDay(day) {
			continue
		}
		bars, err := b.bars.MinuteBars(ctx, symbol, b.cal.DateKey(day))
		if err != nil {
			return nil, fmt.Errorf("daily close for %s %s: %w", symbol, b.cal.DateKey(day), err)
		}
		if len(bars) == 0 {
			continue
		}
		closes = append(closes, bars[len(bars)-1].Close)
	}

	// Reverse into chronological order.
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}
