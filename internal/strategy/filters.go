package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"optionflow/internal/models"
)

// AuxFilter is an optional entry check run after the built-in pipeline.
type AuxFilter interface {
	Name() string
	// Check returns a rejection to drop the signal, nil to pass.
	Check(ctx context.Context, sig *models.Signal) (*Rejection, error)
}

// CloseProvider supplies recent daily closes for a symbol, newest last.
// The engine backs this with the minute-bar source.
type CloseProvider interface {
	DailyCloses(ctx context.Context, symbol string, endEastern time.Time, days int) ([]float64, error)
}

// EarningsFilter drops signals for symbols with an earnings report inside
// the configured window around the signal date.
type EarningsFilter struct {
	windowDays int
	// dates maps symbol to report dates, YYYY-MM-DD.
	dates map[string][]string
}

// NewEarningsFilter loads the earnings calendar from a JSON file shaped
// {"SYMBOL": ["2024-06-05", ...], ...}.
func NewEarningsFilter(path string, windowDays int) (*EarningsFilter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading earnings calendar: %w", err)
	}
	dates := make(map[string][]string)
	if err := json.Unmarshal(raw, &dates); err != nil {
		return nil, fmt.Errorf("parsing earnings calendar %s: %w", path, err)
	}
	for sym, ds := range dates {
		for _, d := range ds {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, fmt.Errorf("bad earnings date %q for %s: %w", d, sym, err)
			}
		}
	}
	return &EarningsFilter{windowDays: windowDays, dates: dates}, nil
}

func (f *EarningsFilter) Name() string { return "earnings" }

func (f *EarningsFilter) Check(_ context.Context, sig *models.Signal) (*Rejection, error) {
	lo := sig.EasternTime.AddDate(0, 0, -f.windowDays).Format("2006-01-02")
	hi := sig.EasternTime.AddDate(0, 0, f.windowDays).Format("2006-01-02")
	for _, d := range f.dates[sig.Symbol] {
		if d >= lo && d <= hi {
			return Reject("earnings on %s within %dd window", d, f.windowDays), nil
		}
	}
	return nil, nil
}

// MACDFilter drops signals whose underlying has negative momentum: the MACD
// line (EMA12 - EMA26 of daily closes) must be at or above the threshold.
type MACDFilter struct {
	closes    CloseProvider
	threshold float64
}

// NewMACDFilter builds the momentum filter.
func NewMACDFilter(closes CloseProvider, threshold float64) *MACDFilter {
	return &MACDFilter{closes: closes, threshold: threshold}
}

func (f *MACDFilter) Name() string { return "macd" }

func (f *MACDFilter) Check(ctx context.Context, sig *models.Signal) (*Rejection, error) {
	// 26-period EMA needs some run-in to stabilize.
	series, err := f.closes.DailyCloses(ctx, sig.Symbol, sig.EasternTime, 35)
	if err != nil {
		return nil, fmt.Errorf("daily closes for %s: %w", sig.Symbol, err)
	}
	if len(series) < 26 {
		// Too little history to measure momentum; pass.
		return nil, nil
	}
	macd := ema(series, 12) - ema(series, 26)
	if macd < f.threshold {
		return Reject("macd %.4f below threshold %.4f", macd, f.threshold), nil
	}
	return nil, nil
}

// ema returns the exponential moving average of the full series with the
// given period, seeded with the first value.
func ema(series []float64, period int) float64 {
	k := 2.0 / float64(period+1)
	avg := series[0]
	for _, v := range series[1:] {
		avg = v*k + avg*(1-k)
	}
	return avg
}

// TrendFilter drops signals whose underlying closed lower over the lookback
// window than where it started.
type TrendFilter struct {
	closes   CloseProvider
	lookback int
}

// NewTrendFilter builds the trend filter.
func NewTrendFilter(closes CloseProvider, lookbackDays int) *TrendFilter {
	return &TrendFilter{closes: closes, lookback: lookbackDays}
}

func (f *TrendFilter) Name() string { return "trend" }

func (f *TrendFilter) Check(ctx context.Context, sig *models.Signal) (*Rejection, error) {
	series, err := f.closes.DailyCloses(ctx, sig.Symbol, sig.EasternTime, f.lookback)
	if err != nil {
		return nil, fmt.Errorf("daily closes for %s: %w", sig.Symbol, err)
	}
	if len(series) < 2 {
		return nil, nil
	}
	if series[len(series)-1] < series[0] {
		return Reject("downtrend over %dd: %.2f -> %.2f", f.lookback, series[0], series[len(series)-1]), nil
	}
	return nil, nil
}
