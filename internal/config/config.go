// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when the corresponding key is unset.
const (
	// defaultCheckIntervalSec is the position-monitor tick period.
	defaultCheckIntervalSec = 60
	// defaultExitTimeOfDay is the scheduled-exit clock time.
	defaultExitTimeOfDay = "15:00"
	// defaultReconTime runs reconciliation after the regular close.
	defaultReconTime = "16:30"
	// defaultSignalBuffer bounds the in-memory signal queue.
	defaultSignalBuffer = 256
	// defaultShutdownGraceSec bounds how long shutdown waits for in-flight
	// orders before abandoning them to reconciliation.
	defaultShutdownGraceSec = 30
)

// GapFallback selects the behavior when no minute bar exists at the
// scheduled execution minute.
type GapFallback string

const (
	// GapSkip drops the entry.
	GapSkip GapFallback = "skip"
	// GapNextBar retries at the next available bar.
	GapNextBar GapFallback = "next_bar"
	// GapUseLast executes at the last known close.
	GapUseLast GapFallback = "use_last"
	// GapUseRealtime falls back to a live quote (live mode only).
	GapUseRealtime GapFallback = "use_realtime"
)

// Config represents the complete engine configuration.
type Config struct {
	Mode           string         `yaml:"mode"` // live | backtest
	LogLevel       string         `yaml:"log_level"`
	Engine         EngineConfig   `yaml:"engine"`
	Gateway        GatewayConfig  `yaml:"gateway"`
	Ingest         IngestConfig   `yaml:"ingest"`
	Strategy       StrategyConfig `yaml:"strategy"`
	Risk           RiskConfig     `yaml:"risk"`
	Costs          CostConfig     `yaml:"costs"`
	Reconciliation ReconConfig    `yaml:"reconciliation"`
	Backtest       BacktestConfig `yaml:"backtest"`
	Storage        StorageConfig  `yaml:"storage"`
}

// EngineConfig defines scheduling and shutdown behavior.
type EngineConfig struct {
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	SignalBufferSize     int    `yaml:"signal_buffer_size"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`
	CalendarFile         string `yaml:"calendar_file"` // optional holiday overrides
}

// GatewayConfig defines the live broker and market-data endpoints.
type GatewayConfig struct {
	APIBaseURL         string        `yaml:"api_base_url"`
	APIToken           string        `yaml:"api_token"`
	AccountID          string        `yaml:"account_id"`
	TimeoutSeconds     int           `yaml:"timeout_seconds"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	Breaker            BreakerConfig `yaml:"breaker"`
	Bars               BarsConfig    `yaml:"bars"`
}

// BreakerConfig tunes the circuit breaker wrapped around gateway calls.
type BreakerConfig struct {
	MaxFailures     uint32 `yaml:"max_failures"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// BarsConfig defines the minute-bar data source and its disk cache.
type BarsConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
	CacheDir string `yaml:"cache_dir"`
}

// IngestConfig defines how flow records are picked up from the external
// parser's output directory.
type IngestConfig struct {
	WatchDir            string `yaml:"watch_dir"`
	SourceTimezone      string `yaml:"source_timezone"` // zone of record timestamps
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// StrategyConfig defines signal filtering, sizing and exit parameters.
type StrategyConfig struct {
	Version string `yaml:"version"` // v6 | v7 | v8

	// EntryWindows are [open, close) Eastern clock ranges as "HH:MM" pairs.
	EntryWindows [][]string `yaml:"entry_time_window_eastern"`

	MinPremiumUSD float64 `yaml:"min_premium_usd"`
	PremiumMaxUSD float64 `yaml:"premium_max_usd"` // 0 disables the ceiling

	HistoricalPremiumEnabled bool    `yaml:"historical_premium_enabled"`
	HistoricalMultiplier     float64 `yaml:"historical_multiplier"`
	HistoricalLookbackDays   int     `yaml:"historical_lookback_days"`

	EntryDelayMinutes int         `yaml:"entry_delay_minutes"`
	DataGapFallback   GapFallback `yaml:"data_gap_fallback"`

	// PremiumDivisor sizes the position: premium / divisor is the fraction
	// of equity to deploy, clipped by the per-trade and daily caps.
	PremiumDivisor float64 `yaml:"premium_divisor"`
	MinShares      int64   `yaml:"min_shares"`

	StopLoss     float64 `yaml:"stop_loss"`
	TakeProfit   float64 `yaml:"take_profit"`
	TrailingStop float64 `yaml:"trailing_stop"`
	// TrailingArmRequired gates the trailing stop on the position having
	// been in profit; disabled it trails from cost immediately.
	TrailingArmRequired *bool `yaml:"trailing_arm_required"`

	HoldingDays              int    `yaml:"holding_days"`
	ExitTimeOfDayEastern     string `yaml:"exit_time_of_day_eastern"` // "HH:MM"
	BlacklistDays            int    `yaml:"blacklist_days"`
	MarketCloseBufferMinutes int    `yaml:"market_close_buffer_minutes"`

	// v8-only contract filters. Zero values disable each filter.
	MaxDTE      int     `yaml:"max_dte"`
	MinOTMRatio float64 `yaml:"min_otm_ratio"`

	Filters FilterConfig `yaml:"filters"`
}

// FilterConfig toggles the optional auxiliary entry filters.
type FilterConfig struct {
	MACDEnabled        bool    `yaml:"macd_enabled"`
	MACDThreshold      float64 `yaml:"macd_threshold"`
	EarningsWindowDays int     `yaml:"earnings_window_days"` // 0 disables
	EarningsFile       string  `yaml:"earnings_file"`        // JSON earnings calendar
	TrendEnabled       bool    `yaml:"trend_enabled"`
	TrendLookbackDays  int     `yaml:"trend_lookback_days"`
}

// RiskConfig defines capacity and portfolio-level thresholds.
type RiskConfig struct {
	PerTradeCap     float64 `yaml:"per_trade_cap"`
	DailyGrossCap   float64 `yaml:"daily_gross_cap"`
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	MaxLeverage     float64 `yaml:"max_leverage"`
	MinCashRatio    float64 `yaml:"min_cash_ratio"`
}

// CostConfig defines simulated execution costs.
type CostConfig struct {
	Slippage    float64 `yaml:"slippage"`
	FeePerShare float64 `yaml:"fee_per_share"`
	FeeMin      float64 `yaml:"fee_min"`
}

// ReconConfig defines end-of-day reconciliation scheduling.
type ReconConfig struct {
	TimeEastern string `yaml:"time_eastern"` // "HH:MM"
	AutoFix     bool   `yaml:"auto_fix"`
}

// BacktestConfig defines the simulated run window and starting account.
type BacktestConfig struct {
	StartDate   string  `yaml:"start_date"` // YYYY-MM-DD
	EndDate     string  `yaml:"end_date"`
	InitialCash float64 `yaml:"initial_cash"`
}

// StorageConfig defines the SQLite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads, expands and validates the configuration file at path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so tokens stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaulted fields before validation.
func (c *Config) normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Engine.CheckIntervalSeconds == 0 {
		c.Engine.CheckIntervalSeconds = defaultCheckIntervalSec
	}
	if c.Engine.SignalBufferSize == 0 {
		c.Engine.SignalBufferSize = defaultSignalBuffer
	}
	if c.Engine.ShutdownGraceSeconds == 0 {
		c.Engine.ShutdownGraceSeconds = defaultShutdownGraceSec
	}
	if c.Strategy.Version == "" {
		c.Strategy.Version = "v7"
	}
	if c.Strategy.DataGapFallback == "" {
		c.Strategy.DataGapFallback = GapNextBar
	}
	if c.Strategy.ExitTimeOfDayEastern == "" {
		c.Strategy.ExitTimeOfDayEastern = defaultExitTimeOfDay
	}
	if c.Strategy.TrailingArmRequired == nil {
		armed := true
		c.Strategy.TrailingArmRequired = &armed
	}
	if c.Reconciliation.TimeEastern == "" {
		c.Reconciliation.TimeEastern = defaultReconTime
	}
	if c.Gateway.TimeoutSeconds == 0 {
		c.Gateway.TimeoutSeconds = 30
	}
	if c.Gateway.Breaker.MaxFailures == 0 {
		c.Gateway.Breaker.MaxFailures = 5
	}
	if c.Gateway.Breaker.CooldownSeconds == 0 {
		c.Gateway.Breaker.CooldownSeconds = 60
	}
	if c.Ingest.PollIntervalSeconds == 0 {
		c.Ingest.PollIntervalSeconds = 5
	}
	if c.Ingest.SourceTimezone == "" {
		c.Ingest.SourceTimezone = "America/New_York"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "backtest" {
		return fmt.Errorf("mode must be 'live' or 'backtest'")
	}

	if c.Mode == "live" {
		if c.Gateway.APIToken == "" {
			return fmt.Errorf("gateway.api_token is required in live mode")
		}
		if c.Gateway.AccountID == "" {
			return fmt.Errorf("gateway.account_id is required in live mode")
		}
		if c.Ingest.WatchDir == "" {
			return fmt.Errorf("ingest.watch_dir is required in live mode")
		}
	}
	if c.Mode == "backtest" {
		for _, key := range []struct{ name, val string }{
			{"backtest.start_date", c.Backtest.StartDate},
			{"backtest.end_date", c.Backtest.EndDate},
		} {
			if _, err := time.Parse("2006-01-02", key.val); err != nil {
				return fmt.Errorf("%s invalid: %w", key.name, err)
			}
		}
		if c.Backtest.EndDate < c.Backtest.StartDate {
			return fmt.Errorf("backtest.end_date must not precede backtest.start_date")
		}
		if c.Backtest.InitialCash <= 0 {
			return fmt.Errorf("backtest.initial_cash must be > 0")
		}
	}

	switch c.Strategy.Version {
	case "v6", "v7", "v8":
	default:
		return fmt.Errorf("strategy.version must be v6, v7 or v8, got %q", c.Strategy.Version)
	}

	if len(c.Strategy.EntryWindows) == 0 {
		return fmt.Errorf("strategy.entry_time_window_eastern must list at least one [open, close] range")
	}
	for i, w := range c.Strategy.EntryWindows {
		if len(w) != 2 {
			return fmt.Errorf("strategy.entry_time_window_eastern[%d] must be [open, close]", i)
		}
		open, err1 := time.Parse("15:04", w[0])
		end, err2 := time.Parse("15:04", w[1])
		if err1 != nil || err2 != nil || !open.Before(end) {
			return fmt.Errorf("strategy.entry_time_window_eastern[%d] invalid: %s-%s", i, w[0], w[1])
		}
	}

	if c.Strategy.MinPremiumUSD < 0 {
		return fmt.Errorf("strategy.min_premium_usd must be >= 0")
	}
	if c.Strategy.PremiumMaxUSD > 0 && c.Strategy.PremiumMaxUSD < c.Strategy.MinPremiumUSD {
		return fmt.Errorf("strategy.premium_max_usd (%.0f) must be >= min_premium_usd (%.0f)",
			c.Strategy.PremiumMaxUSD, c.Strategy.MinPremiumUSD)
	}
	if c.Strategy.HistoricalPremiumEnabled {
		if c.Strategy.HistoricalMultiplier <= 0 {
			return fmt.Errorf("strategy.historical_multiplier must be > 0 when the historical filter is enabled")
		}
		if c.Strategy.HistoricalLookbackDays <= 0 {
			return fmt.Errorf("strategy.historical_lookback_days must be > 0 when the historical filter is enabled")
		}
	}
	if c.Strategy.EntryDelayMinutes < 0 {
		return fmt.Errorf("strategy.entry_delay_minutes must be >= 0")
	}
	switch c.Strategy.DataGapFallback {
	case GapSkip, GapNextBar, GapUseLast:
	case GapUseRealtime:
		if c.Mode != "live" {
			return fmt.Errorf("strategy.data_gap_fallback 'use_realtime' requires live mode")
		}
	default:
		return fmt.Errorf("strategy.data_gap_fallback must be one of skip, next_bar, use_last, use_realtime")
	}
	if c.Strategy.PremiumDivisor <= 0 {
		return fmt.Errorf("strategy.premium_divisor must be > 0")
	}
	if c.Strategy.StopLoss <= 0 || c.Strategy.StopLoss >= 1 {
		return fmt.Errorf("strategy.stop_loss must be in (0,1)")
	}
	if c.Strategy.TakeProfit <= 0 {
		return fmt.Errorf("strategy.take_profit must be > 0")
	}
	if c.Strategy.TrailingStop <= 0 || c.Strategy.TrailingStop >= 1 {
		return fmt.Errorf("strategy.trailing_stop must be in (0,1)")
	}
	if c.Strategy.HoldingDays <= 0 {
		return fmt.Errorf("strategy.holding_days must be > 0")
	}
	if _, err := time.Parse("15:04", c.Strategy.ExitTimeOfDayEastern); err != nil {
		return fmt.Errorf("strategy.exit_time_of_day_eastern invalid: %w", err)
	}
	if c.Strategy.BlacklistDays < 0 {
		return fmt.Errorf("strategy.blacklist_days must be >= 0")
	}
	if c.Strategy.MarketCloseBufferMinutes < 0 {
		return fmt.Errorf("strategy.market_close_buffer_minutes must be >= 0")
	}
	if c.Strategy.Filters.EarningsWindowDays > 0 && c.Strategy.Filters.EarningsFile == "" {
		return fmt.Errorf("strategy.filters.earnings_file is required when earnings_window_days > 0")
	}
	if c.Strategy.Version == "v8" {
		if c.Strategy.MaxDTE < 0 {
			return fmt.Errorf("strategy.max_dte must be >= 0")
		}
		if c.Strategy.MinOTMRatio < 0 {
			return fmt.Errorf("strategy.min_otm_ratio must be >= 0")
		}
	}

	if c.Risk.PerTradeCap <= 0 || c.Risk.PerTradeCap > 1 {
		return fmt.Errorf("risk.per_trade_cap must be in (0,1]")
	}
	if c.Risk.DailyGrossCap <= 0 {
		return fmt.Errorf("risk.daily_gross_cap must be > 0")
	}
	if c.Risk.PerTradeCap > c.Risk.DailyGrossCap {
		return fmt.Errorf("risk.per_trade_cap (%.2f) must be <= risk.daily_gross_cap (%.2f)",
			c.Risk.PerTradeCap, c.Risk.DailyGrossCap)
	}
	if c.Risk.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be > 0")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Risk.MinCashRatio < 0 || c.Risk.MinCashRatio >= 1 {
		return fmt.Errorf("risk.min_cash_ratio must be in [0,1)")
	}

	if c.Costs.Slippage < 0 {
		return fmt.Errorf("costs.slippage must be >= 0")
	}
	if c.Costs.FeePerShare < 0 || c.Costs.FeeMin < 0 {
		return fmt.Errorf("costs.fee_per_share and costs.fee_min must be >= 0")
	}

	if _, err := time.Parse("15:04", c.Reconciliation.TimeEastern); err != nil {
		return fmt.Errorf("reconciliation.time_eastern invalid: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if _, err := time.LoadLocation(c.Ingest.SourceTimezone); err != nil {
		return fmt.Errorf("ingest.source_timezone invalid: %w", err)
	}

	return nil
}

// IsBacktest returns true when the engine runs against the simulator.
func (c *Config) IsBacktest() bool {
	return c.Mode == "backtest"
}

// CheckInterval returns the position-monitor tick period.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Engine.CheckIntervalSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for in-flight work.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Engine.ShutdownGraceSeconds) * time.Second
}

// GatewayTimeout returns the per-request HTTP timeout.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// InEntryWindow reports whether t's Eastern clock time falls inside any
// configured entry range: open inclusive, close exclusive.
func (c *Config) InEntryWindow(t time.Time) bool {
	hm := t.Hour()*60 + t.Minute()
	for _, w := range c.Strategy.EntryWindows {
		open, err1 := time.Parse("15:04", w[0])
		end, err2 := time.Parse("15:04", w[1])
		if err1 != nil || err2 != nil {
			continue
		}
		o := open.Hour()*60 + open.Minute()
		e := end.Hour()*60 + end.Minute()
		if hm >= o && hm < e {
			return true
		}
	}
	return false
}

// ExitClock returns the scheduled-exit hour and minute.
func (c *Config) ExitClock() (hour, minute int) {
	t, _ := time.Parse("15:04", c.Strategy.ExitTimeOfDayEastern)
	return t.Hour(), t.Minute()
}

// ReconClock returns the reconciliation hour and minute.
func (c *Config) ReconClock() (hour, minute int) {
	t, _ := time.Parse("15:04", c.Reconciliation.TimeEastern)
	return t.Hour(), t.Minute()
}

// TrailingArmed reports whether the trailing stop requires the position to
// have been in profit before arming.
func (c *Config) TrailingArmed() bool {
	return c.Strategy.TrailingArmRequired == nil || *c.Strategy.TrailingArmRequired
}
