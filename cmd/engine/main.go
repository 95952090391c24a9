package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/config"
	"optionflow/internal/engine"
	"optionflow/internal/gateway"
	"optionflow/internal/ingest"
	"optionflow/internal/models"
	"optionflow/internal/retry"
	"optionflow/internal/storage"
	"optionflow/internal/strategy"
)

func main() {
	var configPath string
	var modeOverride string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&modeOverride, "mode", "", "Override run mode (live | backtest)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config with -mode %s: %v", modeOverride, err)
		}
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting flow engine in %s mode, strategy %s", cfg.Mode, cfg.Strategy.Version)

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Engine error: %v", err)
	}
	logger.Println("Engine stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	cal := clock.NewCalendar()
	if cfg.Engine.CalendarFile != "" {
		if err := cal.LoadOverrides(cfg.Engine.CalendarFile); err != nil {
			return fmt.Errorf("loading calendar overrides: %w", err)
		}
	}

	store, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Closing storage failed: %v", err)
		}
	}()

	if cfg.IsBacktest() {
		return runBacktest(cfg, logger, cal, store)
	}
	return runLive(cfg, logger, cal, store)
}

func runLive(cfg *config.Config, logger *log.Logger, cal *clock.Calendar, store storage.Store) error {
	clk := clock.NewRealClock()

	var liveOpts []gateway.LiveOption
	if cfg.Gateway.RateLimitPerSecond > 0 {
		liveOpts = append(liveOpts, gateway.WithRateLimit(cfg.Gateway.RateLimitPerSecond, cfg.Gateway.RateLimitBurst))
	}
	live := gateway.NewLive(cfg.Gateway.APIBaseURL, cfg.Gateway.APIToken, cfg.Gateway.AccountID,
		cfg.GatewayTimeout(), liveOpts...)

	settings := gateway.DefaultBreakerSettings()
	settings.MinRequests = cfg.Gateway.Breaker.MaxFailures
	settings.Timeout = time.Duration(cfg.Gateway.Breaker.CooldownSeconds) * time.Second
	gw := gateway.NewCircuitBreakerGateway(live, settings, logger)

	bars := gateway.NewHTTPBars(cfg.Gateway.Bars.BaseURL, cfg.Gateway.Bars.APIToken,
		cfg.Gateway.Bars.CacheDir)

	strat, err := buildStrategy(cfg, store, clk, cal, bars)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Cfg:      cfg,
		Store:    store,
		Gateway:  gw,
		Orders:   retry.NewClient(gw, logger),
		Strategy: strat,
		Clock:    clk,
		Calendar: cal,
		Bars:     bars,
		Logger:   logger,
	})

	parser, err := ingest.NewParser(cfg.Ingest.SourceTimezone)
	if err != nil {
		return fmt.Errorf("building parser: %w", err)
	}
	watcher := ingest.NewWatcher(cfg.Ingest.WatchDir, parser, store, logger,
		time.Duration(cfg.Ingest.PollIntervalSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		cancel()
	}()

	// Real orders follow; give the operator a window to abort.
	logger.Println("LIVE mode: real orders will be placed. Starting in 10 seconds, Ctrl-C to abort...")
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
		return nil
	}

	sup := engine.NewSupervisor(eng, watcher)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runBacktest(cfg *config.Config, logger *log.Logger, cal *clock.Calendar, store storage.Store) error {
	loc := cal.Location()
	start, err := time.ParseInLocation(clock.DateLayout, cfg.Backtest.StartDate, loc)
	if err != nil {
		return fmt.Errorf("backtest start date: %w", err)
	}
	clk := clock.NewSimClock(start)

	var bars gateway.BarSource
	if cfg.Gateway.Bars.BaseURL != "" {
		bars = gateway.NewHTTPBars(cfg.Gateway.Bars.BaseURL, cfg.Gateway.Bars.APIToken,
			cfg.Gateway.Bars.CacheDir)
	} else {
		bars = gateway.NewStaticBars()
	}

	// The simulator marks holdings at the latest bar close at or before the
	// simulated clock.
	price := func(ctx context.Context, symbol string) (float64, error) {
		now := clk.Now()
		raw, err := bars.MinuteBars(ctx, symbol, cal.DateKey(now))
		if err != nil {
			return 0, err
		}
		var last float64
		for i := range raw {
			if raw[i].Time.After(now) {
				break
			}
			last = raw[i].Close
		}
		if last == 0 {
			return 0, fmt.Errorf("no mark for %s", symbol)
		}
		return last, nil
	}

	sim := gateway.NewSim(cfg.Backtest.InitialCash, gateway.CostModel{
		Slippage:    cfg.Costs.Slippage,
		FeePerShare: cfg.Costs.FeePerShare,
		FeeMin:      cfg.Costs.FeeMin,
	}, price)

	strat, err := buildStrategy(cfg, store, clk, cal, bars)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Cfg:      cfg,
		Store:    store,
		Gateway:  sim,
		Orders:   retry.NewClient(sim, logger),
		Strategy: strat,
		Clock:    clk,
		Calendar: cal,
		Bars:     bars,
		Logger:   logger,
	})

	signals, err := loadBacktestSignals(cfg, logger, store)
	if err != nil {
		return err
	}
	logger.Printf("Backtest: %d signals loaded from %s", len(signals), cfg.Ingest.WatchDir)

	res, err := eng.RunBacktest(context.Background(), signals)
	if err != nil {
		return err
	}

	ret := (res.FinalEquity - cfg.Backtest.InitialCash) / cfg.Backtest.InitialCash * 100
	logger.Printf("Result: %d trades over %d days, final equity %.2f (%+.2f%%), %d still open",
		res.Opened, res.Days, res.FinalEquity, ret, res.OpenPositions)
	return nil
}

// loadBacktestSignals parses every flow file in the watch directory into an
// in-memory slice; the driver replays them against the simulated clock.
func loadBacktestSignals(cfg *config.Config, logger *log.Logger, store storage.Store) ([]*models.Signal, error) {
	parser, err := ingest.NewParser(cfg.Ingest.SourceTimezone)
	if err != nil {
		return nil, fmt.Errorf("building parser: %w", err)
	}

	var signals []*models.Signal
	watcher := ingest.NewWatcher(cfg.Ingest.WatchDir, parser, store, logger, time.Hour)
	sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := watcher.SweepOnce(sweepCtx, func(sig *models.Signal) {
		signals = append(signals, sig)
	}); err != nil {
		return nil, fmt.Errorf("reading flow files: %w", err)
	}

	sort.Slice(signals, func(i, j int) bool {
		return signals[i].EasternTime.Before(signals[j].EasternTime)
	})
	return signals, nil
}

// buildStrategy assembles the strategy with whichever auxiliary filters the
// config enables.
func buildStrategy(cfg *config.Config, store storage.Store, clk clock.Clock,
	cal *clock.Calendar, bars gateway.BarSource) (*strategy.Strategy, error) {
	closes := engine.NewBarCloses(bars, cal)

	var aux []strategy.AuxFilter
	if f := cfg.Strategy.Filters; f.EarningsWindowDays > 0 && f.EarningsFile != "" {
		earnings, err := strategy.NewEarningsFilter(f.EarningsFile, f.EarningsWindowDays)
		if err != nil {
			return nil, err
		}
		aux = append(aux, earnings)
	}
	if cfg.Strategy.Filters.MACDEnabled {
		aux = append(aux, strategy.NewMACDFilter(closes, cfg.Strategy.Filters.MACDThreshold))
	}
	if cfg.Strategy.Filters.TrendEnabled {
		aux = append(aux, strategy.NewTrendFilter(closes, cfg.Strategy.Filters.TrendLookbackDays))
	}

	return strategy.New(&strategy.Env{
		Cfg:      cfg,
		Store:    store,
		Clock:    clk,
		Calendar: cal,
	}, aux...)
}
