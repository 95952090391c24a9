// Package strategy decides what the engine does with a signal and when a
// position leaves the book. All rules are pure against the injected
// environment; order placement and persistence stay in the engine.
package strategy

import (
	"fmt"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/config"
	"optionflow/internal/storage"
)

// Env is the read-only world a strategy consults: configuration, persisted
// state and the trading calendar.
type Env struct {
	Cfg      *config.Config
	Store    storage.Store
	Clock    clock.Clock
	Calendar *clock.Calendar
}

// Rejection explains why a signal was dropped. Rejections are recorded as
// signal outcomes, never returned as errors.
type Rejection struct {
	Reason string
}

func (r *Rejection) String() string { return r.Reason }

// Reject builds a rejection with a formatted reason.
func Reject(format string, args ...any) *Rejection {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// EntryPlan is an admitted signal's execution intent, produced before the
// execution price is known.
type EntryPlan struct {
	// ExecEastern is when the entry executes: signal time plus the
	// configured delay, snapped forward by the data-gap policy if needed.
	ExecEastern time.Time
	// Strike and OptionAsk carry contract details into the position for
	// the strike exit.
	Strike    float64
	OptionAsk float64
}

// Sizing is the share count and equity ratio for an admitted entry at a
// known price.
type Sizing struct {
	Shares int64
	// Ratio is shares*price/equity, the quantity reserved against the
	// daily gross cap.
	Ratio float64
}

// versionTraits captures how the strategy generations differ. Later
// generations only add checks; nothing is removed.
type versionTraits struct {
	// historicalFilter compares the premium against the symbol's recent
	// average (v7+, and only when enabled in config).
	historicalFilter bool
	// contractFilters applies the DTE and OTM-ratio contract checks (v8).
	contractFilters bool
	// strikeExit arms the underlying-reaches-strike exit (v8).
	strikeExit bool
	// trailingStop enables the high-water trailing exit (v7+).
	trailingStop bool
}

var versions = map[string]versionTraits{
	"v6": {},
	"v7": {historicalFilter: true, trailingStop: true},
	"v8": {historicalFilter: true, trailingStop: true, contractFilters: true, strikeExit: true},
}

// Strategy is one configured strategy generation.
type Strategy struct {
	env    *Env
	traits versionTraits
	aux    []AuxFilter
}

// New builds the strategy selected by cfg.Strategy.Version. aux filters run
// after the built-in pipeline, in order.
func New(env *Env, aux ...AuxFilter) (*Strategy, error) {
	traits, ok := versions[env.Cfg.Strategy.Version]
	if !ok {
		return nil, fmt.Errorf("unknown strategy version %q", env.Cfg.Strategy.Version)
	}
	return &Strategy{env: env, traits: traits, aux: aux}, nil
}

// Name returns the configured version tag.
func (s *Strategy) Name() string { return s.env.Cfg.Strategy.Version }

// StrikeExitEnabled reports whether positions opened by this strategy carry
// the strike exit.
func (s *Strategy) StrikeExitEnabled() bool { return s.traits.strikeExit }
