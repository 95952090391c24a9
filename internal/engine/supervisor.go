package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"optionflow/internal/models"
)

// SignalSource feeds signals into the supervisor, normally the ingest
// watcher.
type SignalSource interface {
	Run(ctx context.Context, emit func(*models.Signal)) error
}

// Supervisor runs the live engine: the ingest watcher, the signal worker,
// the position monitor tick, and the daily reconciliation schedule, all
// under one error group with coordinated shutdown.
type Supervisor struct {
	engine *Engine
	source SignalSource
}

// NewSupervisor builds a supervisor over the engine and its signal source.
func NewSupervisor(e *Engine, source SignalSource) *Supervisor {
	return &Supervisor{engine: e, source: source}
}

// Run blocks until ctx is cancelled or a loop fails fatally. On shutdown
// the signal channel is drained for up to the configured grace period so
// in-flight orders resolve instead of leaking to recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	e := s.engine

	// Fail fast on an unreachable venue instead of limping into the loops.
	if _, err := e.gw.Account(ctx); err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}

	if err := e.Recover(ctx); err != nil {
		return err
	}
	if err := s.catchUpReconcile(ctx); err != nil {
		e.logger.Printf("Startup reconciliation failed: %v", err)
	}

	signals := make(chan *models.Signal, e.cfg.Engine.SignalBufferSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(signals)
		err := s.source.Run(gctx, func(sig *models.Signal) {
			// A full buffer blocks the producer. The watcher's checkpoint
			// has already advanced past this record, so dropping it here
			// would lose it for good.
			select {
			case signals <- sig:
			case <-gctx.Done():
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error { return s.workSignals(gctx, signals) })
	g.Go(func() error { return s.monitorLoop(gctx) })
	g.Go(func() error { return s.reconcileLoop(gctx) })

	return g.Wait()
}

// workSignals consumes the buffer. After cancellation it keeps draining
// under a fresh grace-period context so accepted signals are not lost
// mid-pipeline.
func (s *Supervisor) workSignals(ctx context.Context, signals <-chan *models.Signal) error {
	e := s.engine
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if err := e.ProcessSignal(ctx, sig); err != nil {
				e.logger.Printf("Processing signal %s failed: %v", sig.ID, err)
			}
		case <-ctx.Done():
			return s.drainSignals(signals)
		}
	}
}

func (s *Supervisor) drainSignals(signals <-chan *models.Signal) error {
	e := s.engine
	grace, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace())
	defer cancel()
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if err := e.ProcessSignal(grace, sig); err != nil {
				e.logger.Printf("Processing signal %s during shutdown failed: %v", sig.ID, err)
			}
		case <-grace.Done():
			e.logger.Printf("Shutdown grace elapsed with signals unprocessed")
			return nil
		default:
			return nil
		}
	}
}

func (s *Supervisor) monitorLoop(ctx context.Context) error {
	e := s.engine
	ticker := time.NewTicker(e.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := e.clk.Now()
		if !e.cal.IsTradingDay(now) || !e.cal.InSession(now) {
			continue
		}
		if err := e.MonitorOnce(ctx); err != nil {
			e.logger.Printf("Monitor pass failed: %v", err)
		}
	}
}

// reconcileLoop runs reconciliation once per trading day at the configured
// Eastern clock time.
func (s *Supervisor) reconcileLoop(ctx context.Context) error {
	e := s.engine
	for {
		next := s.nextReconTime(e.clk.Now())
		timer := time.NewTimer(next.Sub(e.clk.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := e.Reconcile(ctx); err != nil {
			e.logger.Printf("Reconciliation failed: %v", err)
		}
	}
}

// catchUpReconcile covers a restart after the scheduled hour: if today is a
// trading day, the hour has passed and no report exists for today yet, run
// reconciliation immediately instead of waiting for tomorrow's slot.
func (s *Supervisor) catchUpReconcile(ctx context.Context) error {
	e := s.engine
	now := e.clk.Now()
	if !e.cal.IsTradingDay(now) {
		return nil
	}
	hour, minute := e.cfg.ReconClock()
	loc := e.cal.Location()
	day := now.In(loc)
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	if now.Before(at) {
		return nil
	}
	history, err := e.store.ReconciliationHistory(ctx, 1)
	if err != nil {
		return err
	}
	today := e.cal.DateKey(now)
	if len(history) > 0 && history[0].DateEastern == today {
		return nil
	}
	e.logger.Printf("Reconciliation for %s missed while down, running now", today)
	_, err = e.Reconcile(ctx)
	return err
}

func (s *Supervisor) nextReconTime(now time.Time) time.Time {
	e := s.engine
	hour, minute := e.cfg.ReconClock()
	loc := e.cal.Location()
	day := now.In(loc)
	for {
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if at.After(now) && e.cal.IsTradingDay(at) {
			return at
		}
		day = e.cal.NextTradingDay(day)
	}
}
