package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

// runStoreTests exercises the Store contract against any implementation, so
// the mock and SQLite stay behaviorally aligned.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 15, 35, 0, 0, time.UTC)

	newSignal := func(id, symbol string, at time.Time, premium float64) *models.Signal {
		return &models.Signal{
			ID: id, Symbol: symbol, PremiumUSD: premium, Ask: 1.25,
			ContractID: symbol + "240621C00100000", Strike: 100,
			OptionType: "call", Expiry: time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), DTE: 14,
			StockPrice: 95, EasternTime: at, SourceFile: "flow-20240603.csv",
		}
	}

	t.Run("duplicate signal suppressed", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		sig := newSignal("sig-a", "XYZ", now, 150000)
		fresh, err := s.InsertSignalIfNew(ctx, sig)
		require.NoError(t, err)
		assert.True(t, fresh)

		fresh, err = s.InsertSignalIfNew(ctx, sig)
		require.NoError(t, err)
		assert.False(t, fresh, "second insert of the same signal_id must be ignored")

		exists, err := s.SignalExists(ctx, "sig-a")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("signal outcome", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.InsertSignalIfNew(ctx, newSignal("sig-b", "XYZ", now, 150000))
		require.NoError(t, err)
		require.NoError(t, s.MarkSignalOutcome(ctx, "sig-b", "rejected:blacklist"))
		assert.ErrorIs(t, s.MarkSignalOutcome(ctx, "missing", "x"), ErrNotFound)
	})

	t.Run("historical premiums window", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for i, premium := range []float64{40000, 50000, 60000} {
			sig := newSignal("hist-"+string(rune('a'+i)), "XYZ", now.AddDate(0, 0, -i-1), premium)
			_, err := s.InsertSignalIfNew(ctx, sig)
			require.NoError(t, err)
		}
		// Different symbol stays out of the window.
		_, err := s.InsertSignalIfNew(ctx, newSignal("hist-other", "ABC", now.AddDate(0, 0, -1), 99999))
		require.NoError(t, err)

		from := now.AddDate(0, 0, -7).Format("2006-01-02")
		to := now.AddDate(0, 0, -1).Format("2006-01-02")
		ps, err := s.HistoricalPremiums(ctx, "XYZ", from, to)
		require.NoError(t, err)
		assert.Len(t, ps, 3)
		assert.Equal(t, []float64{60000, 50000, 40000}, ps, "oldest first")
	})

	t.Run("order lifecycle and terminal guard", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		o := &models.Order{
			ClientID: "ord-1", Symbol: "XYZ", Side: models.SideBuy, Shares: 100,
			LimitPrice: 95.5, Status: models.StatusPending,
			CreatedEastern: now, UpdatedEastern: now,
		}
		require.NoError(t, s.InsertOrder(ctx, o))

		require.NoError(t, s.UpdateOrder(ctx, "ord-1", models.StatusFilled, 100, 95.48, "brk-9", "", now.Add(time.Second)))

		got, err := s.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFilled, got.Status)
		assert.Equal(t, int64(100), got.FilledShares)
		assert.Equal(t, "brk-9", got.BrokerID)

		err = s.UpdateOrder(ctx, "ord-1", models.StatusCancelled, 0, 0, "", "", now.Add(2*time.Second))
		assert.ErrorIs(t, err, ErrTerminalOrder, "terminal orders admit no further transitions")

		assert.ErrorIs(t, s.UpdateOrder(ctx, "nope", models.StatusFilled, 0, 0, "", "", now), ErrNotFound)
	})

	t.Run("pending sell lookup", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.InsertOrder(ctx, &models.Order{
			ClientID: "sell-1", Symbol: "XYZ", Side: models.SideSell, Shares: 100,
			Status: models.StatusPending, CreatedEastern: now, UpdatedEastern: now,
		}))

		pending, err := s.PendingSellExists(ctx, "XYZ")
		require.NoError(t, err)
		assert.True(t, pending)

		require.NoError(t, s.UpdateOrder(ctx, "sell-1", models.StatusFilled, 100, 99, "", "", now))
		pending, err = s.PendingSellExists(ctx, "XYZ")
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("one open position per symbol", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		p := &models.Position{
			ID: "01POS1", OpenOrderID: "ord-1", Symbol: "XYZ", Shares: 100,
			CostPrice: 95.5, OpenEastern: now, ScheduledExitEastern: now.AddDate(0, 0, 8),
			HighWaterPrice: 95.5, Status: models.PositionOpen,
		}
		require.NoError(t, s.InsertPosition(ctx, p))

		dup := *p
		dup.ID = "01POS2"
		assert.ErrorIs(t, s.InsertPosition(ctx, &dup), ErrDuplicateOpenPosition)

		held, err := s.HasOpenPosition(ctx, "XYZ")
		require.NoError(t, err)
		assert.True(t, held)

		// After closing, the symbol admits a new open position.
		require.NoError(t, s.ClosePosition(ctx, "01POS1", models.ExitTakeProfit, 133.7, now.AddDate(0, 0, 2)))
		require.NoError(t, s.InsertPosition(ctx, &dup))

		open, err := s.OpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "01POS2", open[0].ID)
	})

	t.Run("high water only rises", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		p := &models.Position{
			ID: "01POS3", Symbol: "AAA", Shares: 10, CostPrice: 100,
			OpenEastern: now, ScheduledExitEastern: now.AddDate(0, 0, 8),
			HighWaterPrice: 100, Status: models.PositionOpen,
		}
		require.NoError(t, s.InsertPosition(ctx, p))
		require.NoError(t, s.UpdateHighWater(ctx, "01POS3", 110))
		require.NoError(t, s.UpdateHighWater(ctx, "01POS3", 105))

		open, err := s.OpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, 110.0, open[0].HighWaterPrice)

		require.NoError(t, s.SetLastChecked(ctx, "01POS3", now.Add(time.Minute)))
		open, err = s.OpenPositions(ctx)
		require.NoError(t, err)
		assert.True(t, open[0].LastCheckedEastern.Equal(now.Add(time.Minute)))

		require.NoError(t, s.SetPositionShares(ctx, "01POS3", 7))
		open, err = s.OpenPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), open[0].Shares)
		assert.ErrorIs(t, s.SetPositionShares(ctx, "missing", 1), ErrNotFound)
	})

	t.Run("blacklist keeps later expiry", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.UpsertBlacklist(ctx, "XYZ", now.AddDate(0, 0, 8)))
		require.NoError(t, s.UpsertBlacklist(ctx, "XYZ", now.AddDate(0, 0, 4)))

		blocked, err := s.IsBlacklisted(ctx, "XYZ", now.AddDate(0, 0, 6))
		require.NoError(t, err)
		assert.True(t, blocked, "earlier re-upsert must not shorten the block")

		blocked, err = s.IsBlacklisted(ctx, "XYZ", now.AddDate(0, 0, 9))
		require.NoError(t, err)
		assert.False(t, blocked)

		blocked, err = s.IsBlacklisted(ctx, "OTHER", now)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("capacity reservation and rollback", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		limits := CapacityLimits{MaxTradesPerDay: 10, DailyGrossCap: 0.99}
		date := "2024-06-03"

		var held []*models.Reservation
		for i := 0; i < 3; i++ {
			r, err := s.ReserveCapacity(ctx, date, 0.30, limits)
			require.NoError(t, err)
			held = append(held, r)
		}

		// 0.90 held; 0.15 more would reach 1.05 > 0.99.
		_, err := s.ReserveCapacity(ctx, date, 0.15, limits)
		assert.ErrorIs(t, err, ErrCapacityExhausted)

		// 0.05 still fits.
		small, err := s.ReserveCapacity(ctx, date, 0.05, limits)
		require.NoError(t, err)

		// Rolling one back frees its ratio.
		require.NoError(t, s.RollbackReservation(ctx, held[0].ID))
		_, err = s.ReserveCapacity(ctx, date, 0.15, limits)
		require.NoError(t, err)

		require.NoError(t, s.CommitReservation(ctx, held[1].ID))
		usage, err := s.DailyUsage(ctx, date)
		require.NoError(t, err)
		assert.Equal(t, 1, usage.TradeCount, "only committed reservations count as trades")
		assert.InDelta(t, 0.80, usage.GrossRatio, 1e-9)

		// A settled reservation cannot settle twice.
		assert.ErrorIs(t, s.CommitReservation(ctx, held[0].ID), ErrNotFound)
		_ = small
	})

	t.Run("trade count cap", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		limits := CapacityLimits{MaxTradesPerDay: 2, DailyGrossCap: 10}
		for i := 0; i < 2; i++ {
			r, err := s.ReserveCapacity(ctx, "2024-06-04", 0.1, limits)
			require.NoError(t, err)
			require.NoError(t, s.CommitReservation(ctx, r.ID))
		}
		_, err := s.ReserveCapacity(ctx, "2024-06-04", 0.1, limits)
		assert.ErrorIs(t, err, ErrCapacityExhausted)
	})

	t.Run("held reservations count toward the trade cap", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		limits := CapacityLimits{MaxTradesPerDay: 2, DailyGrossCap: 10}
		held, err := s.ReserveCapacity(ctx, "2024-06-05", 0.1, limits)
		require.NoError(t, err)
		r, err := s.ReserveCapacity(ctx, "2024-06-05", 0.1, limits)
		require.NoError(t, err)
		require.NoError(t, s.CommitReservation(ctx, r.ID))

		// One committed plus one still held fills the cap of two.
		_, err = s.ReserveCapacity(ctx, "2024-06-05", 0.1, limits)
		assert.ErrorIs(t, err, ErrCapacityExhausted)

		// Rolling the hold back frees its slot.
		require.NoError(t, s.RollbackReservation(ctx, held.ID))
		_, err = s.ReserveCapacity(ctx, "2024-06-05", 0.1, limits)
		require.NoError(t, err)
	})

	t.Run("checkpoint roundtrip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.LoadCheckpoint(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		cp := &models.Checkpoint{LastFile: "flow-20240603.csv", LastOffset: 4096, UpdatedAt: now}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		cp.LastOffset = 8192
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		got, err := s.LoadCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(8192), got.LastOffset)
		assert.Equal(t, "flow-20240603.csv", got.LastFile)
	})

	t.Run("reconciliation history", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for i := 0; i < 3; i++ {
			r := &models.ReconciliationReport{
				DateEastern:    now.AddDate(0, 0, i).Format("2006-01-02"),
				CreatedEastern: now.AddDate(0, 0, i),
			}
			if i == 1 {
				r.ExtrasLocal = []string{"XYZ"}
				r.AutoFixed = true
			}
			require.NoError(t, s.SaveReconciliation(ctx, r))
		}

		hist, err := s.ReconciliationHistory(ctx, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "2024-06-05", hist[0].DateEastern, "newest first")
		assert.Equal(t, []string{"XYZ"}, hist[1].ExtrasLocal)
		assert.True(t, hist[1].AutoFixed)
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
		require.NoError(t, err)
		return s
	})
}

func TestMockStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMock()
	})
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	_, err = s.InsertSignalIfNew(ctx, &models.Signal{
		ID: "persist-1", Symbol: "XYZ", PremiumUSD: 1,
		EasternTime: time.Date(2024, 6, 3, 15, 35, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	exists, err := s.SignalExists(ctx, "persist-1")
	require.NoError(t, err)
	assert.True(t, exists, "signals survive a restart")
}
