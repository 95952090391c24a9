package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

func TestSimPlaceOrderIdempotent(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(100000, CostModel{Slippage: 0.001, FeePerShare: 0.005, FeeMin: 1}, nil)

	req := OrderRequest{
		ClientID: "abc123", Symbol: "XYZ", Side: models.SideBuy,
		Shares: 100, LimitPrice: 95,
	}

	first, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, first.Status)

	// Same client ID, same payload: same result, no double execution.
	second, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	holdings, err := sim.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(100), holdings[0].Shares, "replay must not buy twice")

	// Same client ID, different payload: conflict.
	conflicting := req
	conflicting.Shares = 200
	_, err = sim.PlaceOrder(ctx, conflicting)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestSimBuyCostsAndSell(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(10000, CostModel{Slippage: 0.01, FeePerShare: 0.01, FeeMin: 1}, nil)

	buy, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "b1", Symbol: "XYZ", Side: models.SideBuy, Shares: 50, LimitPrice: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, buy.Status)
	assert.InDelta(t, 101.0, buy.AvgPrice, 1e-9, "buy fills above limit by slippage")

	acct, err := sim.Account(ctx)
	require.NoError(t, err)
	// 10000 - (50*101 + 1) = 4949
	assert.InDelta(t, 4949.0, acct.Cash, 1e-9)

	sell, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "s1", Symbol: "XYZ", Side: models.SideSell, Shares: 50, LimitPrice: 110,
	})
	require.NoError(t, err)
	assert.InDelta(t, 108.9, sell.AvgPrice, 1e-9, "sell fills below limit by slippage")

	holdings, err := sim.Holdings(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestSimRejections(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(1000, CostModel{}, nil)

	res, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "r1", Symbol: "XYZ", Side: models.SideBuy, Shares: 100, LimitPrice: 100,
	})
	require.NoError(t, err, "a rejection is a result, not an error")
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "insufficient funds", res.Reason)

	// Rejected orders replay identically too.
	again, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "r1", Symbol: "XYZ", Side: models.SideBuy, Shares: 100, LimitPrice: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, res, again)

	res, err = sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "r2", Symbol: "XYZ", Side: models.SideSell, Shares: 10, LimitPrice: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "insufficient shares", res.Reason)
}

func TestSimGetOrder(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(100000, CostModel{}, nil)

	_, err := sim.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	placed, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "g1", Symbol: "XYZ", Side: models.SideBuy, Shares: 10, LimitPrice: 50,
	})
	require.NoError(t, err)

	got, err := sim.GetOrder(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, placed, got)
}

func TestSimAccountEquityUsesMarks(t *testing.T) {
	ctx := context.Background()
	price := func(_ context.Context, symbol string) (float64, error) { return 120, nil }
	sim := NewSim(10000, CostModel{}, price)

	_, err := sim.PlaceOrder(ctx, OrderRequest{
		ClientID: "e1", Symbol: "XYZ", Side: models.SideBuy, Shares: 10, LimitPrice: 100,
	})
	require.NoError(t, err)

	acct, err := sim.Account(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9000.0, acct.Cash, 1e-9)
	assert.InDelta(t, 9000.0+10*120, acct.Equity, 1e-9)
}
