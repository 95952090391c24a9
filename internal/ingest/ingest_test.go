package ingest

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
	"optionflow/internal/storage"
)

const flowHeader = "date,time,underlying_symbol,side,contract,strike_price,option_type,expiry_date,dte,stock_price,premium,size,volume,oi\n"

func testParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser("America/Chicago")
	require.NoError(t, err)
	return p
}

func TestParseRecord(t *testing.T) {
	p := testParser(t)

	fields := []string{
		"2024-06-03", "13:41:10", "xyz", "ASK", "XYZ240621C00110000",
		"110", "call", "2024-06-21", "14", "100.5", "250000", "500", "1200", "3400",
	}
	sig, err := p.ParseRecord(fields, "flow_20240603.csv")
	require.NoError(t, err)

	assert.Equal(t, "XYZ", sig.Symbol)
	assert.Equal(t, 250000.0, sig.PremiumUSD)
	assert.Equal(t, 110.0, sig.Strike)
	assert.Equal(t, "call", sig.OptionType)
	assert.Equal(t, 14, sig.DTE)
	assert.Equal(t, 100.5, sig.StockPrice)
	assert.InDelta(t, 5.0, sig.Ask, 1e-9, "premium / (size * 100)")
	assert.Equal(t, "flow_20240603.csv", sig.SourceFile)
	assert.Len(t, sig.ID, 16)

	// 13:41 Central is 14:41 Eastern.
	assert.Equal(t, "14:41:10", sig.EasternTime.Format("15:04:05"))
	assert.Equal(t, "2024-06-03", sig.EasternTime.Format("2006-01-02"))
}

func TestParseRecordDeterministicID(t *testing.T) {
	p := testParser(t)
	fields := []string{
		"2024-06-03", "13:41:10", "XYZ", "ASK", "XYZ240621C00110000",
		"110", "call", "2024-06-21", "14", "100.5", "250000", "500", "1200", "3400",
	}
	a, err := p.ParseRecord(fields, "flow_a.csv")
	require.NoError(t, err)
	b, err := p.ParseRecord(fields, "flow_b.csv")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "the same record in different files is the same signal")
}

func TestParseRecordSkipsAndErrors(t *testing.T) {
	p := testParser(t)
	base := []string{
		"2024-06-03", "13:41:10", "XYZ", "ASK", "c",
		"110", "call", "2024-06-21", "14", "100.5", "250000", "500", "1200", "3400",
	}

	header := append([]string{}, base...)
	header[colDate] = "date"
	_, err := p.ParseRecord(header, "f")
	assert.ErrorIs(t, err, ErrSkipRecord)

	bid := append([]string{}, base...)
	bid[colSide] = "BID"
	_, err = p.ParseRecord(bid, "f")
	assert.ErrorIs(t, err, ErrSkipRecord)

	for _, tc := range []struct {
		col int
		val string
	}{
		{colSide, "MID"},
		{colTime, "25:00:00"},
		{colOptionType, "straddle"},
		{colPremium, "-5"},
		{colStrike, "abc"},
		{colDTE, "two"},
		{colExpiry, "June 21"},
	} {
		bad := append([]string{}, base...)
		bad[tc.col] = tc.val
		_, err := p.ParseRecord(bad, "f")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSkipRecord)
	}

	_, err = p.ParseRecord(base[:5], "f")
	assert.Error(t, err, "short record")
}

func TestWatcherSweepAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMock()
	w := NewWatcher(dir, testParser(t), store, log.New(io.Discard, "", 0), time.Second)
	ctx := context.Background()

	row := func(symbol, clock, premium string) string {
		return "2024-06-03," + clock + "," + symbol + ",ASK,c,110,call,2024-06-21,14,100.5," + premium + ",500,1200,3400\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow_001.csv"),
		[]byte(flowHeader+row("AAA", "13:41:10", "250000")+row("BBB", "13:42:10", "300000")), 0o644))

	var got []*models.Signal
	emit := func(s *models.Signal) { got = append(got, s) }

	require.NoError(t, w.sweep(ctx, emit))
	require.Len(t, got, 2)
	assert.Equal(t, "AAA", got[0].Symbol)
	assert.Equal(t, "BBB", got[1].Symbol)

	// A second sweep with no new data emits nothing.
	require.NoError(t, w.sweep(ctx, emit))
	assert.Len(t, got, 2)

	// Append to the same file: only the new row is emitted.
	f, err := os.OpenFile(filepath.Join(dir, "flow_001.csv"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(row("CCC", "13:50:00", "400000"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.sweep(ctx, emit))
	require.Len(t, got, 3)
	assert.Equal(t, "CCC", got[2].Symbol)

	// A later file is picked up in order.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow_002.csv"),
		[]byte(flowHeader+row("DDD", "14:00:00", "150000")), 0o644))
	require.NoError(t, w.sweep(ctx, emit))
	require.Len(t, got, 4)
	assert.Equal(t, "DDD", got[3].Symbol)

	cp, err := store.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "flow_002.csv", cp.LastFile)
	assert.Positive(t, cp.LastOffset)
}

func TestWatcherResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMock()
	ctx := context.Background()

	row := "2024-06-03,13:41:10,AAA,ASK,c,110,call,2024-06-21,14,100.5,250000,500,1200,3400\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow_001.csv"),
		[]byte(flowHeader+row), 0o644))

	w := NewWatcher(dir, testParser(t), store, log.New(io.Discard, "", 0), time.Second)
	count := 0
	require.NoError(t, w.sweep(ctx, func(*models.Signal) { count++ }))
	require.Equal(t, 1, count)

	// A fresh watcher over the same store sees the checkpoint and re-emits
	// nothing.
	w2 := NewWatcher(dir, testParser(t), store, log.New(io.Discard, "", 0), time.Second)
	require.NoError(t, w2.sweep(ctx, func(*models.Signal) { count++ }))
	assert.Equal(t, 1, count)
}

func TestWatcherLeavesPartialLine(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMock()
	ctx := context.Background()

	// No trailing newline: the row is still being written.
	partial := "2024-06-03,13:41:10,AAA,ASK,c,110,call,2024-06-21,14,100.5,250000,500"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow_001.csv"),
		[]byte(flowHeader+partial), 0o644))

	w := NewWatcher(dir, testParser(t), store, log.New(io.Discard, "", 0), time.Second)
	count := 0
	require.NoError(t, w.sweep(ctx, func(*models.Signal) { count++ }))
	assert.Zero(t, count)

	// Completing the line delivers it on the next sweep.
	f, err := os.OpenFile(filepath.Join(dir, "flow_001.csv"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(",1200,3400\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.sweep(ctx, func(*models.Signal) { count++ }))
	assert.Equal(t, 1, count)
}
