// Package ingest turns the external parser's flow files into signals. The
// parser drops CSV files into a watch directory; the watcher tails them in
// name order, converts each record to Eastern time, fingerprints it, and
// hands it to the engine. A persisted checkpoint makes restarts resume
// where the last run stopped.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"optionflow/internal/clock"
	"optionflow/internal/models"
	"optionflow/internal/storage"
)

// ErrSkipRecord marks records the engine never acts on: bid-side prints
// and rows missing required fields. They are dropped without persistence.
var ErrSkipRecord = errors.New("ingest: record skipped")

// flow file column layout, as produced by the upstream parser.
const (
	colDate = iota
	colTime
	colSymbol
	colSide
	colContract
	colStrike
	colOptionType
	colExpiry
	colDTE
	colStockPrice
	colPremium
	colSize
	colVolume
	colOI
	colCount
)

// Parser converts one flow record into a Signal.
type Parser struct {
	sourceLoc  *time.Location
	easternLoc *time.Location
}

// NewParser builds a parser for records stamped in sourceZone.
func NewParser(sourceZone string) (*Parser, error) {
	loc, err := time.LoadLocation(sourceZone)
	if err != nil {
		return nil, fmt.Errorf("loading source timezone %q: %w", sourceZone, err)
	}
	return &Parser{sourceLoc: loc, easternLoc: clock.Eastern()}, nil
}

// ParseRecord converts one CSV row. Returns ErrSkipRecord for rows the
// engine ignores (header rows, bid-side prints) and a descriptive error
// for malformed rows.
func (p *Parser) ParseRecord(fields []string, sourceFile string) (*models.Signal, error) {
	if len(fields) < colCount {
		return nil, fmt.Errorf("short record: %d fields", len(fields))
	}
	if fields[colDate] == "date" {
		return nil, ErrSkipRecord // header row
	}

	side := strings.ToUpper(strings.TrimSpace(fields[colSide]))
	switch side {
	case "ASK":
	case "BID":
		// Only ask-side prints indicate aggressive buying.
		return nil, ErrSkipRecord
	default:
		return nil, fmt.Errorf("bad side %q", fields[colSide])
	}

	sourceTime, err := time.ParseInLocation("2006-01-02 15:04:05",
		fields[colDate]+" "+fields[colTime], p.sourceLoc)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(fields[colSymbol]))
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}

	optionType := strings.ToLower(strings.TrimSpace(fields[colOptionType]))
	if optionType != "call" && optionType != "put" {
		return nil, fmt.Errorf("bad option type %q", fields[colOptionType])
	}

	strike, err := parseFloat(fields[colStrike], "strike_price")
	if err != nil {
		return nil, err
	}
	stockPrice, err := parseFloat(fields[colStockPrice], "stock_price")
	if err != nil {
		return nil, err
	}
	premium, err := parseFloat(fields[colPremium], "premium")
	if err != nil {
		return nil, err
	}
	if premium <= 0 {
		return nil, fmt.Errorf("non-positive premium %v", premium)
	}

	dte, err := strconv.Atoi(strings.TrimSpace(fields[colDTE]))
	if err != nil {
		return nil, fmt.Errorf("bad dte %q: %w", fields[colDTE], err)
	}

	expiry, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(fields[colExpiry]), p.easternLoc)
	if err != nil {
		return nil, fmt.Errorf("bad expiry_date %q: %w", fields[colExpiry], err)
	}

	// Size and premium together give the per-contract price the sweep
	// paid; that is the ask we store for the strike exit's estimate.
	var ask float64
	if size, err := parseFloat(fields[colSize], "size"); err == nil && size > 0 {
		ask = premium / (size * 100)
	}

	eastern := sourceTime.In(p.easternLoc)
	contract := strings.TrimSpace(fields[colContract])

	return &models.Signal{
		ID:          models.SignalFingerprint(symbol, eastern, premium, ask, contract),
		Symbol:      symbol,
		PremiumUSD:  premium,
		Ask:         ask,
		ContractID:  contract,
		Strike:      strike,
		OptionType:  optionType,
		Expiry:      expiry,
		DTE:         dte,
		StockPrice:  stockPrice,
		SourceTime:  sourceTime,
		EasternTime: eastern,
		SourceFile:  sourceFile,
	}, nil
}

func parseFloat(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", field, s, err)
	}
	return v, nil
}

// Watcher tails the watch directory and emits parsed signals. Files are
// processed in name order; the upstream parser names them so that order is
// chronological.
type Watcher struct {
	dir      string
	parser   *Parser
	store    storage.Store
	logger   *log.Logger
	interval time.Duration
}

// NewWatcher builds a watcher over dir.
func NewWatcher(dir string, parser *Parser, store storage.Store, logger *log.Logger, interval time.Duration) *Watcher {
	return &Watcher{dir: dir, parser: parser, store: store, logger: logger, interval: interval}
}

// Run polls the directory until ctx is done, emitting every new signal.
// Progress is checkpointed after each file section so a restart never
// re-emits records already handed to the engine. (Re-emitting would be
// harmless — signal IDs are idempotent — but wasteful.)
func (w *Watcher) Run(ctx context.Context, emit func(*models.Signal)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.sweep(ctx, emit); err != nil {
			w.logger.Printf("Ingest sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce processes everything currently past the checkpoint and returns,
// used by backtests to load a directory in one pass.
func (w *Watcher) SweepOnce(ctx context.Context, emit func(*models.Signal)) error {
	return w.sweep(ctx, emit)
}

// sweep processes all file content past the checkpoint.
func (w *Watcher) sweep(ctx context.Context, emit func(*models.Signal)) error {
	cp, err := w.store.LoadCheckpoint(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		cp = &models.Checkpoint{}
	} else if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading watch dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		if e.Name() < cp.LastFile {
			continue // fully processed in an earlier sweep
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	for _, name := range files {
		offset := int64(0)
		if name == cp.LastFile {
			offset = cp.LastOffset
		}
		newOffset, err := w.tailFile(ctx, name, offset, emit)
		if err != nil {
			return err
		}
		if newOffset != offset || name != cp.LastFile {
			cp.LastFile = name
			cp.LastOffset = newOffset
			cp.UpdatedAt = time.Now()
			if err := w.store.SaveCheckpoint(ctx, cp); err != nil {
				return fmt.Errorf("saving checkpoint: %w", err)
			}
		}
	}
	return nil
}

// tailFile emits complete lines past offset and returns the new offset.
// A partial trailing line (a write in progress) is left for the next sweep.
func (w *Watcher) tailFile(ctx context.Context, name string, offset int64, emit func(*models.Signal)) (int64, error) {
	path := filepath.Join(w.dir, name)
	f, err := os.Open(path) // #nosec G304 -- path is inside the configured watch dir
	if err != nil {
		return offset, fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seeking %s: %w", name, err)
	}

	reader := bufio.NewReader(f)
	for {
		if ctx.Err() != nil {
			return offset, ctx.Err()
		}
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("reading %s: %w", name, err)
		}
		offset += int64(len(line))

		fields, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil {
			w.logger.Printf("Dropping malformed row in %s: %v", name, err)
			continue
		}
		sig, err := w.parser.ParseRecord(fields, name)
		if errors.Is(err, ErrSkipRecord) {
			continue
		}
		if err != nil {
			w.logger.Printf("Dropping bad record in %s: %v", name, err)
			continue
		}
		emit(sig)
	}
}
