package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"optionflow/internal/ids"
	"optionflow/internal/models"
)

// timeLayout keeps sub-minute precision and the zone offset so restored
// times compare correctly across DST boundaries.
const timeLayout = time.RFC3339Nano

// SQLiteStore is the production Store backed by a single SQLite file.
// WAL mode lets the monitor read while the signal worker writes;
// _txlock=immediate makes every write transaction take the write lock up
// front, so capacity reservations serialize instead of failing on upgrade.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between our own
	// goroutines; reads still run concurrently under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v)
}

// --- signals ---

func (s *SQLiteStore) InsertSignalIfNew(ctx context.Context, sig *models.Signal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals
		(signal_id, symbol, date_eastern, time_eastern, premium_usd, ask, contract_id,
		 strike, option_type, expiry_date, dte, stock_price, source_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Symbol, sig.EasternTime.Format("2006-01-02"), fmtTime(sig.EasternTime),
		sig.PremiumUSD, sig.Ask, sig.ContractID, sig.Strike, sig.OptionType,
		fmtTime(sig.Expiry), sig.DTE, sig.StockPrice, sig.SourceFile, fmtTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("inserting signal %s: %w", sig.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) MarkSignalOutcome(ctx context.Context, signalID, outcome string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET outcome = ? WHERE signal_id = ?`, outcome, signalID)
	if err != nil {
		return fmt.Errorf("marking signal %s: %w", signalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SignalExists(ctx context.Context, signalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM signals WHERE signal_id = ?`, signalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) HistoricalPremiums(ctx context.Context, symbol, fromDate, toDate string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT premium_usd FROM signals
		WHERE symbol = ? AND date_eastern >= ? AND date_eastern <= ?
		ORDER BY time_eastern`,
		symbol, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("querying historical premiums for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- orders ---

func (s *SQLiteStore) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		(client_id, symbol, side, shares, limit_price, status, filled_shares,
		 avg_price, broker_id, reason, created_eastern, updated_eastern)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientID, o.Symbol, string(o.Side), o.Shares, o.LimitPrice, string(o.Status),
		o.FilledShares, o.AvgPrice, o.BrokerID, o.Reason,
		fmtTime(o.CreatedEastern), fmtTime(o.UpdatedEastern),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ClientID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrder(ctx context.Context, clientID string, status models.OrderStatus,
	filledShares int64, avgPrice float64, brokerID, reason string, at time.Time) error {

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_shares = ?, avg_price = ?,
		    broker_id = CASE WHEN ? != '' THEN ? ELSE broker_id END,
		    reason = CASE WHEN ? != '' THEN ? ELSE reason END,
		    updated_eastern = ?
		WHERE client_id = ? AND status NOT IN ('FILLED', 'REJECTED', 'CANCELLED')`,
		string(status), filledShares, avgPrice,
		brokerID, brokerID, reason, reason, fmtTime(at), clientID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", clientID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the order is unknown or already terminal.
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM orders WHERE client_id = ?`, clientID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrTerminalOrder
	}
	return nil
}

const orderColumns = `client_id, symbol, side, shares, limit_price, status,
	filled_shares, avg_price, broker_id, reason, created_eastern, updated_eastern`

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var side, status, created, updated string
	if err := row.Scan(&o.ClientID, &o.Symbol, &side, &o.Shares, &o.LimitPrice,
		&status, &o.FilledShares, &o.AvgPrice, &o.BrokerID, &o.Reason,
		&created, &updated); err != nil {
		return nil, err
	}
	o.Side = models.OrderSide(side)
	o.Status = models.OrderStatus(status)
	var err error
	if o.CreatedEastern, err = parseTime(created); err != nil {
		return nil, err
	}
	if o.UpdatedEastern, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, clientID string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_id = ?`, clientID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *SQLiteStore) OpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('FILLED', 'REJECTED', 'CANCELLED')
		ORDER BY created_eastern`)
	if err != nil {
		return nil, fmt.Errorf("querying open orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingSellExists(ctx context.Context, symbol string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM orders
		WHERE symbol = ? AND side = 'SELL'
		  AND status NOT IN ('FILLED', 'REJECTED', 'CANCELLED')
		LIMIT 1`, symbol).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// --- positions ---

const positionColumns = `position_id, open_order_client_id, signal_id, symbol, shares,
	cost_price, fees_paid, open_eastern, scheduled_exit_eastern, high_water_price,
	last_checked_eastern, strike, option_ask, status, close_reason, close_price, close_eastern`

func scanPosition(row interface{ Scan(...any) error }) (*models.Position, error) {
	var p models.Position
	var open, sched, lastChecked, status, reason, closed string
	if err := row.Scan(&p.ID, &p.OpenOrderID, &p.SignalID, &p.Symbol, &p.Shares,
		&p.CostPrice, &p.FeesPaid, &open, &sched, &p.HighWaterPrice,
		&lastChecked, &p.Strike, &p.OptionAsk, &status, &reason, &p.ClosePrice,
		&closed); err != nil {
		return nil, err
	}
	p.Status = models.PositionStatus(status)
	p.CloseReason = models.ExitReason(reason)
	var err error
	if p.OpenEastern, err = parseTime(open); err != nil {
		return nil, err
	}
	if p.ScheduledExitEastern, err = parseTime(sched); err != nil {
		return nil, err
	}
	if p.LastCheckedEastern, err = parseTime(lastChecked); err != nil {
		return nil, err
	}
	if p.CloseEastern, err = parseTime(closed); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) InsertPosition(ctx context.Context, p *models.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
		(position_id, open_order_client_id, signal_id, symbol, shares, cost_price,
		 fees_paid, open_eastern, scheduled_exit_eastern, high_water_price,
		 last_checked_eastern, strike, option_ask, status, close_reason, close_price, close_eastern)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OpenOrderID, p.SignalID, p.Symbol, p.Shares, p.CostPrice,
		p.FeesPaid, fmtTime(p.OpenEastern), fmtTime(p.ScheduledExitEastern),
		p.HighWaterPrice, fmtTime(p.LastCheckedEastern), p.Strike, p.OptionAsk,
		string(p.Status), string(p.CloseReason), p.ClosePrice, fmtTime(p.CloseEastern),
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateOpenPosition
		}
		return fmt.Errorf("inserting position %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status = 'OPEN' ORDER BY position_id`)
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM positions WHERE symbol = ? AND status = 'OPEN'`, symbol).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) ClosePosition(ctx context.Context, positionID string, reason models.ExitReason,
	price float64, at time.Time) error {

	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSED', close_reason = ?, close_price = ?, close_eastern = ?
		WHERE position_id = ? AND status = 'OPEN'`,
		string(reason), price, fmtTime(at), positionID,
	)
	if err != nil {
		return fmt.Errorf("closing position %s: %w", positionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateHighWater(ctx context.Context, positionID string, price float64) error {
	// MAX keeps the mark monotone even under a concurrent lower write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET high_water_price = MAX(high_water_price, ?)
		WHERE position_id = ? AND status = 'OPEN'`,
		price, positionID,
	)
	if err != nil {
		return fmt.Errorf("updating high water for %s: %w", positionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetLastChecked(ctx context.Context, positionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET last_checked_eastern = ?
		WHERE position_id = ? AND status = 'OPEN'`,
		fmtTime(at), positionID,
	)
	if err != nil {
		return fmt.Errorf("setting last checked for %s: %w", positionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetPositionShares(ctx context.Context, positionID string, shares int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET shares = ?
		WHERE position_id = ? AND status = 'OPEN'`,
		shares, positionID,
	)
	if err != nil {
		return fmt.Errorf("setting shares for %s: %w", positionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- blacklist ---

func (s *SQLiteStore) UpsertBlacklist(ctx context.Context, symbol string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (symbol, valid_until_eastern) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			valid_until_eastern = MAX(valid_until_eastern, excluded.valid_until_eastern)`,
		symbol, fmtTime(until),
	)
	if err != nil {
		return fmt.Errorf("blacklisting %s: %w", symbol, err)
	}
	return nil
}

func (s *SQLiteStore) IsBlacklisted(ctx context.Context, symbol string, at time.Time) (bool, error) {
	var until string
	err := s.db.QueryRowContext(ctx,
		`SELECT valid_until_eastern FROM blacklist WHERE symbol = ?`, symbol).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t, err := parseTime(until)
	if err != nil {
		return false, err
	}
	return at.Before(t), nil
}

// --- daily capacity ---

func (s *SQLiteStore) ReserveCapacity(ctx context.Context, dateEastern string, ratio float64,
	limits CapacityLimits) (*models.Reservation, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reservation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Held reservations count toward both limits at admission time, so a
	// concurrent or crash-leftover hold cannot let an extra trade through.
	var tradeCount int
	var grossRatio float64
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('COMMITTED', 'HELD') THEN 1 END),
			COALESCE(SUM(CASE WHEN status IN ('COMMITTED', 'HELD') THEN ratio END), 0)
		FROM reservations WHERE date_eastern = ?`, dateEastern).
		Scan(&tradeCount, &grossRatio)
	if err != nil {
		return nil, fmt.Errorf("reading daily usage: %w", err)
	}

	if tradeCount >= limits.MaxTradesPerDay {
		return nil, fmt.Errorf("%w: %d trades on %s", ErrCapacityExhausted, tradeCount, dateEastern)
	}
	if grossRatio+ratio > limits.DailyGrossCap {
		return nil, fmt.Errorf("%w: %.4f + %.4f exceeds cap %.4f",
			ErrCapacityExhausted, grossRatio, ratio, limits.DailyGrossCap)
	}

	r := &models.Reservation{
		ID:             ids.NewUUID(),
		DateEastern:    dateEastern,
		Ratio:          ratio,
		Status:         models.ReservationHeld,
		CreatedEastern: time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, date_eastern, ratio, status, created_eastern)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.DateEastern, r.Ratio, string(r.Status), fmtTime(r.CreatedEastern),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reservation: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) setReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = ? WHERE reservation_id = ? AND status = 'HELD'`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("updating reservation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CommitReservation(ctx context.Context, reservationID string) error {
	return s.setReservationStatus(ctx, reservationID, models.ReservationCommitted)
}

func (s *SQLiteStore) RollbackReservation(ctx context.Context, reservationID string) error {
	return s.setReservationStatus(ctx, reservationID, models.ReservationRolledBack)
}

func (s *SQLiteStore) DailyUsage(ctx context.Context, dateEastern string) (*models.DailyUsage, error) {
	var u models.DailyUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'COMMITTED' THEN 1 END),
			COALESCE(SUM(CASE WHEN status IN ('COMMITTED', 'HELD') THEN ratio END), 0)
		FROM reservations WHERE date_eastern = ?`, dateEastern).
		Scan(&u.TradeCount, &u.GrossRatio)
	if err != nil {
		return nil, fmt.Errorf("reading daily usage: %w", err)
	}
	return &u, nil
}

// --- checkpoint ---

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, last_file, last_offset, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_file = excluded.last_file,
			last_offset = excluded.last_offset,
			updated_at = excluded.updated_at`,
		cp.LastFile, cp.LastOffset, fmtTime(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_file, last_offset, updated_at FROM checkpoints WHERE id = 1`).
		Scan(&cp.LastFile, &cp.LastOffset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cp.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &cp, nil
}

// --- reconciliation ---

func (s *SQLiteStore) SaveReconciliation(ctx context.Context, r *models.ReconciliationReport) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reconciliation report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliations (date_eastern, created_eastern, report_json)
		VALUES (?, ?, ?)`,
		r.DateEastern, fmtTime(r.CreatedEastern), string(blob),
	)
	if err != nil {
		return fmt.Errorf("saving reconciliation report: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReconciliationHistory(ctx context.Context, limit int) ([]models.ReconciliationReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_json FROM reconciliations
		ORDER BY created_eastern DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reconciliation history: %w", err)
	}
	defer rows.Close()

	var out []models.ReconciliationReport
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r models.ReconciliationReport
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("decoding reconciliation report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
