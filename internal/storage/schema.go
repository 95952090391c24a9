package storage

// Schema creates every engine table. All statements are idempotent so
// startup can apply it unconditionally.
//
// Timestamps are stored as RFC3339 text in Eastern time; calendar dates as
// YYYY-MM-DD text. The partial unique index on positions enforces at most
// one open position per symbol at the database level.
const Schema = `
CREATE TABLE IF NOT EXISTS signals (
	signal_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	date_eastern TEXT NOT NULL,
	time_eastern TEXT NOT NULL,
	premium_usd REAL NOT NULL,
	ask REAL NOT NULL,
	contract_id TEXT NOT NULL,
	strike REAL NOT NULL,
	option_type TEXT NOT NULL,
	expiry_date TEXT NOT NULL,
	dte INTEGER NOT NULL,
	stock_price REAL NOT NULL,
	source_file TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_symbol_date ON signals(symbol, date_eastern);

CREATE TABLE IF NOT EXISTS orders (
	client_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	shares INTEGER NOT NULL,
	limit_price REAL NOT NULL,
	status TEXT NOT NULL,
	filled_shares INTEGER NOT NULL DEFAULT 0,
	avg_price REAL NOT NULL DEFAULT 0,
	broker_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_eastern TEXT NOT NULL,
	updated_eastern TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	open_order_client_id TEXT NOT NULL,
	signal_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	shares INTEGER NOT NULL,
	cost_price REAL NOT NULL,
	fees_paid REAL NOT NULL DEFAULT 0,
	open_eastern TEXT NOT NULL,
	scheduled_exit_eastern TEXT NOT NULL,
	high_water_price REAL NOT NULL,
	last_checked_eastern TEXT NOT NULL DEFAULT '',
	strike REAL NOT NULL DEFAULT 0,
	option_ask REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	close_reason TEXT NOT NULL DEFAULT '',
	close_price REAL NOT NULL DEFAULT 0,
	close_eastern TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol
	ON positions(symbol) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS blacklist (
	symbol TEXT PRIMARY KEY,
	valid_until_eastern TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	reservation_id TEXT PRIMARY KEY,
	date_eastern TEXT NOT NULL,
	ratio REAL NOT NULL,
	status TEXT NOT NULL,
	created_eastern TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_date ON reservations(date_eastern, status);

CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_file TEXT NOT NULL,
	last_offset INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliations (
	date_eastern TEXT NOT NULL,
	created_eastern TEXT NOT NULL,
	report_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconciliations_date ON reconciliations(date_eastern);
`
