package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol    TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	open_time INTEGER NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	PRIMARY KEY (symbol, timeframe, open_time)
);
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	side          TEXT NOT NULL,
	entry_price   REAL NOT NULL,
	exit_price    REAL NOT NULL,
	stop_price    REAL NOT NULL,
	target_price  REAL NOT NULL,
	quantity      REAL NOT NULL,
	opened_at     INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL,
	gross_pnl     REAL NOT NULL,
	fee           REAL NOT NULL,
	realized_pnl  REAL NOT NULL,
	exit_reason   TEXT NOT NULL,
	balance_after REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades (run_id, closed_at);
CREATE TABLE IF NOT EXISTS orders (
	order_id    TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL DEFAULT '',
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	quantity    REAL NOT NULL,
	stop_price  REAL NOT NULL DEFAULT 0,
	filled_qty  REAL NOT NULL DEFAULT 0,
	avg_price   REAL NOT NULL DEFAULT 0,
	reduce_only BOOLEAN NOT NULL DEFAULT 0,
	ts          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	time        INTEGER NOT NULL,
	type        TEXT NOT NULL,
	symbol      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	data        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time);
`

// NewSQLite opens (or creates) a local journal database in WAL mode.
func NewSQLite(path string) (*SQLStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLStore{db: conn}, nil
}
