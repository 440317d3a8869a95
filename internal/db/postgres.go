package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol    TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	open_time BIGINT NOT NULL,
	open      DOUBLE PRECISION NOT NULL,
	high      DOUBLE PRECISION NOT NULL,
	low       DOUBLE PRECISION NOT NULL,
	close     DOUBLE PRECISION NOT NULL,
	volume    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (symbol, timeframe, open_time)
);
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	side          TEXT NOT NULL,
	entry_price   DOUBLE PRECISION NOT NULL,
	exit_price    DOUBLE PRECISION NOT NULL,
	stop_price    DOUBLE PRECISION NOT NULL,
	target_price  DOUBLE PRECISION NOT NULL,
	quantity      DOUBLE PRECISION NOT NULL,
	opened_at     BIGINT NOT NULL,
	closed_at     BIGINT NOT NULL,
	gross_pnl     DOUBLE PRECISION NOT NULL,
	fee           DOUBLE PRECISION NOT NULL,
	realized_pnl  DOUBLE PRECISION NOT NULL,
	exit_reason   TEXT NOT NULL,
	balance_after DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades (run_id, closed_at);
CREATE TABLE IF NOT EXISTS orders (
	order_id    TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL DEFAULT '',
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	stop_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	filled_qty  DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
	reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
	ts          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	time        BIGINT NOT NULL,
	type        TEXT NOT NULL,
	symbol      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	data        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time);
`

// PostgresSchema is applied by NewPostgres; tests use it to set up scratch
// databases.
func PostgresSchema() string { return postgresSchema }

// NewPostgres connects with lib/pq and creates missing tables.
func NewPostgres(connStr string) (*SQLStore, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return NewPostgresFromDB(conn)
}

// NewPostgresFromDB wraps an open connection and creates missing tables.
func NewPostgresFromDB(conn *sql.DB) (*SQLStore, error) {
	if _, err := conn.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &SQLStore{db: conn, numbered: true}, nil
}
