// Package db persists candles, closed trades, orders and journal events.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// CandleStore reads and writes candle history.
type CandleStore interface {
	SaveCandles(ctx context.Context, candles []candle.Candle) error
	// GetCandles returns candles with start <= open time < end, oldest first.
	GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
}

// TradeFilter narrows GetTrades. Zero fields match everything.
type TradeFilter struct {
	RunID    string
	Symbol   string
	Strategy string
	From     time.Time
	To       time.Time
}

// TradeStore keeps closed trades so summaries can be rebuilt later.
type TradeStore interface {
	SaveTrade(ctx context.Context, runID string, t position.Trade) error
	// GetTrades returns matching trades ordered by close time.
	GetTrades(ctx context.Context, f TradeFilter) ([]position.Trade, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	CandleStore
	TradeStore
	order.Manager
	journal.Journaler
	Close() error
}

// Open connects the configured backend. dsn is a connection string for
// postgres and a file path for sqlite; memory ignores it.
func Open(driver, dsn string) (Storage, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgres(dsn)
	case DriverSQLite:
		return NewSQLite(dsn)
	case DriverMemory, "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
