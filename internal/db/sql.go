package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/strategy"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// SQLStore implements Storage over database/sql. Queries are written with
// '?' placeholders and rebound for the dialect. Times are stored as Unix
// milliseconds so both backends agree on ordering and precision.
type SQLStore struct {
	db       *sql.DB
	numbered bool
}

func (s *SQLStore) GetDB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind turns '?' placeholders into $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// executeWithTransaction executes fn in the context's transaction, or in a
// new one that is committed on success and rolled back on error.
func (s *SQLStore) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (s *SQLStore) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = s.rebind(query)
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// SaveCandles upserts candles keyed by symbol, timeframe and open time.
func (s *SQLStore) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, c.Symbol, c.Timeframe, c.OpenTime, err)
		}
	}

	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO candles (symbol, timeframe, open_time, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
				close=EXCLUDED.close, volume=EXCLUDED.volume`))
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		for i, c := range candles {
			if _, err := stmt.ExecContext(ctx, c.Symbol, c.Timeframe, ms(c.OpenTime),
				c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return fmt.Errorf("failed to save candle at index %d (%s %s at %s): %w",
					i, c.Symbol, c.Timeframe, c.OpenTime, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	rows, err := s.queryWithTransaction(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM candles
		WHERE symbol=? AND timeframe=? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`,
		symbol, timeframe, ms(start), ms(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query candles in range: %w", err)
	}
	defer rows.Close()

	var candles []candle.Candle
	for rows.Next() {
		c := candle.Candle{Symbol: symbol, Timeframe: timeframe}
		var openTime int64
		if err := rows.Scan(&openTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.OpenTime = fromMs(openTime)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}

func (s *SQLStore) SaveTrade(ctx context.Context, runID string, t position.Trade) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO trades (id, run_id, symbol, strategy, side, entry_price, exit_price,
				stop_price, target_price, quantity, opened_at, closed_at, gross_pnl, fee,
				realized_pnl, exit_reason, balance_after)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			t.ID, runID, t.Symbol, t.Strategy, t.Side.String(), t.Entry, t.Exit,
			t.Stop, t.Target, t.Quantity, ms(t.OpenedAt), ms(t.ClosedAt), t.GrossPnL, t.Fee,
			t.PnL, string(t.ExitReason), t.BalanceAfter)
		if err != nil {
			return fmt.Errorf("failed to save trade %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) GetTrades(ctx context.Context, f TradeFilter) ([]position.Trade, error) {
	query := `
		SELECT id, symbol, strategy, side, entry_price, exit_price, stop_price, target_price,
			quantity, opened_at, closed_at, gross_pnl, fee, realized_pnl, exit_reason, balance_after
		FROM trades WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += " AND run_id=?"
		args = append(args, f.RunID)
	}
	if f.Symbol != "" {
		query += " AND symbol=?"
		args = append(args, f.Symbol)
	}
	if f.Strategy != "" {
		query += " AND strategy=?"
		args = append(args, f.Strategy)
	}
	if !f.From.IsZero() {
		query += " AND closed_at >= ?"
		args = append(args, ms(f.From))
	}
	if !f.To.IsZero() {
		query += " AND closed_at < ?"
		args = append(args, ms(f.To))
	}
	query += " ORDER BY closed_at ASC, id ASC"

	rows, err := s.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []position.Trade
	for rows.Next() {
		var (
			t                position.Trade
			side, reason     string
			opened, closedAt int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Strategy, &side, &t.Entry, &t.Exit, &t.Stop, &t.Target,
			&t.Quantity, &opened, &closedAt, &t.GrossPnL, &t.Fee, &t.PnL, &reason, &t.BalanceAfter); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.Side, err = strategy.ParseSide(side); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		t.ExitReason = position.ExitReason(reason)
		t.OpenedAt, t.ClosedAt = fromMs(opened), fromMs(closedAt)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

func (s *SQLStore) SaveOrder(ctx context.Context, o order.Response) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO orders (order_id, client_id, symbol, side, type, status, quantity,
				stop_price, filled_qty, avg_price, reduce_only, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_id) DO UPDATE SET
				status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, avg_price=EXCLUDED.avg_price`),
			o.OrderID, o.ClientID, o.Symbol, o.Side, o.Type, o.Status, o.Quantity,
			o.StopPrice, o.FilledQty, o.AvgPrice, o.ReduceOnly, ms(o.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.OrderID, err)
		}
		return nil
	})
}

func (s *SQLStore) GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]order.Response, error) {
	rows, err := s.queryWithTransaction(ctx, `
		SELECT order_id, client_id, symbol, side, type, status, quantity, stop_price,
			filled_qty, avg_price, reduce_only, ts
		FROM orders WHERE symbol=? AND ts >= ? AND ts < ? ORDER BY ts ASC`,
		symbol, ms(start), ms(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []order.Response
	for rows.Next() {
		var o order.Response
		var ts int64
		if err := rows.Scan(&o.OrderID, &o.ClientID, &o.Symbol, &o.Side, &o.Type, &o.Status, &o.Quantity,
			&o.StopPrice, &o.FilledQty, &o.AvgPrice, &o.ReduceOnly, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Timestamp = fromMs(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLStore) LogEvent(ctx context.Context, event journal.Event) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO events (time, type, symbol, description, data) VALUES (?,?,?,?,?)`),
			ms(event.Time), event.Type, event.Symbol, event.Description, string(data))
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := s.queryWithTransaction(ctx,
		`SELECT time, type, symbol, description, data FROM events WHERE type=? AND time >= ? AND time <= ? ORDER BY time ASC, id ASC`,
		eventType, ms(start), ms(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var at int64
		var data string
		if err := rows.Scan(&at, &e.Type, &e.Symbol, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = fromMs(at)
		events = append(events, e)
	}
	return events, rows.Err()
}
