package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/journal"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
)

type storedTrade struct {
	runID string
	trade position.Trade
	seq   int
}

// MemoryStorage keeps everything in process memory. It backs tests and
// runs that need no persistence.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candles keyed by symbol|timeframe, then open time in ms
	candles map[string]map[int64]candle.Candle

	trades map[string]storedTrade
	seq    int

	// Orders by orderID
	orders map[string]order.Response

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]map[int64]candle.Candle),
		trades:  make(map[string]storedTrade),
		orders:  make(map[string]order.Response),
		events:  make([]journal.Event, 0, 1024),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func seriesKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + timeframe
}

func (m *MemoryStorage) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, c.Symbol, c.Timeframe, c.OpenTime, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		key := seriesKey(c.Symbol, c.Timeframe)
		if m.candles[key] == nil {
			m.candles[key] = make(map[int64]candle.Candle)
		}
		m.candles[key][c.OpenTime.UnixMilli()] = c
	}
	return nil
}

func (m *MemoryStorage) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []candle.Candle
	for _, c := range m.candles[seriesKey(symbol, timeframe)] {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (m *MemoryStorage) SaveTrade(ctx context.Context, runID string, t position.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[t.ID]; ok {
		return nil
	}
	m.seq++
	m.trades[t.ID] = storedTrade{runID: runID, trade: t, seq: m.seq}
	return nil
}

func (m *MemoryStorage) GetTrades(ctx context.Context, f TradeFilter) ([]position.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []storedTrade
	for _, st := range m.trades {
		t := st.trade
		switch {
		case f.RunID != "" && st.runID != f.RunID,
			f.Symbol != "" && t.Symbol != f.Symbol,
			f.Strategy != "" && t.Strategy != f.Strategy,
			!f.From.IsZero() && t.ClosedAt.Before(f.From),
			!f.To.IsZero() && !t.ClosedAt.Before(f.To):
			continue
		}
		rows = append(rows, st)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].trade.ClosedAt.Equal(rows[j].trade.ClosedAt) {
			return rows[i].trade.ClosedAt.Before(rows[j].trade.ClosedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]position.Trade, len(rows))
	for i, st := range rows {
		out[i] = st.trade
	}
	return out, nil
}

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]order.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Response
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Timestamp.Before(start) && o.Timestamp.Before(end) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}
