// Package order
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/leverage-trader/internal/strategy"
)

// Order sides as exchanges spell them.
const (
	Buy  = "BUY"
	Sell = "SELL"
)

// Order types used by the execution loop.
const (
	Market           = "MARKET"
	StopMarket       = "STOP_MARKET"
	TakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Statuses reported back by exchanges.
const (
	StatusNew      = "NEW"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusRejected = "REJECTED"
)

// Request represents a new order to be submitted.
type Request struct {
	ClientID   string  `json:"client_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity"`
	StopPrice  float64 `json:"stop_price,omitempty"`
	ReduceOnly bool    `json:"reduce_only"`
}

// Validate rejects requests no exchange would accept.
func (r Request) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order: empty symbol")
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("order: invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order: quantity must be positive, got %.8f", r.Quantity)
	}
	switch r.Type {
	case Market:
	case StopMarket, TakeProfitMarket:
		if r.StopPrice <= 0 {
			return fmt.Errorf("order: %s needs a stop price", r.Type)
		}
	default:
		return fmt.Errorf("order: unsupported type %q", r.Type)
	}
	return nil
}

// Response represents the response from the exchange.
type Response struct {
	OrderID    string    `json:"order_id"`
	ClientID   string    `json:"client_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Quantity   float64   `json:"quantity"`
	StopPrice  float64   `json:"stop_price,omitempty"`
	FilledQty  float64   `json:"filled_qty"`
	AvgPrice   float64   `json:"avg_price"`
	ReduceOnly bool      `json:"reduce_only"`
	Timestamp  time.Time `json:"timestamp"`
}

// Manager persists order responses.
type Manager interface {
	SaveOrder(ctx context.Context, o Response) error
	GetOrders(ctx context.Context, symbol string, start, end time.Time) ([]Response, error)
}

// EntrySide is the order side that opens a position.
func EntrySide(s strategy.Side) string {
	if s == strategy.Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that closes a position.
func ExitSide(s strategy.Side) string {
	return EntrySide(s.Opposite())
}

// PositionSide maps an order side back to the position it opens.
func PositionSide(side string) strategy.Side {
	if side == Sell {
		return strategy.Short
	}
	return strategy.Long
}
