// Package position owns the single open position of an account and moves it
// FLAT -> OPEN -> FLAT.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/strategy"
)

var (
	ErrAlreadyOpen = errors.New("position already open")
	ErrNotOpen     = errors.New("no open position")
)

// ExitReason records why a position closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "SL"
	ExitTakeProfit ExitReason = "TP"
	// ExitSignal is a strategy-specific discretionary exit.
	ExitSignal ExitReason = "SIGNAL"
	// ExitExchange is a close observed on the exchange during reconciliation.
	ExitExchange ExitReason = "EXCHANGE"
)

// Position is the open trade. Quantity is always positive.
type Position struct {
	ID       string        `json:"id"`
	Symbol   string        `json:"symbol"`
	Strategy string        `json:"strategy"`
	Side     strategy.Side `json:"side"`
	Entry    float64       `json:"entry_price"`
	Stop     float64       `json:"stop_price"`
	Target   float64       `json:"target_price"`
	Quantity float64       `json:"quantity"`
	OpenedAt time.Time     `json:"opened_at"`
	Reason   string        `json:"reason,omitempty"`
	// Extreme is the best price reached since entry, the anchor of a
	// trailing stop. Zero means the entry price.
	Extreme float64 `json:"extreme_price,omitempty"`
}

// Unrealized is the mark-to-market PnL at price, before fees.
func (p Position) Unrealized(price float64) float64 {
	return PnL(p.Side, p.Entry, price, p.Quantity)
}

// Trade is the immutable record of a closed position.
type Trade struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Strategy     string        `json:"strategy"`
	Side         strategy.Side `json:"side"`
	Entry        float64       `json:"entry_price"`
	Exit         float64       `json:"exit_price"`
	Stop         float64       `json:"stop_price"`
	Target       float64       `json:"target_price"`
	Quantity     float64       `json:"quantity"`
	OpenedAt     time.Time     `json:"opened_at"`
	ClosedAt     time.Time     `json:"closed_at"`
	GrossPnL     float64       `json:"gross_pnl"`
	Fee          float64       `json:"fee"`
	PnL          float64       `json:"realized_pnl"`
	ExitReason   ExitReason    `json:"exit_reason"`
	BalanceAfter float64       `json:"balance_after"`
}

// Win reports a strictly positive net result.
func (t Trade) Win() bool { return t.PnL > 0 }

// PnL of a fill pair before fees.
func PnL(side strategy.Side, entry, exit, qty float64) float64 {
	return (exit - entry) * qty * side.Sign()
}

// Fee charges rate on both legs' notional.
func Fee(entry, exit, qty, rate float64) float64 {
	q := decimal.NewFromFloat(qty)
	notional := decimal.NewFromFloat(entry).Mul(q).Add(decimal.NewFromFloat(exit).Mul(q))
	f, _ := notional.Mul(decimal.NewFromFloat(rate)).Float64()
	return f
}

// CheckExit decides whether c closes p. Stop-loss is checked before
// take-profit: with only OHLC data the order in which both levels were
// touched inside one candle is unknown, and the worse fill is assumed.
// The function is pure; repeated calls return the same decision.
func CheckExit(p Position, c candle.Candle) (price float64, reason ExitReason, ok bool) {
	switch p.Side {
	case strategy.Long:
		if c.Low <= p.Stop {
			return p.Stop, ExitStopLoss, true
		}
		if c.High >= p.Target {
			return p.Target, ExitTakeProfit, true
		}
	case strategy.Short:
		if c.High >= p.Stop {
			return p.Stop, ExitStopLoss, true
		}
		if c.Low <= p.Target {
			return p.Target, ExitTakeProfit, true
		}
	}
	return 0, "", false
}

// Trail ratchets the stop of p to pct percent behind the best price c
// reached. The stop only moves in the position's favour and only when c sets
// a new extreme. It reports whether the stop moved. pct <= 0 disables it.
func Trail(p Position, c candle.Candle, pct float64) (Position, bool) {
	if pct <= 0 {
		return p, false
	}
	extreme := p.Extreme
	if extreme <= 0 {
		extreme = p.Entry
	}
	switch p.Side {
	case strategy.Long:
		if c.High <= extreme {
			return p, false
		}
		p.Extreme = c.High
		if stop := c.High * (1 - pct/100); stop > p.Stop {
			p.Stop = stop
			return p, true
		}
	case strategy.Short:
		if c.Low >= extreme {
			return p, false
		}
		p.Extreme = c.Low
		if stop := c.Low * (1 + pct/100); stop < p.Stop {
			p.Stop = stop
			return p, true
		}
	}
	return p, false
}

// Machine holds at most one open position.
type Machine struct {
	symbol  string
	feeRate float64
	pos     *Position
}

func NewMachine(symbol string, feeRate float64) *Machine {
	return &Machine{symbol: symbol, feeRate: feeRate}
}

// IsOpen reports whether a position is open.
func (m *Machine) IsOpen() bool { return m.pos != nil }

// Current returns a copy of the open position.
func (m *Machine) Current() (Position, bool) {
	if m.pos == nil {
		return Position{}, false
	}
	return *m.pos, true
}

// Open moves FLAT -> OPEN on a finalized signal.
func (m *Machine) Open(sig strategy.Signal, qty float64, at time.Time) (Position, error) {
	if m.pos != nil {
		return Position{}, ErrAlreadyOpen
	}
	if qty <= 0 {
		return Position{}, fmt.Errorf("%w: quantity %.8f", strategy.ErrInvalidSignal, qty)
	}
	sign := sig.Side.Sign()
	if sign == 0 || (sig.Entry-sig.Stop)*sign <= 0 || (sig.Target-sig.Entry)*sign <= 0 {
		return Position{}, fmt.Errorf("%w: %s entry %.8f stop %.8f target %.8f",
			strategy.ErrInvalidSignal, sig.Side, sig.Entry, sig.Stop, sig.Target)
	}

	m.pos = &Position{
		ID:       uuid.NewString(),
		Symbol:   m.symbol,
		Strategy: sig.Strategy,
		Side:     sig.Side,
		Entry:    sig.Entry,
		Stop:     sig.Stop,
		Target:   sig.Target,
		Quantity: qty,
		OpenedAt: at,
		Reason:   sig.Reason,
		Extreme:  sig.Entry,
	}
	return *m.pos, nil
}

// Trail applies Trail to the open position and returns it.
func (m *Machine) Trail(c candle.Candle, pct float64) (Position, bool) {
	if m.pos == nil {
		return Position{}, false
	}
	p, moved := Trail(*m.pos, c, pct)
	m.pos = &p
	return p, moved
}

// Restore adopts a position reported elsewhere, replacing any local one.
func (m *Machine) Restore(p Position) {
	m.pos = &p
}

// Clear drops the local position without producing a trade.
func (m *Machine) Clear() {
	m.pos = nil
}

// Close moves OPEN -> FLAT at price and returns the trade. BalanceAfter is
// left for the account to fill in.
func (m *Machine) Close(price float64, reason ExitReason, at time.Time) (Trade, error) {
	if m.pos == nil {
		return Trade{}, ErrNotOpen
	}
	p := *m.pos
	m.pos = nil

	gross := PnL(p.Side, p.Entry, price, p.Quantity)
	fee := Fee(p.Entry, price, p.Quantity, m.feeRate)
	return Trade{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Strategy:   p.Strategy,
		Side:       p.Side,
		Entry:      p.Entry,
		Exit:       price,
		Stop:       p.Stop,
		Target:     p.Target,
		Quantity:   p.Quantity,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   at,
		GrossPnL:   gross,
		Fee:        fee,
		PnL:        gross - fee,
		ExitReason: reason,
	}, nil
}
