package exchange

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/utils"
)

const qtyEpsilon = 1e-12

type restingOrder struct {
	id    string
	side  string
	typ   string
	price float64
	qty   float64
}

// Paper is an in-memory futures account. Market orders fill at the last fed
// price; stop and take-profit orders rest until Observe sees them touched.
type Paper struct {
	mu sync.Mutex

	symbol   string
	feeRate  float64
	futures  float64
	spot     float64
	leverage int

	series map[string][]candle.Candle
	last   float64
	now    func() time.Time

	pos    *position.Position
	orders []restingOrder
	fills  []order.Response
	seq    int64
}

func NewPaper(symbol string, balance, feeRate float64) *Paper {
	return &Paper{
		symbol:   symbol,
		feeRate:  feeRate,
		futures:  balance,
		leverage: 1,
		series:   make(map[string][]candle.Candle),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Paper) Name() string {
	return "paper"
}

// SetClock replaces the fill timestamp source.
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetSpotBalance funds the holding wallet used by Transfer.
func (p *Paper) SetSpotBalance(v float64) {
	p.mu.Lock()
	p.spot = v
	p.mu.Unlock()
}

// Feed replaces the series served for timeframe and marks the price at its
// last close.
func (p *Paper) Feed(timeframe string, candles []candle.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[timeframe] = append([]candle.Candle(nil), candles...)
	if n := len(candles); n > 0 {
		p.last = candles[n-1].Close
	}
}

// SetPrice marks the price market orders fill at.
func (p *Paper) SetPrice(price float64) {
	p.mu.Lock()
	p.last = price
	p.mu.Unlock()
}

// Observe matches resting orders against c. It reports the fill price when
// the position was closed. A bar touching both levels fills the stop.
func (p *Paper) Observe(c candle.Candle) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = c.Close
	if p.pos == nil || len(p.orders) == 0 {
		return 0, false
	}
	protected := p.protectedLocked()
	// missing levels must never trigger
	if protected.Stop == 0 && protected.Side.Sign() < 0 {
		protected.Stop = math.Inf(1)
	}
	if protected.Target == 0 && protected.Side.Sign() > 0 {
		protected.Target = math.Inf(1)
	}
	price, reason, ok := position.CheckExit(protected, c)
	if !ok {
		return 0, false
	}

	typ := order.StopMarket
	if reason == position.ExitTakeProfit {
		typ = order.TakeProfitMarket
	}
	for _, o := range p.orders {
		if o.typ == typ {
			p.fillLocked(o.id, o.side, o.typ, price, math.Min(o.qty, p.pos.Quantity))
			break
		}
	}
	return price, true
}

// Fills lists every executed order, oldest first.
func (p *Paper) Fills() []order.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]order.Response(nil), p.fills...)
}

// OpenOrders lists the resting protective orders.
func (p *Paper) OpenOrders() []order.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]order.Response, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, order.Response{
			OrderID: o.id, Symbol: p.symbol, Side: o.side, Type: o.typ,
			Status: order.StatusNew, Quantity: o.qty, StopPrice: o.price, ReduceOnly: true,
		})
	}
	return out
}

// Leverage is the last value passed to SetLeverage.
func (p *Paper) Leverage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leverage
}

func (p *Paper) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	series, ok := p.series[timeframe]
	if !ok {
		return nil, errors.Wrapf(ErrRequestFailed, "paper: no %s candles for %s", timeframe, symbol)
	}
	return append([]candle.Candle(nil), candle.Tail(series, limit)...), nil
}

func (p *Paper) GetAccountBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.futures, nil
}

func (p *Paper) GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil, nil
	}
	pos := p.protectedLocked()
	return &pos, nil
}

func (p *Paper) protectedLocked() position.Position {
	pos := *p.pos
	for _, o := range p.orders {
		switch o.typ {
		case order.StopMarket:
			pos.Stop = o.price
		case order.TakeProfitMarket:
			pos.Target = o.price
		}
	}
	return pos
}

func (p *Paper) nextID() string {
	p.seq++
	return fmt.Sprintf("paper_%d", p.seq)
}

func rejected(msg string) error {
	return errors.WithStack(&HTTPError{Status: http.StatusBadRequest, Msg: msg})
}

func (p *Paper) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := (order.Request{Symbol: symbol, Side: side, Type: order.Market, Quantity: qty}).Validate(); err != nil {
		return "", errors.Wrap(ErrNotRetryable, err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last <= 0 {
		return "", rejected("paper: no price to fill at")
	}

	id := p.nextID()
	if p.pos == nil {
		if reduceOnly {
			return "", rejected("ReduceOnly Order is rejected.")
		}
		margin := qty * p.last / float64(p.leverage)
		if margin > p.futures {
			return "", rejected("Margin is insufficient.")
		}
		p.fillLocked(id, side, order.Market, p.last, qty)
		return id, nil
	}

	if order.PositionSide(side) == p.pos.Side {
		return "", errors.Wrap(ErrUnsupported, "paper: adding to an open position")
	}
	if qty > p.pos.Quantity+qtyEpsilon {
		if !reduceOnly {
			return "", errors.Wrap(ErrUnsupported, "paper: reversing a position in one order")
		}
		qty = p.pos.Quantity
	}
	p.fillLocked(id, side, order.Market, p.last, qty)
	return id, nil
}

// fillLocked executes qty at price, opening or reducing the position.
func (p *Paper) fillLocked(id, side, typ string, price, qty float64) {
	now := p.now()
	p.fills = append(p.fills, order.Response{
		OrderID: id, Symbol: p.symbol, Side: side, Type: typ, Status: order.StatusFilled,
		Quantity: qty, StopPrice: 0, FilledQty: qty, AvgPrice: price,
		ReduceOnly: p.pos != nil, Timestamp: now,
	})
	p.futures -= qty * price * p.feeRate

	if p.pos == nil {
		p.pos = &position.Position{
			ID:       id,
			Symbol:   p.symbol,
			Side:     order.PositionSide(side),
			Entry:    price,
			Quantity: qty,
			OpenedAt: now,
		}
		return
	}

	p.futures += position.PnL(p.pos.Side, p.pos.Entry, price, qty)
	p.pos.Quantity -= qty
	if p.pos.Quantity <= qtyEpsilon {
		p.pos = nil
		p.orders = nil
	}
	utils.GetLogger().Infof("Exchange | paper %s %s %.8f @ %.8f, balance %.2f", typ, side, qty, price, p.futures)
}

func (p *Paper) placeResting(ctx context.Context, symbol, side, typ string, price, qty float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := (order.Request{Symbol: symbol, Side: side, Type: typ, Quantity: qty, StopPrice: price}).Validate(); err != nil {
		return "", errors.Wrap(ErrNotRetryable, err.Error())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return "", rejected("ReduceOnly Order is rejected.")
	}
	if order.PositionSide(side) == p.pos.Side {
		return "", rejected("protective order must close the position")
	}
	id := p.nextID()
	p.orders = append(p.orders, restingOrder{id: id, side: side, typ: typ, price: price, qty: qty})
	return id, nil
}

// PlaceStopOrder always rests as reduce-only.
func (p *Paper) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice, qty float64, _ bool) (string, error) {
	return p.placeResting(ctx, symbol, side, order.StopMarket, stopPrice, qty)
}

// PlaceTakeProfitOrder always rests as reduce-only.
func (p *Paper) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, targetPrice, qty float64, _ bool) (string, error) {
	return p.placeResting(ctx, symbol, side, order.TakeProfitMarket, targetPrice, qty)
}

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return rejected(fmt.Sprintf("leverage %d is not valid", leverage))
	}
	p.mu.Lock()
	p.leverage = leverage
	p.mu.Unlock()
	return nil
}

func (p *Paper) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.orders = nil
	p.mu.Unlock()
	return nil
}

func (p *Paper) WalletBalance(ctx context.Context, w market.Wallet) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch w {
	case market.Futures:
		return p.futures, nil
	case market.Spot:
		return p.spot, nil
	}
	return 0, errors.Wrapf(ErrUnsupported, "wallet %q", w)
}

func (p *Paper) Transfer(ctx context.Context, from, to market.Wallet, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return errors.Wrapf(ErrNotRetryable, "transfer amount must be positive, got %v", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case from == market.Spot && to == market.Futures:
		if p.spot < amount {
			return rejected("insufficient spot balance")
		}
		p.spot -= amount
		p.futures += amount
	case from == market.Futures && to == market.Spot:
		if p.futures < amount {
			return rejected("insufficient futures balance")
		}
		p.futures -= amount
		p.spot += amount
	default:
		return errors.Wrapf(ErrUnsupported, "transfer %s -> %s", from, to)
	}
	return nil
}
