package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// WallexConfig configures the spot adapter.
type WallexConfig struct {
	APIKey string
	// MinQty is the base balance below which the account counts as flat.
	MinQty float64
}

// WallexExchange runs the strategies on a spot market: leverage 1, long
// only, and no resting stop orders. The live loop falls back to checking
// stop and target itself when protective orders are unsupported.
type WallexExchange struct {
	client *wallex.Client
	minQty float64
}

func NewWallexExchange(cfg WallexConfig) *WallexExchange {
	return &WallexExchange{
		client: wallex.New(wallex.ClientOptions{APIKey: cfg.APIKey}),
		minQty: cfg.MinQty,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// NormalizedTimeframe converts a timeframe to a wallex resolution: minutes
// below a day, 1D for daily candles.
func NormalizedTimeframe(timeframe string) string {
	minutes := tfutils.TimeframeMinutes(timeframe)
	if minutes >= 24*60 {
		return strconv.Itoa(minutes/(24*60)) + "D"
	}
	return strconv.Itoa(minutes)
}

func (w *WallexExchange) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		utils.GetLogger().Warnf("Exchange | %s GetCandles cancelled", w.Name())
		return nil, err
	}
	duration := tfutils.GetTimeframeDuration(timeframe)
	if duration == 0 {
		return nil, errors.Wrapf(ErrNotRetryable, "unsupported timeframe: %s", timeframe)
	}
	if limit <= 0 {
		limit = 500
	}

	end := time.Now().UTC()
	start := end.Add(-duration * time.Duration(limit))
	wallexCandles, err := w.client.Candles(NormalizeSymbol(symbol), NormalizedTimeframe(timeframe), start, end)
	if err != nil {
		return nil, errors.Wrapf(ErrRequestFailed, "wallex candles: %v", err)
	}

	candles := make([]candle.Candle, 0, len(wallexCandles))
	for _, wc := range wallexCandles {
		c := candle.Candle{
			OpenTime:  wc.Timestamp.UTC().Truncate(time.Minute),
			Open:      float64Ptr(&wc.Open),
			High:      float64Ptr(&wc.High),
			Low:       float64Ptr(&wc.Low),
			Close:     float64Ptr(&wc.Close),
			Volume:    float64Ptr(&wc.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
		}
		if err := c.Validate(); err != nil {
			continue // Skip invalid candles
		}
		candles = append(candles, c)
	}
	return candle.Tail(candles, limit), nil
}

func (w *WallexExchange) balances(ctx context.Context) (map[string]*wallex.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	balances, err := w.client.Balances()
	if err != nil {
		return nil, errors.Wrapf(ErrRequestFailed, "wallex balances: %v", err)
	}
	return balances, nil
}

// GetAccountBalance is the free quote balance. The quote asset is taken from
// the first symbol the adapter traded, USDT by default.
func (w *WallexExchange) GetAccountBalance(ctx context.Context) (float64, error) {
	return w.assetBalance(ctx, "USDT")
}

func (w *WallexExchange) assetBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := w.balances(ctx)
	if err != nil {
		return 0, err
	}
	for name, b := range balances {
		if strings.EqualFold(name, asset) {
			return float64Ptr(&b.Value), nil
		}
	}
	return 0, nil
}

// GetOpenPosition treats a base-asset holding above MinQty as an open long.
// Spot balances carry no entry price, so Entry is zero.
func (w *WallexExchange) GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error) {
	qty, err := w.assetBalance(ctx, BaseAsset(symbol))
	if err != nil {
		return nil, err
	}
	if qty <= w.minQty || qty <= 0 {
		return nil, nil
	}
	return &position.Position{Symbol: symbol, Side: strategy.Long, Quantity: qty}, nil
}

// LastPrice is the price of the most recent public trade.
func (w *WallexExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	trades, err := w.client.MarketTrades(NormalizeSymbol(symbol))
	if err != nil {
		return 0, errors.Wrapf(ErrRequestFailed, "wallex trades: %v", err)
	}
	if len(trades) == 0 {
		return 0, errors.Wrapf(ErrRequestFailed, "no trades found for symbol: %s", symbol)
	}
	return float64Ptr(&trades[0].Price), nil
}

func (w *WallexExchange) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error) {
	if side == order.Sell && !reduceOnly {
		return "", errors.Wrap(ErrUnsupported, "wallex: short entries on a spot market")
	}
	if err := (order.Request{Symbol: symbol, Side: side, Type: order.Market, Quantity: qty}).Validate(); err != nil {
		return "", errors.Wrap(ErrNotRetryable, err.Error())
	}
	price, err := w.LastPrice(ctx, symbol)
	if err != nil {
		return "", err
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(symbol),
		Type:     order.Market,
		Side:     side,
		Price:    wallex.Number(decimal.NewFromFloat(price).String()),
		Quantity: wallex.Number(decimal.NewFromFloat(qty).StringFixed(8)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return "", errors.Wrapf(ErrRequestFailed, "wallex order: %v", err)
	}
	utils.GetLogger().Infof("Exchange | %s %s %s %.8f -> %s (%s, filled %.8f @ %.8f)",
		w.Name(), side, params.Symbol, qty, resp.ClientOrderID, strings.ToUpper(resp.Status),
		float64Ptr(resp.ExecutedQty), float64Ptr(resp.ExecutedPrice))
	return resp.ClientOrderID, nil
}

func (w *WallexExchange) PlaceStopOrder(context.Context, string, string, float64, float64, bool) (string, error) {
	return "", errors.Wrap(ErrUnsupported, "wallex: stop-market orders")
}

func (w *WallexExchange) PlaceTakeProfitOrder(context.Context, string, string, float64, float64, bool) (string, error) {
	return "", errors.Wrap(ErrUnsupported, "wallex: take-profit orders")
}

// SetLeverage accepts only 1.
func (w *WallexExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	if leverage != 1 {
		return errors.Wrapf(ErrUnsupported, "wallex: leverage %d on a spot market", leverage)
	}
	return nil
}

// CancelAllOrders is a no-op: the adapter only places market orders.
func (w *WallexExchange) CancelAllOrders(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Helper to safely dereference *wallex.Number
func float64Ptr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
