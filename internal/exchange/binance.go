package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/order"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/risk"
	"github.com/amirphl/leverage-trader/internal/strategy"
	"github.com/amirphl/leverage-trader/internal/tfutils"
	"github.com/amirphl/leverage-trader/internal/utils"
)

const (
	BinanceFuturesURL = "https://fapi.binance.com"
	BinanceSpotURL    = "https://api.binance.com"

	recvWindowMs  = 5000
	maxKlineLimit = 1500
	maxBodyBytes  = 4 << 20
)

// Transfer directions of /sapi/v1/futures/transfer.
const (
	transferSpotToFutures = "1"
	transferFuturesToSpot = "2"
)

// BinanceConfig holds credentials and endpoints of a USDⓈ-M futures account.
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	FuturesURL string
	SpotURL    string
	// Asset is the margin asset, USDT when empty.
	Asset   string
	Timeout time.Duration
}

// Binance talks to the futures REST API and, for wallet transfers, the spot API.
type Binance struct {
	cfg    BinanceConfig
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	filters map[string]symbolFilters
}

type symbolFilters struct {
	limits   risk.Limits
	tickSize float64
}

func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.FuturesURL == "" {
		cfg.FuturesURL = BinanceFuturesURL
	}
	if cfg.SpotURL == "" {
		cfg.SpotURL = BinanceSpotURL
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Binance{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
		filters: make(map[string]symbolFilters),
	}
}

func (b *Binance) Name() string {
	return "binance"
}

func (b *Binance) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	payload := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) call(ctx context.Context, method, base, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
			return errors.Wrap(ErrNotRetryable, "binance: api key and secret are required")
		}
		query = b.sign(params)
	}

	u := base + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return errors.Wrapf(ErrNotRetryable, "binance: build request: %v", err)
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(ErrRequestFailed, "binance %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrapf(ErrRequestFailed, "binance %s %s: read body: %v", method, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &HTTPError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if sonic.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Msg = payload.Msg
		}
		return errors.Wrapf(apiErr, "binance %s %s", method, path)
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return errors.Wrapf(ErrRequestFailed, "binance %s %s: decode: %v", method, path, err)
	}
	return nil
}

// GetCandles fetches /fapi/v1/klines. The newest kline is usually still open.
func (b *Binance) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, errors.Wrapf(ErrNotRetryable, "unsupported timeframe: %s", timeframe)
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]any
	if err := b.call(ctx, http.MethodGet, b.cfg.FuturesURL, "/fapi/v1/klines", params, false, &rows); err != nil {
		return nil, err
	}

	candles := make([]candle.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKline(row, symbol, timeframe)
		if err != nil {
			utils.GetLogger().Warnf("Exchange | %s skipping kline for %s %s: %v", b.Name(), symbol, timeframe, err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(row []any, symbol, timeframe string) (candle.Candle, error) {
	if len(row) < 6 {
		return candle.Candle{}, errors.Errorf("kline has %d fields", len(row))
	}
	var vals [6]float64
	for i := 0; i < 6; i++ {
		v, err := number(row[i])
		if err != nil {
			return candle.Candle{}, errors.Wrapf(err, "field %d", i)
		}
		vals[i] = v
	}
	c := candle.Candle{
		OpenTime:  time.UnixMilli(int64(vals[0])).UTC(),
		Open:      vals[1],
		High:      vals[2],
		Low:       vals[3],
		Close:     vals[4],
		Volume:    vals[5],
		Symbol:    symbol,
		Timeframe: timeframe,
	}
	return c, c.Validate()
}

// number accepts the string and numeric encodings Binance mixes in one payload.
func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, errors.Errorf("unexpected %T", v)
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

type binanceBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

func (b *Binance) futuresBalance(ctx context.Context) (binanceBalance, error) {
	var rows []binanceBalance
	if err := b.call(ctx, http.MethodGet, b.cfg.FuturesURL, "/fapi/v2/balance", nil, true, &rows); err != nil {
		return binanceBalance{}, err
	}
	for _, r := range rows {
		if r.Asset == b.cfg.Asset {
			return r, nil
		}
	}
	return binanceBalance{Asset: b.cfg.Asset, Balance: "0", AvailableBalance: "0"}, nil
}

// GetAccountBalance is the available margin-asset balance of the futures wallet.
func (b *Binance) GetAccountBalance(ctx context.Context) (float64, error) {
	bal, err := b.futuresBalance(ctx)
	if err != nil {
		return 0, err
	}
	return parseFloat(bal.AvailableBalance), nil
}

// WalletBalance reports the futures wallet balance or the free spot balance.
func (b *Binance) WalletBalance(ctx context.Context, w market.Wallet) (float64, error) {
	switch w {
	case market.Futures:
		bal, err := b.futuresBalance(ctx)
		if err != nil {
			return 0, err
		}
		return parseFloat(bal.Balance), nil
	case market.Spot:
		var account struct {
			Balances []struct {
				Asset  string `json:"asset"`
				Free   string `json:"free"`
				Locked string `json:"locked"`
			} `json:"balances"`
		}
		if err := b.call(ctx, http.MethodGet, b.cfg.SpotURL, "/api/v3/account", nil, true, &account); err != nil {
			return 0, err
		}
		for _, bal := range account.Balances {
			if bal.Asset == b.cfg.Asset {
				return parseFloat(bal.Free), nil
			}
		}
		return 0, nil
	default:
		return 0, errors.Wrapf(ErrUnsupported, "wallet %q", w)
	}
}

// Transfer moves the margin asset between the spot and futures wallets.
func (b *Binance) Transfer(ctx context.Context, from, to market.Wallet, amount float64) error {
	var kind string
	switch {
	case from == market.Spot && to == market.Futures:
		kind = transferSpotToFutures
	case from == market.Futures && to == market.Spot:
		kind = transferFuturesToSpot
	default:
		return errors.Wrapf(ErrUnsupported, "transfer %s -> %s", from, to)
	}
	if amount <= 0 {
		return errors.Wrapf(ErrNotRetryable, "transfer amount must be positive, got %v", amount)
	}

	params := url.Values{}
	params.Set("asset", b.cfg.Asset)
	params.Set("amount", decimal.NewFromFloat(amount).Truncate(8).String())
	params.Set("type", kind)

	var resp struct {
		TranID int64 `json:"tranId"`
	}
	if err := b.call(ctx, http.MethodPost, b.cfg.SpotURL, "/sapi/v1/futures/transfer", params, true, &resp); err != nil {
		return err
	}
	utils.GetLogger().Infof("Exchange | %s transferred %s %s %s -> %s (tran %d)", b.Name(), params.Get("amount"), b.cfg.Asset, from, to, resp.TranID)
	return nil
}

// GetOpenPosition reads /fapi/v2/positionRisk and attaches resting stop and
// take-profit prices from /fapi/v1/openOrders.
func (b *Binance) GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error) {
	sym := NormalizeSymbol(symbol)
	params := url.Values{}
	params.Set("symbol", sym)

	var risks []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		UpdateTime       int64  `json:"updateTime"`
	}
	if err := b.call(ctx, http.MethodGet, b.cfg.FuturesURL, "/fapi/v2/positionRisk", params, true, &risks); err != nil {
		return nil, err
	}

	var pos *position.Position
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if r.Symbol != sym || amt == 0 {
			continue
		}
		side := strategy.Long
		if amt < 0 {
			side = strategy.Short
		}
		pos = &position.Position{
			Symbol:   symbol,
			Side:     side,
			Entry:    parseFloat(r.EntryPrice),
			Quantity: math.Abs(amt),
		}
		if r.UpdateTime > 0 {
			pos.OpenedAt = time.UnixMilli(r.UpdateTime).UTC()
		}
		break
	}
	if pos == nil {
		return nil, nil
	}

	var open []struct {
		OrderID   int64  `json:"orderId"`
		Type      string `json:"type"`
		Side      string `json:"side"`
		StopPrice string `json:"stopPrice"`
	}
	if err := b.call(ctx, http.MethodGet, b.cfg.FuturesURL, "/fapi/v1/openOrders", params, true, &open); err != nil {
		return nil, err
	}
	for _, o := range open {
		switch o.Type {
		case order.StopMarket:
			pos.Stop = parseFloat(o.StopPrice)
		case order.TakeProfitMarket:
			pos.Target = parseFloat(o.StopPrice)
		}
	}
	return pos, nil
}

// SymbolLimits reads LOT_SIZE, MIN_NOTIONAL and PRICE_FILTER once per symbol.
func (b *Binance) SymbolLimits(ctx context.Context, symbol string) (risk.Limits, error) {
	f, err := b.symbolFilters(ctx, symbol)
	return f.limits, err
}

func (b *Binance) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	sym := NormalizeSymbol(symbol)
	b.mu.Lock()
	f, ok := b.filters[sym]
	b.mu.Unlock()
	if ok {
		return f, nil
	}

	var info struct {
		Symbols []struct {
			Symbol  string           `json:"symbol"`
			Filters []map[string]any `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.call(ctx, http.MethodGet, b.cfg.FuturesURL, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return symbolFilters{}, err
	}

	found := false
	for _, s := range info.Symbols {
		if s.Symbol != sym {
			continue
		}
		found = true
		for _, flt := range s.Filters {
			str := func(key string) float64 {
				v, _ := flt[key].(string)
				return parseFloat(v)
			}
			switch flt["filterType"] {
			case "LOT_SIZE":
				f.limits.StepSize = str("stepSize")
				f.limits.MinQty = str("minQty")
			case "MIN_NOTIONAL":
				f.limits.MinNotional = str("notional")
			case "PRICE_FILTER":
				f.tickSize = str("tickSize")
			}
		}
	}
	if !found {
		return symbolFilters{}, errors.Wrapf(ErrNotRetryable, "symbol %s not listed", sym)
	}

	b.mu.Lock()
	b.filters[sym] = f
	b.mu.Unlock()
	return f, nil
}

// formatQty and formatPrice fall back to plain decimal formatting when
// exchange filters are unavailable.
func (b *Binance) formatQty(ctx context.Context, symbol string, qty float64) string {
	f, err := b.symbolFilters(ctx, symbol)
	if err != nil || f.limits.StepSize <= 0 {
		return decimal.NewFromFloat(qty).String()
	}
	rounded := risk.RoundToStep(qty, f.limits.StepSize)
	return decimal.NewFromFloat(rounded).StringFixed(risk.StepPlaces(f.limits.StepSize))
}

func (b *Binance) formatPrice(ctx context.Context, symbol string, price float64) string {
	f, err := b.symbolFilters(ctx, symbol)
	if err != nil || f.tickSize <= 0 {
		return decimal.NewFromFloat(price).String()
	}
	tick := decimal.NewFromFloat(f.tickSize)
	return decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).StringFixed(risk.StepPlaces(f.tickSize))
}

func (b *Binance) placeOrder(ctx context.Context, req order.Request) (string, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return "", errors.Wrap(ErrNotRetryable, err.Error())
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", b.formatQty(ctx, req.Symbol, req.Quantity))
	params.Set("newClientOrderId", req.ClientID)
	if req.StopPrice > 0 {
		params.Set("stopPrice", b.formatPrice(ctx, req.Symbol, req.StopPrice))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := b.call(ctx, http.MethodPost, b.cfg.FuturesURL, "/fapi/v1/order", params, true, &resp); err != nil {
		return "", err
	}
	utils.GetLogger().Infof("Exchange | %s %s %s %s qty=%s stop=%s -> order %d (%s)",
		b.Name(), req.Type, req.Side, params.Get("symbol"), params.Get("quantity"), params.Get("stopPrice"), resp.OrderID, resp.Status)
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error) {
	return b.placeOrder(ctx, order.Request{Symbol: symbol, Side: side, Type: order.Market, Quantity: qty, ReduceOnly: reduceOnly})
}

func (b *Binance) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice, qty float64, reduceOnly bool) (string, error) {
	return b.placeOrder(ctx, order.Request{Symbol: symbol, Side: side, Type: order.StopMarket, Quantity: qty, StopPrice: stopPrice, ReduceOnly: reduceOnly})
}

func (b *Binance) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, targetPrice, qty float64, reduceOnly bool) (string, error) {
	return b.placeOrder(ctx, order.Request{Symbol: symbol, Side: side, Type: order.TakeProfitMarket, Quantity: qty, StopPrice: targetPrice, ReduceOnly: reduceOnly})
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return errors.Wrapf(ErrNotRetryable, "leverage must be >= 1, got %d", leverage)
	}
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return b.call(ctx, http.MethodPost, b.cfg.FuturesURL, "/fapi/v1/leverage", params, true, nil)
}

func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	return b.call(ctx, http.MethodDelete, b.cfg.FuturesURL, "/fapi/v1/allOpenOrders", params, true, nil)
}
