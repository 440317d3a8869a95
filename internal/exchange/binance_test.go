package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/strategy"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
	{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`

type recordedRequest struct {
	method string
	path   string
	query  string
	apiKey string
}

type fakeBinance struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeBinance(t *testing.T) (*fakeBinance, *Binance) {
	t.Helper()
	f := &fakeBinance{routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("X-MBX-APIKEY")})
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"code":-1,"msg":"no route"}`, http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	b := NewBinance(BinanceConfig{APIKey: "key", APISecret: "secret", FuturesURL: srv.URL, SpotURL: srv.URL})
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f, b
}

func (f *fakeBinance) handle(route, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeBinance) last(path string) recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].path == path {
			return f.requests[i]
		}
	}
	return recordedRequest{}
}

func TestBinance_GetCandles(t *testing.T) {
	f, b := newFakeBinance(t)
	f.handle("GET /fapi/v1/klines", `[
		[1700000000000,"100.0","101.5","99.5","101.0","12.5",1700000899999],
		[1700000900000,"101.0","100.0","99.0","99.5","3",1700001799999],
		[1700000900000,"101.0","102.0","100.5","101.5","4",1700001799999]]`)

	candles, err := b.GetCandles(context.Background(), "btc-usdt", "15m", 3)
	require.NoError(t, err)
	require.Len(t, candles, 2, "malformed kline skipped")
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), candles[0].OpenTime)
	assert.Equal(t, 101.5, candles[0].High)
	assert.Equal(t, "15m", candles[0].Timeframe)

	req := f.last("/fapi/v1/klines")
	assert.Contains(t, req.query, "symbol=BTCUSDT")
	assert.Contains(t, req.query, "interval=15m")
	assert.NotContains(t, req.query, "signature")

	_, err = b.GetCandles(context.Background(), "BTCUSDT", "7m", 3)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestBinance_SignsRequests(t *testing.T) {
	f, b := newFakeBinance(t)
	f.handle("GET /fapi/v2/balance", `[{"asset":"BNB","balance":"1","availableBalance":"1"},
		{"asset":"USDT","balance":"1500.5","availableBalance":"1200.25"}]`)

	bal, err := b.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1200.25, bal)

	req := f.last("/fapi/v2/balance")
	assert.Equal(t, "key", req.apiKey)
	idx := strings.Index(req.query, "&signature=")
	require.Positive(t, idx)
	payload, sig := req.query[:idx], req.query[idx+len("&signature="):]
	assert.Contains(t, payload, "timestamp=1700000000000")

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)

	wallet, err := b.WalletBalance(context.Background(), market.Futures)
	require.NoError(t, err)
	assert.Equal(t, 1500.5, wallet)
}

func TestBinance_MissingCredentials(t *testing.T) {
	b := NewBinance(BinanceConfig{FuturesURL: "http://127.0.0.1:1"})
	_, err := b.GetAccountBalance(context.Background())
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.False(t, Retryable(err))
}

func TestBinance_GetOpenPosition(t *testing.T) {
	f, b := newFakeBinance(t)
	ctx := context.Background()

	f.handle("GET /fapi/v2/positionRisk", `[{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0"}]`)
	pos, err := b.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)

	f.handle("GET /fapi/v2/positionRisk", `[{"symbol":"BTCUSDT","positionAmt":"-0.250","entryPrice":"42000.5",
		"unRealizedProfit":"-3.1","leverage":"10","updateTime":1700000000000}]`)
	f.handle("GET /fapi/v1/openOrders", `[
		{"orderId":1,"type":"STOP_MARKET","side":"BUY","stopPrice":"42500"},
		{"orderId":2,"type":"TAKE_PROFIT_MARKET","side":"BUY","stopPrice":"41000"}]`)
	pos, err = b.GetOpenPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, strategy.Short, pos.Side)
	assert.Equal(t, 0.25, pos.Quantity)
	assert.Equal(t, 42000.5, pos.Entry)
	assert.Equal(t, 42500.0, pos.Stop)
	assert.Equal(t, 41000.0, pos.Target)
}

func TestBinance_PlaceOrdersUseExchangeFilters(t *testing.T) {
	f, b := newFakeBinance(t)
	ctx := context.Background()
	f.handle("GET /fapi/v1/exchangeInfo", exchangeInfoJSON)
	f.handle("POST /fapi/v1/order", `{"orderId":991,"clientOrderId":"x","status":"NEW"}`)

	limits, err := b.SymbolLimits(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, limits.StepSize)
	assert.Equal(t, 100.0, limits.MinNotional)

	id, err := b.PlaceMarketOrder(ctx, "BTCUSDT", "BUY", 0.12345, false)
	require.NoError(t, err)
	assert.Equal(t, "991", id)
	q := f.last("/fapi/v1/order").query
	assert.Contains(t, q, "type=MARKET")
	assert.Contains(t, q, "quantity=0.123")
	assert.NotContains(t, q, "reduceOnly")
	assert.Contains(t, q, "newClientOrderId=")

	_, err = b.PlaceStopOrder(ctx, "BTCUSDT", "SELL", 41999.97, 0.123, true)
	require.NoError(t, err)
	q = f.last("/fapi/v1/order").query
	assert.Contains(t, q, "type=STOP_MARKET")
	assert.Contains(t, q, "stopPrice=42000.0")
	assert.Contains(t, q, "reduceOnly=true")

	_, err = b.PlaceTakeProfitOrder(ctx, "BTCUSDT", "SELL", 0, 0.123, true)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestBinance_ErrorMapping(t *testing.T) {
	f, b := newFakeBinance(t)
	f.mu.Lock()
	f.routes["POST /fapi/v1/leverage"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4028,"msg":"Leverage 200 is not valid"}`))
	}
	f.routes["DELETE /fapi/v1/allOpenOrders"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	f.mu.Unlock()

	err := b.SetLeverage(context.Background(), "BTCUSDT", 20)
	require.Error(t, err)
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, -4028, he.Code)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.False(t, Retryable(err))

	err = b.CancelAllOrders(context.Background(), "BTCUSDT")
	assert.True(t, Retryable(err))
	assert.Contains(t, f.last("/fapi/v1/allOpenOrders").query, "symbol=BTCUSDT")
}

func TestBinance_Transfer(t *testing.T) {
	f, b := newFakeBinance(t)
	ctx := context.Background()
	f.handle("POST /sapi/v1/futures/transfer", `{"tranId":100}`)
	f.handle("GET /api/v3/account", `{"balances":[{"asset":"USDT","free":"250.5","locked":"0"}]}`)

	require.NoError(t, b.Transfer(ctx, market.Futures, market.Spot, 12.5))
	q := f.last("/sapi/v1/futures/transfer").query
	assert.Contains(t, q, "type=2")
	assert.Contains(t, q, "amount=12.5")
	assert.Contains(t, q, "asset=USDT")

	require.NoError(t, b.Transfer(ctx, market.Spot, market.Futures, 3))
	assert.Contains(t, f.last("/sapi/v1/futures/transfer").query, "type=1")

	assert.ErrorIs(t, b.Transfer(ctx, market.Spot, market.Spot, 3), ErrUnsupported)

	spot, err := b.WalletBalance(ctx, market.Spot)
	require.NoError(t, err)
	assert.Equal(t, 250.5, spot)
}
