// Package exchange
package exchange

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/risk"
)

var (
	// ErrRequestFailed wraps every network, HTTP or decoding failure.
	ErrRequestFailed = errors.New("exchange request failed")
	// ErrUnsupported is returned for operations an exchange cannot perform,
	// e.g. resting stop orders on a spot venue.
	ErrUnsupported = errors.New("operation not supported by exchange")
	// ErrNotRetryable marks failures that must not be retried.
	ErrNotRetryable = errors.New("non-retryable exchange error")
)

// Exchange is the order-placement and account interface the live loop
// drives. Every call blocks until the exchange answers or ctx ends.
type Exchange interface {
	Name() string
	// GetCandles returns up to limit most recent candles, oldest first. The
	// last one may still be forming.
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)
	// GetAccountBalance is the quote balance available to the trading account.
	GetAccountBalance(ctx context.Context) (float64, error)
	// GetOpenPosition returns nil when flat. Stop and Target are filled from
	// resting protective orders when the exchange reports them.
	GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error)
	PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error)
	PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice, qty float64, reduceOnly bool) (string, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol, side string, targetPrice, qty float64, reduceOnly bool) (string, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// Wallets is implemented by exchanges that can move quote funds between the
// trading account and a holding account.
type Wallets interface {
	WalletBalance(ctx context.Context, w market.Wallet) (float64, error)
	Transfer(ctx context.Context, from, to market.Wallet, amount float64) error
}

// LimitsProvider reports lot constraints used when sizing.
type LimitsProvider interface {
	SymbolLimits(ctx context.Context, symbol string) (risk.Limits, error)
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// QuoteAsset extracts the quote currency from a symbol, e.g. BTCUSDT -> USDT.
func QuoteAsset(symbol string) string {
	s := NormalizeSymbol(strings.ReplaceAll(symbol, "/", ""))
	for _, q := range []string{"USDT", "USDC", "BUSD", "TMN"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q
		}
	}
	if len(s) > 3 {
		return s[len(s)-3:]
	}
	return ""
}

// BaseAsset is the symbol without its quote currency.
func BaseAsset(symbol string) string {
	s := NormalizeSymbol(strings.ReplaceAll(symbol, "/", ""))
	return strings.TrimSuffix(s, QuoteAsset(s))
}
