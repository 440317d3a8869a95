package exchange

import (
	"context"
	"sync"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/utils"
)

// DryRun proxies market data to a real exchange and simulates everything
// that would move funds on a Paper book seeded from the real balances.
type DryRun struct {
	real      Exchange
	book      *Paper
	timeframe string

	seedMu sync.Mutex
	seeded bool
}

// NewDryRun simulates fills on candles of timeframe, normally the entry one.
func NewDryRun(real Exchange, symbol, timeframe string, feeRate float64) *DryRun {
	return &DryRun{real: real, book: NewPaper(symbol, 0, feeRate), timeframe: timeframe}
}

func (d *DryRun) Name() string {
	return "dryrun-" + d.real.Name()
}

// SetStartingBalance funds the book with bal instead of reading the real
// account, for runs that have no API credentials.
func (d *DryRun) SetStartingBalance(bal float64) {
	d.seedMu.Lock()
	defer d.seedMu.Unlock()
	d.book.mu.Lock()
	d.book.futures = bal
	d.book.mu.Unlock()
	d.seeded = true
	utils.GetLogger().Infof("DryRun | simulated account starts with balance %.2f", bal)
}

// Book exposes the simulated account.
func (d *DryRun) Book() *Paper {
	return d.book
}

// seed copies the real balances into the book on the first successful read.
// A failed read is returned and retried on the next call.
func (d *DryRun) seed(ctx context.Context) error {
	d.seedMu.Lock()
	defer d.seedMu.Unlock()
	if d.seeded {
		return nil
	}
	bal, err := d.real.GetAccountBalance(ctx)
	if err != nil {
		return err
	}
	d.book.mu.Lock()
	d.book.futures = bal
	d.book.mu.Unlock()
	if w, ok := d.real.(Wallets); ok {
		if spot, err := w.WalletBalance(ctx, market.Spot); err == nil {
			d.book.SetSpotBalance(spot)
		}
	}
	d.seeded = true
	utils.GetLogger().Infof("DryRun | seeded simulated account from %s with balance %.2f", d.real.Name(), bal)
	return nil
}

// ===== PROXY FUNCTIONS - These call the real exchange =====

// GetCandles proxies to the real exchange and replays the newest candle
// against simulated resting orders.
func (d *DryRun) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	candles, err := d.real.GetCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if n := len(candles); n > 0 && timeframe == d.timeframe {
		if price, closed := d.book.Observe(candles[n-1]); closed {
			utils.GetLogger().Infof("DryRun | simulated protective order filled at %.8f", price)
		}
	}
	return candles, nil
}

// ===== MOCK FUNCTIONS - These run on the simulated book =====

func (d *DryRun) GetAccountBalance(ctx context.Context) (float64, error) {
	if err := d.seed(ctx); err != nil {
		return 0, err
	}
	return d.book.GetAccountBalance(ctx)
}

func (d *DryRun) GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error) {
	return d.book.GetOpenPosition(ctx, symbol)
}

func (d *DryRun) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error) {
	if err := d.seed(ctx); err != nil {
		return "", err
	}
	id, err := d.book.PlaceMarketOrder(ctx, symbol, side, qty, reduceOnly)
	if err == nil {
		utils.GetLogger().Infof("DryRun | Mock order filled: OrderID=%s, Symbol=%s, Side=%s, Quantity=%.8f", id, symbol, side, qty)
	}
	return id, err
}

func (d *DryRun) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice, qty float64, reduceOnly bool) (string, error) {
	return d.book.PlaceStopOrder(ctx, symbol, side, stopPrice, qty, reduceOnly)
}

func (d *DryRun) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, targetPrice, qty float64, reduceOnly bool) (string, error) {
	return d.book.PlaceTakeProfitOrder(ctx, symbol, side, targetPrice, qty, reduceOnly)
}

func (d *DryRun) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return d.book.SetLeverage(ctx, symbol, leverage)
}

func (d *DryRun) CancelAllOrders(ctx context.Context, symbol string) error {
	return d.book.CancelAllOrders(ctx, symbol)
}

func (d *DryRun) WalletBalance(ctx context.Context, w market.Wallet) (float64, error) {
	if err := d.seed(ctx); err != nil {
		return 0, err
	}
	return d.book.WalletBalance(ctx, w)
}

func (d *DryRun) Transfer(ctx context.Context, from, to market.Wallet, amount float64) error {
	if err := d.seed(ctx); err != nil {
		return err
	}
	utils.GetLogger().Infof("DryRun | simulated transfer of %.2f %s -> %s", amount, from, to)
	return d.book.Transfer(ctx, from, to, amount)
}
