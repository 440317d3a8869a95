package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/amirphl/leverage-trader/internal/candle"
	"github.com/amirphl/leverage-trader/internal/market"
	"github.com/amirphl/leverage-trader/internal/position"
	"github.com/amirphl/leverage-trader/internal/risk"
	"github.com/amirphl/leverage-trader/internal/utils"
)

const (
	backoffFactor = 2.0
	jitterRange   = 0.1 // ±10% jitter
)

// RetryPolicy bounds attempts and backoff for one exchange call.
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// HTTPError is a non-2xx answer from an exchange API.
type HTTPError struct {
	Status int
	Code   int
	Msg    string
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d: code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
}

// Is makes every HTTPError match ErrRequestFailed.
func (e *HTTPError) Is(target error) bool { return target == ErrRequestFailed }

// CalculateRetryDelay calculates the delay for the next retry attempt with exponential backoff and jitter
func CalculateRetryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := float64(baseDelay) * math.Pow(backoffFactor, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Jitter range: ±jitterRange of the delay
	delay += delay * jitterRange * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(baseDelay)
	}
	return time.Duration(delay)
}

// IsRetryableHTTPStatus determines if an HTTP status code indicates a retryable error
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Retryable reports whether err is worth another attempt. Client errors
// other than 429 and unsupported operations are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrNotRetryable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return IsRetryableHTTPStatus(he.Status)
	}
	return true
}

// retryableOrder is stricter: a timed-out or 5xx order may have been
// accepted, so only a rate-limit rejection is retried.
func retryableOrder(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusTooManyRequests
}

// Do runs fn until it succeeds, fails with a final error, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	return p.do(ctx, op, Retryable, fn)
}

func (p RetryPolicy) do(ctx context.Context, op string, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			break
		}

		delay := CalculateRetryDelay(attempt, p.BaseDelay, p.MaxDelay)
		utils.GetLogger().Warnf("Exchange | %s attempt %d/%d failed: %v. Backing off for %v", op, attempt+1, attempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s: cancelled during retry", op)
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Retrying decorates an Exchange with a RetryPolicy on every call.
type Retrying struct {
	inner  Exchange
	policy RetryPolicy
}

// WithRetry wraps ex. Wallet and limit capabilities of ex are preserved.
func WithRetry(ex Exchange, policy RetryPolicy) Exchange {
	r := &Retrying{inner: ex, policy: policy}
	if w, ok := ex.(Wallets); ok {
		return &retryingWallets{Retrying: r, wallets: w}
	}
	return r
}

func (r *Retrying) Name() string { return r.inner.Name() }

// Unwrap returns the decorated exchange.
func (r *Retrying) Unwrap() Exchange { return r.inner }

func (r *Retrying) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	var out []candle.Candle
	err := r.policy.Do(ctx, "GetCandles", func() error {
		var err error
		out, err = r.inner.GetCandles(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

func (r *Retrying) GetAccountBalance(ctx context.Context) (float64, error) {
	var out float64
	err := r.policy.Do(ctx, "GetAccountBalance", func() error {
		var err error
		out, err = r.inner.GetAccountBalance(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) GetOpenPosition(ctx context.Context, symbol string) (*position.Position, error) {
	var out *position.Position
	err := r.policy.Do(ctx, "GetOpenPosition", func() error {
		var err error
		out, err = r.inner.GetOpenPosition(ctx, symbol)
		return err
	})
	return out, err
}

func (r *Retrying) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (string, error) {
	var id string
	err := r.policy.do(ctx, "PlaceMarketOrder", retryableOrder, func() error {
		var err error
		id, err = r.inner.PlaceMarketOrder(ctx, symbol, side, qty, reduceOnly)
		return err
	})
	return id, err
}

func (r *Retrying) PlaceStopOrder(ctx context.Context, symbol, side string, stopPrice, qty float64, reduceOnly bool) (string, error) {
	var id string
	err := r.policy.do(ctx, "PlaceStopOrder", retryableOrder, func() error {
		var err error
		id, err = r.inner.PlaceStopOrder(ctx, symbol, side, stopPrice, qty, reduceOnly)
		return err
	})
	return id, err
}

func (r *Retrying) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, targetPrice, qty float64, reduceOnly bool) (string, error) {
	var id string
	err := r.policy.do(ctx, "PlaceTakeProfitOrder", retryableOrder, func() error {
		var err error
		id, err = r.inner.PlaceTakeProfitOrder(ctx, symbol, side, targetPrice, qty, reduceOnly)
		return err
	})
	return id, err
}

func (r *Retrying) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return r.policy.Do(ctx, "SetLeverage", func() error {
		return r.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (r *Retrying) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.policy.Do(ctx, "CancelAllOrders", func() error {
		return r.inner.CancelAllOrders(ctx, symbol)
	})
}

func (r *Retrying) SymbolLimits(ctx context.Context, symbol string) (risk.Limits, error) {
	lp, ok := r.inner.(LimitsProvider)
	if !ok {
		return risk.Limits{}, nil
	}
	var out risk.Limits
	err := r.policy.Do(ctx, "SymbolLimits", func() error {
		var err error
		out, err = lp.SymbolLimits(ctx, symbol)
		return err
	})
	return out, err
}

type retryingWallets struct {
	*Retrying
	wallets Wallets
}

func (r *retryingWallets) WalletBalance(ctx context.Context, w market.Wallet) (float64, error) {
	var out float64
	err := r.policy.Do(ctx, "WalletBalance", func() error {
		var err error
		out, err = r.wallets.WalletBalance(ctx, w)
		return err
	})
	return out, err
}

// Transfer is not retried after an ambiguous failure, like order placement.
func (r *retryingWallets) Transfer(ctx context.Context, from, to market.Wallet, amount float64) error {
	return r.policy.do(ctx, "Transfer", retryableOrder, func() error {
		return r.wallets.Transfer(ctx, from, to, amount)
	})
}
