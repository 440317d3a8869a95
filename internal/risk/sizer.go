// Package risk converts signals into order quantities under a per-trade risk
// budget and a leverage cap.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/amirphl/leverage-trader/internal/strategy"
)

var (
	// ErrInvalidSignal is strategy.ErrInvalidSignal, re-exported for callers
	// that only size.
	ErrInvalidSignal = strategy.ErrInvalidSignal
	// ErrInsufficientBalance means the sized quantity is not tradable.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Limits are the exchange lot constraints for a symbol. Zero values disable
// the corresponding check.
type Limits struct {
	StepSize    float64 `yaml:"step_size" json:"step_size"`
	MinQty      float64 `yaml:"min_qty" json:"min_qty"`
	MinNotional float64 `yaml:"min_notional" json:"min_notional"`
}

// Sizer holds the risk settings of one strategy config.
type Sizer struct {
	RiskPerTrade float64
	Leverage     float64
	// MaxNotional caps qty·entry. Zero disables the cap.
	MaxNotional float64
	Limits      Limits
}

func NewSizer(cfg strategy.Config, limits Limits) Sizer {
	return Sizer{RiskPerTrade: cfg.RiskPerTrade, Leverage: cfg.Leverage, MaxNotional: cfg.MaxNotional, Limits: limits}
}

// Size returns min(balance·risk / stopDistance, balance·leverage / entry),
// further capped at MaxNotional / entry and floored to the lot step. A zero stop distance is an invalid signal; a
// quantity that rounds to nothing or falls below the exchange minimums is an
// insufficient balance.
func (s Sizer) Size(sig strategy.Signal, balance float64) (float64, error) {
	if balance <= 0 {
		return 0, fmt.Errorf("%w: balance %.8f", ErrInsufficientBalance, balance)
	}
	dist := sig.StopDistance()
	if dist == 0 || sig.Entry <= 0 || math.IsNaN(dist) {
		return 0, fmt.Errorf("%w: stop distance %.8f at entry %.8f", ErrInvalidSignal, dist, sig.Entry)
	}

	raw := balance * s.RiskPerTrade / dist
	capped := balance * s.Leverage / sig.Entry
	qty := math.Min(raw, capped)
	if s.MaxNotional > 0 {
		qty = math.Min(qty, s.MaxNotional/sig.Entry)
	}

	if s.Limits.StepSize > 0 {
		qty = RoundToStep(qty, s.Limits.StepSize)
	}
	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity rounds to zero", ErrInsufficientBalance)
	}
	if qty < s.Limits.MinQty {
		return 0, fmt.Errorf("%w: quantity %.8f below minimum %.8f", ErrInsufficientBalance, qty, s.Limits.MinQty)
	}
	if qty*sig.Entry < s.Limits.MinNotional {
		return 0, fmt.Errorf("%w: notional %.2f below minimum %.2f", ErrInsufficientBalance, qty*sig.Entry, s.Limits.MinNotional)
	}
	return qty, nil
}

// Size is a convenience wrapper without exchange limits.
func Size(sig strategy.Signal, balance float64, cfg strategy.Config) (float64, error) {
	return NewSizer(cfg, Limits{}).Size(sig, balance)
}

// RoundToStep floors qty to a multiple of step in decimal arithmetic, so
// 0.3/0.1 style float noise never drops a whole step.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	f, _ := q.Div(st).Floor().Mul(st).Float64()
	return f
}

// StepPlaces is the number of decimals a step size carries, used when
// formatting quantities for exchange requests.
func StepPlaces(step float64) int32 {
	if step <= 0 {
		return 8
	}
	return -decimal.NewFromFloat(step).Exponent()
}
