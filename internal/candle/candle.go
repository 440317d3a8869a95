// Package candle
package candle

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/amirphl/leverage-trader/internal/tfutils"
)

var (
	// ErrMalformedCandle marks a candle whose OHLCV values are inconsistent.
	ErrMalformedCandle = errors.New("malformed candle")
	// ErrNonMonotonic marks a series whose open times are not strictly increasing.
	ErrNonMonotonic = errors.New("non-monotonic candle series")
)

// Candle is one OHLCV bar. It is never mutated after it is produced.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol,omitempty"`
	Timeframe string    `json:"timeframe,omitempty"`
}

// CloseTime returns the instant the candle closes. Candles with an unknown
// timeframe close at their open time.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(tfutils.GetTimeframeDuration(c.Timeframe))
}

// IsComplete checks if a candle has closed as of now
func (c Candle) IsComplete(now time.Time) bool {
	return !now.Before(c.CloseTime())
}

// Validate checks if a candle has valid data
func (c Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return errors.New("candle open time is zero")
	}
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("candle values must be finite")
		}
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	return nil
}

// Body returns the absolute size of the candle body
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range returns high minus low
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// BodyRatio returns body/range, 0 for a zero-range candle
func (c Candle) BodyRatio() float64 {
	r := c.Range()
	if r == 0 {
		return 0
	}
	return c.Body() / r
}

func (c Candle) IsBullish() bool { return c.Close > c.Open }

func (c Candle) IsBearish() bool { return c.Close < c.Open }

// ValidateSeries checks every candle and requires strictly increasing open
// times. Backtests treat any error from here as fatal.
func ValidateSeries(candles []Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: index %d at %s: %v", ErrMalformedCandle, i, c.OpenTime.Format(time.RFC3339), err)
		}
		if i > 0 && !c.OpenTime.After(candles[i-1].OpenTime) {
			return fmt.Errorf("%w: index %d at %s does not follow %s", ErrNonMonotonic, i,
				c.OpenTime.Format(time.RFC3339), candles[i-1].OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}

// Closes extracts close prices
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Tail returns at most the last n candles of the slice without copying.
func Tail(candles []Candle, n int) []Candle {
	if n <= 0 || n >= len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}
