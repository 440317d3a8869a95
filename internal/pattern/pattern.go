// Package pattern detects candlestick and price-action structures used by
// strategy conditions.
package pattern

import (
	"time"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// Pattern is the interface for all patterns (candlestick, price action, etc.)
type Pattern interface {
	Name() string
	Detect(candles []candle.Candle) ([]Match, error)
}

// Direction of a detected pattern
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Strength thresholds shared by detectors
const (
	StrengthWeak   = 0.3
	StrengthMedium = 0.6
	StrengthStrong = 0.9
)

// Match represents a detected pattern
type Match struct {
	Index     int
	Pattern   string
	Strength  float64 // 0.0 to 1.0
	Direction Direction
	Timestamp time.Time
}

// bodyBounds returns the top and bottom of the candle body
func bodyBounds(c candle.Candle) (top, bottom float64) {
	return max(c.Open, c.Close), min(c.Open, c.Close)
}
