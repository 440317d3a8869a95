package indicator

import (
	"math"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// TrueRange of candles[i] against the previous close. i must be >= 1.
func TrueRange(candles []candle.Candle, i int) float64 {
	c, prev := candles[i], candles[i-1].Close
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
}

// ATR is the mean true range over the period candles before index.
func ATR(candles []candle.Candle, period, index int) (float64, bool) {
	if !window(candles, period+1, index) {
		return 0, false
	}
	var sum float64
	for i := index - period; i < index; i++ {
		sum += TrueRange(candles, i)
	}
	return sum / float64(period), true
}
