package indicator

import (
	"math"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// Bands is an upper/middle/lower envelope.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger returns sma ± k·std over the period closes before index, using
// the population standard deviation.
func Bollinger(candles []candle.Candle, period int, k float64, index int) (Bands, bool) {
	mid, ok := SMA(candles, period, index)
	if !ok {
		return Bands{}, false
	}
	var sq float64
	for _, c := range candles[index-period : index] {
		d := c.Close - mid
		sq += d * d
	}
	std := math.Sqrt(sq / float64(period))
	return Bands{Upper: mid + k*std, Middle: mid, Lower: mid - k*std}, true
}

// Donchian returns the highest high and lowest low of the period candles
// before index. The candle at index is excluded, so a close beyond the
// channel is a breakout of prior structure.
func Donchian(candles []candle.Candle, period, index int) (high, low float64, ok bool) {
	if !window(candles, period, index) {
		return 0, 0, false
	}
	high, low = math.Inf(-1), math.Inf(1)
	for _, c := range candles[index-period : index] {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}
	return high, low, true
}
