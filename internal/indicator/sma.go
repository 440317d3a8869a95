package indicator

import "github.com/amirphl/leverage-trader/internal/candle"

// SMA is the mean close of the period candles before index.
func SMA(candles []candle.Candle, period, index int) (float64, bool) {
	if !window(candles, period, index) {
		return 0, false
	}
	var sum float64
	for _, c := range candles[index-period : index] {
		sum += c.Close
	}
	return sum / float64(period), true
}

// EMA smooths closes with multiplier 2/(period+1). The seed is the SMA of the
// first period closes and the recursion then runs over closes [period, index).
func EMA(candles []candle.Candle, period, index int) (float64, bool) {
	if !window(candles, period, index) {
		return 0, false
	}
	ema, _ := SMA(candles, period, period)
	k := 2 / float64(period+1)
	for i := period; i < index; i++ {
		ema = candles[i].Close*k + ema*(1-k)
	}
	return ema, true
}
