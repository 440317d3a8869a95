package indicator

import "github.com/amirphl/leverage-trader/internal/candle"

// Momentum is the percent rate of change from close[index-period] to
// close[index]. A zero base price reads 0.
func Momentum(candles []candle.Candle, period, index int) (float64, bool) {
	if period <= 0 || index < period || index >= len(candles) {
		return 0, false
	}
	prev := candles[index-period].Close
	if prev == 0 {
		return 0, true
	}
	return (candles[index].Close - prev) / prev * 100, true
}
