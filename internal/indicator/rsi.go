package indicator

import "github.com/amirphl/leverage-trader/internal/candle"

// RSI compares the average gain against the average loss over the period
// close-to-close deltas before index. Averages are simple, not smoothed.
// A window without losses reads 100.
func RSI(candles []candle.Candle, period, index int) (float64, bool) {
	if !window(candles, period+1, index) {
		return 0, false
	}
	var gain, loss float64
	for i := index - period; i < index; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}
