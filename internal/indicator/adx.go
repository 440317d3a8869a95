package indicator

import (
	"math"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// Directional holds the readings of Wilder's directional movement system.
type Directional struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// DMI runs Wilder's directional movement system over every delta before index.
// +DM, -DM and true range are Wilder-smoothed, and ADX is the Wilder average
// of DX, so 2*period deltas are needed.
func DMI(candles []candle.Candle, period, index int) (Directional, bool) {
	if !window(candles, 2*period+1, index) {
		return Directional{}, false
	}
	p := float64(period)

	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		tr, plus, minus := directionalMove(candles, i)
		trS += tr
		plusS += plus
		minusS += minus
	}

	pdi, mdi, dx := directionalIndex(trS, plusS, minusS)
	adx, count := dx, 1
	for i := period + 1; i < index; i++ {
		tr, plus, minus := directionalMove(candles, i)
		trS = trS - trS/p + tr
		plusS = plusS - plusS/p + plus
		minusS = minusS - minusS/p + minus

		pdi, mdi, dx = directionalIndex(trS, plusS, minusS)
		if count < period {
			adx += dx
			count++
			if count == period {
				adx /= p
			}
			continue
		}
		adx = (adx*(p-1) + dx) / p
	}
	return Directional{ADX: adx, PlusDI: pdi, MinusDI: mdi}, true
}

// ADX is the trend strength reading of DMI.
func ADX(candles []candle.Candle, period, index int) (float64, bool) {
	d, ok := DMI(candles, period, index)
	return d.ADX, ok
}

func directionalMove(candles []candle.Candle, i int) (tr, plus, minus float64) {
	up := candles[i].High - candles[i-1].High
	down := candles[i-1].Low - candles[i].Low
	if up > down && up > 0 {
		plus = up
	}
	if down > up && down > 0 {
		minus = down
	}
	return TrueRange(candles, i), plus, minus
}

// directionalIndex returns +DI, -DI and DX. DX is 0 when both DIs are 0.
func directionalIndex(tr, plus, minus float64) (float64, float64, float64) {
	if tr == 0 {
		return 0, 0, 0
	}
	pdi := 100 * plus / tr
	mdi := 100 * minus / tr
	if pdi+mdi == 0 {
		return pdi, mdi, 0
	}
	return pdi, mdi, 100 * math.Abs(pdi-mdi) / (pdi + mdi)
}
