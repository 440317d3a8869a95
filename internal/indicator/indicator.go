// Package indicator holds stateless technical indicators over candle series.
//
// Every function takes the series, a period and the index of the candle being
// evaluated, and reads the window of candles strictly before that index.
// A false second return means the reading is undefined because the history is
// too short. That is a normal outcome, not an error.
package indicator

import (
	"math"

	"github.com/amirphl/leverage-trader/internal/candle"
)

// Func is the common shape of single-valued indicators.
type Func func(candles []candle.Candle, period, index int) (float64, bool)

// Reading is a named indicator value computed at one index.
type Reading struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
}

// Read evaluates f and names the result.
func Read(name string, f Func, candles []candle.Candle, period, index int) Reading {
	v, ok := f(candles, period, index)
	return Reading{Name: name, Value: v, Defined: ok}
}

// Series evaluates f at every index of candles. Undefined readings are NaN.
func Series(f Func, candles []candle.Candle, period int) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		v, ok := f(candles, period, i)
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// window reports whether [index-n, index) lies inside the series.
func window(candles []candle.Candle, n, index int) bool {
	return n > 0 && index >= n && index <= len(candles)
}
